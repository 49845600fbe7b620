package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/workoutstream/pkg/app"
)

// Server drives the stream runtime and the HTTP server lifecycle.
type Server struct {
	rt      *app.Runtime
	hub     *StreamHub
	httpSrv *http.Server
}

func NewServer(rt *app.Runtime, addr string) (*Server, error) {
	if rt == nil || rt.Manager == nil {
		return nil, errors.New("server runtime is not initialized")
	}
	hub, err := NewStreamHub(rt.Manager)
	if err != nil {
		return nil, err
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.Handle("/api/", NewJobsHTTPHandler(rt.Manager, hub, log.Logger.With().Str("component", "server").Logger()))
	mux.HandleFunc("/ws", NewWSHTTPHandler(hub, upgrader))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &Server{
		rt:  rt,
		hub: hub,
		httpSrv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func (s *Server) Handler() http.Handler {
	if s == nil || s.httpSrv == nil {
		return http.NotFoundHandler()
	}
	return s.httpSrv.Handler
}

func (s *Server) Hub() *StreamHub { return s.hub }

// Run serves until ctx ends or SIGINT/SIGTERM arrives, then shuts down the
// HTTP server, disconnects sockets and releases every binding.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	if s == nil || s.rt == nil || s.httpSrv == nil {
		return errors.New("server is not initialized")
	}
	eg := errgroup.Group{}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	s.rt.StartBackground(srvCtx)

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-srvCtx.Done():
		}
		srvCancel()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		s.hub.CloseAll()
		if err := s.rt.Close(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("stream runtime close error")
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("addr", s.httpSrv.Addr).Msg("starting workoutstream server")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server listen error")
			srvCancel()
			return err
		}
		return nil
	})

	return eg.Wait()
}
