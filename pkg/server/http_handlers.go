package server

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/workoutstream/pkg/chunkstream"
)

// JobView is the JSON view of one job's stream.
type JobView struct {
	JobID    string   `json:"job_id"`
	State    string   `json:"state"`
	Error    string   `json:"error,omitempty"`
	Chunks   []string `json:"chunks"`
	Text     string   `json:"text"`
	Watchers int      `json:"watchers"`
}

type errorBody struct {
	Error string `json:"error"`
	State string `json:"state,omitempty"`
}

// NewJobsHTTPHandler serves the job API:
//
//	GET    /api/jobs/{id}          current chunks and binding state
//	POST   /api/jobs/{id}/binding  ensure the binding
//	DELETE /api/jobs/{id}/binding  release the binding
//	GET    /api/bindings           bound job ids
func NewJobsHTTPHandler(m *chunkstream.Manager, hub *StreamHub, logger zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/jobs/{id}", func(w http.ResponseWriter, req *http.Request) {
		jobID := req.PathValue("id")
		chunks, err := m.Accumulator().Chunks(req.Context(), jobID)
		if err != nil {
			if stderrors.Is(err, chunkstream.ErrInvalidJobID) {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()}, logger)
				return
			}
			logger.Error().Err(err).Str("job_id", jobID).Msg("read chunks failed")
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "read chunks failed"}, logger)
			return
		}
		view := JobView{
			JobID:    jobID,
			Chunks:   chunks,
			Text:     strings.Join(chunks, ""),
			Watchers: hub.Watchers(jobID),
		}
		state, stateErr := m.State(jobID)
		view.State = string(state)
		if stateErr != nil {
			view.Error = stateErr.Error()
		}
		writeJSON(w, http.StatusOK, view, logger)
	})

	mux.HandleFunc("POST /api/jobs/{id}/binding", func(w http.ResponseWriter, req *http.Request) {
		jobID := req.PathValue("id")
		if err := m.EnsureBinding(req.Context(), jobID); err != nil {
			if stderrors.Is(err, chunkstream.ErrInvalidJobID) {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()}, logger)
				return
			}
			writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error(), State: string(chunkstream.StateFailed)}, logger)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "state": string(chunkstream.StateBound)}, logger)
	})

	mux.HandleFunc("DELETE /api/jobs/{id}/binding", func(w http.ResponseWriter, req *http.Request) {
		jobID := req.PathValue("id")
		if err := m.Release(req.Context(), jobID); err != nil {
			if stderrors.Is(err, chunkstream.ErrInvalidJobID) {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()}, logger)
				return
			}
			logger.Error().Err(err).Str("job_id", jobID).Msg("release binding failed")
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "release binding failed"}, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /api/bindings", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string][]string{"job_ids": m.Bound()}, logger)
	})

	return mux
}

// NewWSHTTPHandler upgrades /ws?job_id=... and attaches the socket to the hub.
func NewWSHTTPHandler(hub *StreamHub, upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if hub == nil {
			http.Error(w, "stream hub not initialized", http.StatusServiceUnavailable)
			return
		}
		jobID := req.URL.Query().Get("job_id")
		if jobID == "" {
			http.Error(w, "missing job_id", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		if err := hub.AttachWebSocket(req.Context(), jobID, conn); err != nil {
			if b, merr := json.Marshal(Frame{Type: FrameError, JobID: jobID, State: string(chunkstream.StateFailed), Error: err.Error()}); merr == nil {
				_ = conn.WriteMessage(websocket.TextMessage, b)
			}
			_ = conn.Close()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any, logger zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("response write failed")
	}
}
