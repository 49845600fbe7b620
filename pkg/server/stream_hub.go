package server

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/workoutstream/pkg/chunkstream"
)

const (
	FrameSnapshot = "workout.snapshot"
	FrameChunk    = "workout.chunk"
	FramePong     = "ws.pong"
	FrameError    = "ws.error"
)

// Frame is the JSON message sent to websocket clients. A snapshot carries all
// chunks so far; chunk frames carry one chunk and its 1-based seq. Clients
// ignore chunk frames whose seq is not beyond the snapshot they hold.
type Frame struct {
	Type       string   `json:"type"`
	JobID      string   `json:"job_id"`
	Seq        int      `json:"seq,omitempty"`
	Chunk      string   `json:"chunk,omitempty"`
	Chunks     []string `json:"chunks,omitempty"`
	State      string   `json:"state,omitempty"`
	Error      string   `json:"error,omitempty"`
	ServerTime int64    `json:"server_time"`
}

// StreamHub owns websocket attachment per job. Each attached socket holds a
// binding reference, so a job stays bound exactly as long as someone watches it
// (or someone bound it explicitly).
type StreamHub struct {
	manager *chunkstream.Manager
	acc     *chunkstream.Accumulator

	mu    sync.Mutex
	pools map[string]*ConnectionPool
}

func NewStreamHub(manager *chunkstream.Manager) (*StreamHub, error) {
	if manager == nil {
		return nil, errors.New("stream hub manager is nil")
	}
	acc := manager.Accumulator()
	if acc == nil {
		return nil, errors.New("stream hub accumulator is nil")
	}
	h := &StreamHub{
		manager: manager,
		acc:     acc,
		pools:   map[string]*ConnectionPool{},
	}
	acc.AddObserver(h.onAppend)
	return h, nil
}

func (h *StreamHub) onAppend(jobID string, seq int, chunk string) {
	pool := h.pool(jobID)
	if pool == nil || pool.IsEmpty() {
		return
	}
	b, err := json.Marshal(Frame{
		Type:       FrameChunk,
		JobID:      jobID,
		Seq:        seq,
		Chunk:      chunk,
		ServerTime: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	pool.Broadcast(b)
}

func (h *StreamHub) pool(jobID string) *ConnectionPool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pools[jobID]
}

func (h *StreamHub) addConn(jobID string, conn wsConn) *ConnectionPool {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.pools[jobID]
	if p == nil {
		p = NewConnectionPool(jobID)
		h.pools[jobID] = p
	}
	p.Add(conn)
	return p
}

func (h *StreamHub) dropPoolIfEmpty(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p := h.pools[jobID]; p != nil && p.IsEmpty() {
		delete(h.pools, jobID)
	}
}

// Watchers reports how many sockets watch jobID.
func (h *StreamHub) Watchers(jobID string) int {
	return h.pool(jobID).Count()
}

// AttachWebSocket binds jobID, registers conn and sends the current snapshot.
// The binding reference is dropped when the socket's read loop ends.
func (h *StreamHub) AttachWebSocket(ctx context.Context, jobID string, conn *websocket.Conn) error {
	if h == nil || h.manager == nil {
		return errors.New("stream hub is not initialized")
	}
	if jobID == "" {
		return errors.New("missing job_id")
	}
	if conn == nil {
		return errors.New("websocket connection is nil")
	}
	release, err := h.manager.Acquire(ctx, jobID)
	if err != nil {
		return err
	}

	wsLog := log.With().
		Str("component", "server").
		Str("remote", conn.RemoteAddr().String()).
		Str("job_id", jobID).
		Logger()

	pool, err := h.register(ctx, jobID, conn)
	if err != nil {
		release()
		return err
	}

	go func() {
		defer release()
		defer h.dropPoolIfEmpty(jobID)
		defer pool.Remove(conn)
		defer wsLog.Info().Msg("ws disconnected")
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				wsLog.Debug().Err(err).Msg("ws read loop end")
				return
			}
			if msgType == websocket.TextMessage && isPing(data) {
				b, err := json.Marshal(Frame{Type: FramePong, JobID: jobID, ServerTime: time.Now().UnixMilli()})
				if err == nil {
					pool.SendToOne(conn, b)
				}
			}
		}
	}()
	return nil
}

// register adds conn to jobID's pool and queues the snapshot as its first
// frame. Both happen under the job's append lock, so every chunk frame queued
// after the snapshot carries a seq beyond it.
func (h *StreamHub) register(ctx context.Context, jobID string, conn wsConn) (*ConnectionPool, error) {
	var pool *ConnectionPool
	err := h.acc.WithChunks(ctx, jobID, func(chunks []string) error {
		snap, err := h.snapshotFrame(jobID, chunks)
		if err != nil {
			return errors.Wrap(err, "encode snapshot")
		}
		pool = h.addConn(jobID, conn)
		pool.SendToOne(conn, snap)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pool, nil
}

func (h *StreamHub) snapshotFrame(jobID string, chunks []string) ([]byte, error) {
	state, _ := h.manager.State(jobID)
	return json.Marshal(Frame{
		Type:       FrameSnapshot,
		JobID:      jobID,
		Seq:        len(chunks),
		Chunks:     chunks,
		State:      string(state),
		ServerTime: time.Now().UnixMilli(),
	})
}

// CloseAll disconnects every socket.
func (h *StreamHub) CloseAll() {
	if h == nil {
		return
	}
	h.mu.Lock()
	pools := make([]*ConnectionPool, 0, len(h.pools))
	for _, p := range h.pools {
		pools = append(pools, p)
	}
	h.mu.Unlock()
	for _, p := range pools {
		p.CloseAll()
	}
}

func isPing(data []byte) bool {
	text := strings.TrimSpace(strings.ToLower(string(data)))
	if text == "ping" {
		return true
	}
	var v map[string]any
	if err := json.Unmarshal(data, &v); err != nil || v == nil {
		return false
	}
	t, ok := v["type"].(string)
	return ok && strings.EqualFold(t, "ws.ping")
}
