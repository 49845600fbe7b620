package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

const (
	defaultSendBuffer   = 64
	defaultWriteTimeout = 10 * time.Second
)

// ConnectionPool fans frames out to the websocket connections watching one job.
// Each connection has its own buffered writer; a connection whose buffer is
// full is dropped instead of stalling the others.
type ConnectionPool struct {
	jobID        string
	mu           sync.Mutex
	conns        map[wsConn]*connWriter
	sendBuffer   int
	writeTimeout time.Duration
}

type connWriter struct {
	conn wsConn
	ch   chan []byte
	once sync.Once
}

func NewConnectionPool(jobID string) *ConnectionPool {
	return &ConnectionPool{
		jobID:        jobID,
		conns:        map[wsConn]*connWriter{},
		sendBuffer:   defaultSendBuffer,
		writeTimeout: defaultWriteTimeout,
	}
}

func (cp *ConnectionPool) Add(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if _, ok := cp.conns[conn]; ok {
		return
	}
	size := cp.sendBuffer
	if size <= 0 {
		size = 1
	}
	w := &connWriter{conn: conn, ch: make(chan []byte, size)}
	cp.conns[conn] = w
	go cp.writeLoop(w)
}

func (cp *ConnectionPool) Remove(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	w := cp.conns[conn]
	delete(cp.conns, conn)
	cp.mu.Unlock()
	if w != nil {
		w.stop()
	}
	_ = conn.Close()
}

func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for conn, w := range cp.conns {
		if !cp.enqueueLocked(w, data) {
			log.Warn().Str("component", "server").Str("job_id", cp.jobID).Msg("ws send buffer full, dropping connection")
			delete(cp.conns, conn)
			w.stop()
			_ = conn.Close()
		}
	}
}

// SendToOne queues data for conn only; unknown connections are ignored.
func (cp *ConnectionPool) SendToOne(conn wsConn, data []byte) {
	if cp == nil || conn == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	w, ok := cp.conns[conn]
	if !ok {
		return
	}
	if !cp.enqueueLocked(w, data) {
		delete(cp.conns, conn)
		w.stop()
		_ = conn.Close()
	}
}

func (cp *ConnectionPool) enqueueLocked(w *connWriter, data []byte) bool {
	cp2 := make([]byte, len(data))
	copy(cp2, data)
	select {
	case w.ch <- cp2:
		return true
	default:
		return false
	}
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *ConnectionPool) IsEmpty() bool {
	return cp.Count() == 0
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	for conn, w := range cp.conns {
		delete(cp.conns, conn)
		w.stop()
		_ = conn.Close()
	}
	cp.mu.Unlock()
}

func (cp *ConnectionPool) writeLoop(w *connWriter) {
	for data := range w.ch {
		if cp.writeTimeout > 0 {
			_ = w.conn.SetWriteDeadline(time.Now().Add(cp.writeTimeout))
		}
		if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn().Err(err).Str("component", "server").Str("job_id", cp.jobID).Msg("ws write failed, dropping connection")
			cp.Remove(w.conn)
			return
		}
	}
}

func (w *connWriter) stop() {
	w.once.Do(func() { close(w.ch) })
}
