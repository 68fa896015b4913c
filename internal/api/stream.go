package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"medroute/internal/logger"
	"medroute/internal/model"
	"medroute/internal/opt"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

// Stream message types.
const (
	msgProgress = "progress"
	msgResult   = "result"
	msgError    = "error"
)

type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type progressData struct {
	Iteration int   `json:"iteration"`
	Objective int64 `json:"objective"`
	Dropped   int   `json:"dropped"`
	ElapsedMs int64 `json:"elapsedMs"`
}

// OptimizeStreamHandler handles GET /v1/optimize/stream. The client sends
// one optimize request; the server answers with progress messages on every
// improvement and a final result, then closes. Closing the socket early
// cancels the run.
func (s *Server) OptimizeStreamHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePlanner(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()
	log := logger.From(r.Context())

	conn.SetReadLimit(s.readLimit())
	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	var req model.OptimizeRequest
	if err := conn.ReadJSON(&req); err != nil {
		_ = conn.WriteJSON(wsMessage{Type: msgError, Data: Problem{Type: "about:blank", Title: "Invalid JSON", Status: http.StatusBadRequest, Detail: err.Error()}})
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Any read after the request (including a close frame) ends the run.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	var mu sync.Mutex
	send := func(m wsMessage) {
		mu.Lock()
		defer mu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(m); err != nil {
			log.Debug().Err(err).Msg("optimize stream write failed")
		}
	}
	progress := func(pr opt.Progress) {
		send(wsMessage{Type: msgProgress, Data: progressData{
			Iteration: pr.Iteration,
			Objective: pr.Objective,
			Dropped:   pr.Dropped,
			ElapsedMs: pr.Elapsed.Milliseconds(),
		}})
	}

	resp, err := s.plan(ctx, p, req, progress)
	if err != nil {
		send(wsMessage{Type: msgError, Data: Problem{Type: "about:blank", Title: "Optimize failed", Status: statusFor(err), Detail: err.Error()}})
		return
	}
	send(wsMessage{Type: msgResult, Data: resp})
	mu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"), time.Now().Add(time.Second))
	mu.Unlock()
}

func (s *Server) readLimit() int64 {
	if s.cfg.Server.MaxBodyBytes > 0 {
		return s.cfg.Server.MaxBodyBytes
	}
	return 8 << 20
}
