package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"finera/internal/backtest"
)

const writeWait = 5 * time.Second

// handleStreamBacktest upgrades to a WebSocket, reads one RunBacktestRequest
// and streams progress events followed by a result or error event.
func (s *Server) handleStreamBacktest(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		s.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxBodyBytes)

	send := func(ev StreamEvent) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(ev)
	}

	var req RunBacktestRequest
	if err := conn.ReadJSON(&req); err != nil {
		send(StreamEvent{Type: "error", Error: "No input data provided"})
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		send(StreamEvent{Type: "error", Error: "Too many backtest requests"})
		return
	}
	btReq, err := toRunRequest(req)
	if err != nil {
		send(StreamEvent{Type: "error", Error: err.Error()})
		return
	}

	// The request context is not cancelled when a hijacked connection drops,
	// so a failed read is the only disconnect signal.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Report whole-percent steps only.
	lastPct := -1
	btReq.Progress = func(done, total int) {
		pct := done * 100 / total
		if pct == lastPct {
			return
		}
		lastPct = pct
		if err := send(StreamEvent{Type: "progress", Done: done, Total: total}); err != nil {
			s.log.Debug("websocket progress write failed", "error", err)
		}
	}

	res, err := s.runner.RunBacktest(ctx, btReq)
	if err != nil {
		ev := StreamEvent{Type: "error", Error: err.Error(), Stage: string(backtest.StageOf(err))}
		if statusFor(err) == http.StatusInternalServerError {
			s.log.Error("streamed backtest", "error", err)
			ev.Error = "Failed running backtest"
		}
		send(ev)
		return
	}
	if err := send(StreamEvent{Type: "result", Results: res}); err != nil {
		s.log.Debug("websocket result write failed", "error", err)
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
