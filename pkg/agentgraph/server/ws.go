package server

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/randalmurphal/agentgraph/pkg/agentgraph/event"
)

const writeWait = 10 * time.Second

// handleWebSocket streams engine events as JSON text frames. Query
// parameters run_id and types (comma separated) narrow the stream.
func (s *Server) handleWebSocket(c *gin.Context) {
	filter := event.Filter{RunID: c.Query("run_id")}
	if types := c.Query("types"); types != "" {
		for _, t := range strings.Split(types, ",") {
			filter.Types = append(filter.Types, event.Type(strings.TrimSpace(t)))
		}
	}

	// Subscribe before the handshake completes so a client that starts a
	// run right after connecting sees all of its events.
	events, sub := s.bus.SubscribeChan(filter, 0)
	if sub == nil {
		abort(c, http.StatusServiceUnavailable, event.ErrBusClosed)
		return
	}
	defer sub.Unsubscribe()

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()
	s.logger.Info("websocket client connected", slog.String("subscription", sub.ID()), slog.String("run_id", filter.RunID))

	// The read loop only exists to notice the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(evt); err != nil {
				s.logger.Warn("failed to write websocket event", slog.String("error", err.Error()))
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			s.logger.Info("websocket client disconnected", slog.String("subscription", sub.ID()))
			return
		case <-s.ctx.Done():
			return
		}
	}
}
