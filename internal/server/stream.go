package server

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// handleStream relays a task's events over a websocket, one JSON text frame
// per event. The server closes the socket after done, or when a canceled
// task's stream ends without one.
func (s *Server) handleStream(c *gin.Context) {
	taskID := c.Param("id")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Subscribe before upgrading so unknown tasks get a plain 404.
	events, err := s.deps.Tasks.Subscribe(ctx, taskID)
	if err != nil {
		s.fail(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		s.logger.Warn("websocket upgrade failed", "task_id", taskID, "error", err)
		return
	}
	defer conn.Close()

	s.streams.Add(1)
	defer s.streams.Done()

	logger := s.logger.With("task_id", taskID, "conn_id", uuid.NewString())
	logger.Debug("event stream opened")

	// The read side only watches for the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.opts.PingPeriod)
	defer ping.Stop()

	sent := 0
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				s.closeStream(conn, websocket.CloseNormalClosure, "stream ended")
				logger.Debug("event stream closed", "events", sent)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := conn.WriteJSON(evt); err != nil {
				logger.Warn("event stream write failed", "seq", evt.Seq, "error", err)
				return
			}
			sent++

		case <-ping.C:
			deadline := time.Now().Add(s.opts.WriteWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logger.Debug("event stream ping failed", "error", err)
				return
			}

		case <-ctx.Done():
			if c.Request.Context().Err() != nil {
				s.closeStream(conn, websocket.CloseGoingAway, "server shutting down")
			}
			logger.Debug("event stream abandoned", "events", sent)
			return
		}
	}
}

func (s *Server) closeStream(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.opts.WriteWait))
}
