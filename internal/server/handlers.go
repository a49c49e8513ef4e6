package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/iambrandonn/orca/internal/dispatch"
	"github.com/iambrandonn/orca/internal/llm"
	"github.com/iambrandonn/orca/internal/protocol"
	"github.com/iambrandonn/orca/internal/session"
	"github.com/iambrandonn/orca/internal/task"
)

// MessageRequest is the body of POST /v1/messages
type MessageRequest struct {
	ChannelID string `json:"channel_id" binding:"required"`
	Text      string `json:"text" binding:"required"`
}

// MessageResponse reports how a message was handled
type MessageResponse struct {
	Kind   string `json:"kind"`
	Answer string `json:"answer,omitempty"`
	TaskID string `json:"task_id,omitempty"`
}

// InputRequest is the body of POST /v1/tasks/:id/input
type InputRequest struct {
	Text string `json:"text" binding:"required"`
}

// HistoryResponse is a channel's recent turns
type HistoryResponse struct {
	ChannelID string          `json:"channel_id"`
	Turns     []protocol.Turn `json:"turns"`
}

// HealthResponse reports process and runtime health
type HealthResponse struct {
	Status    string `json:"status"`
	Runtime   string `json:"runtime"`
	ErrorKind string `json:"error_kind,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "text is required"})
		return
	}

	reply, err := s.deps.Dispatcher.Handle(c.Request.Context(), dispatch.Inbound{
		ChannelID: req.ChannelID,
		Text:      req.Text,
	})
	if err != nil {
		s.fail(c, err)
		return
	}

	switch r := reply.(type) {
	case dispatch.QuickReply:
		c.JSON(http.StatusOK, MessageResponse{Kind: r.Kind(), Answer: r.Answer})
	case dispatch.TaskReply:
		// the caller follows the task over /stream; drop this subscription
		go drain(r.Events)
		c.JSON(http.StatusAccepted, MessageResponse{Kind: r.Kind(), TaskID: r.TaskID})
	}
}

func (s *Server) handleGetTask(c *gin.Context) {
	t, err := s.deps.Tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleCancel(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if err := s.deps.Tasks.Cancel(ctx, id); err != nil {
		s.fail(c, err)
		return
	}
	t, err := s.deps.Tasks.Get(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleInput(c *gin.Context) {
	var req InputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request: " + err.Error()})
		return
	}
	if err := s.deps.Tasks.ProvideInput(c.Request.Context(), c.Param("id"), req.Text); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleHistory(c *gin.Context) {
	maxTurns := 0
	if v := c.Query("max_turns"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "max_turns must be a non-negative integer"})
			return
		}
		maxTurns = n
	}

	channelID := c.Param("channel")
	turns, err := s.deps.Sessions.History(c.Request.Context(), channelID, maxTurns)
	if err != nil {
		s.fail(c, err)
		return
	}
	if turns == nil {
		turns = []protocol.Turn{}
	}
	c.JSON(http.StatusOK, HistoryResponse{ChannelID: channelID, Turns: turns})
}

// handleHealth always answers 200: quick queries keep working while the
// container runtime is down.
func (s *Server) handleHealth(c *gin.Context) {
	resp := HealthResponse{Status: "ok", Runtime: "ok"}
	if s.deps.Runtime != nil {
		if err := s.deps.Runtime.Ping(c.Request.Context()); err != nil {
			resp.Status = "degraded"
			resp.Runtime = err.Error()
			if errors.Is(err, protocol.ErrRuntimeUnavailable) {
				resp.ErrorKind = string(protocol.KindRuntimeUnavailable)
			}
		}
	}
	c.JSON(http.StatusOK, resp)
}

// fail maps domain errors onto status codes.
func (s *Server) fail(c *gin.Context, err error) {
	_ = c.Error(err)

	var transition *task.TransitionError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, task.ErrNotFound), errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &transition), errors.Is(err, task.ErrNotAwaitingInput), errors.Is(err, task.ErrExists):
		status = http.StatusConflict
	case errors.Is(err, llm.ErrNoCredential):
		status = http.StatusServiceUnavailable
	case errors.Is(err, dispatch.ErrInvalidMessage):
		status = http.StatusBadRequest
	}
	c.JSON(status, errorResponse{Error: err.Error()})
}

func drain(events <-chan protocol.Event) {
	for range events {
	}
}
