// Package server exposes the dispatcher and task manager over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/iambrandonn/orca/internal/dispatch"
	"github.com/iambrandonn/orca/internal/protocol"
	"github.com/iambrandonn/orca/internal/task"
)

const (
	DefaultAddr       = "127.0.0.1:8080"
	defaultWriteWait  = 10 * time.Second
	defaultPingPeriod = 30 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Dispatcher handles inbound channel messages
type Dispatcher interface {
	Handle(ctx context.Context, in dispatch.Inbound) (dispatch.Reply, error)
}

// Tasks is the task manager surface the server exposes
type Tasks interface {
	Get(ctx context.Context, taskID string) (task.Task, error)
	Subscribe(ctx context.Context, taskID string) (<-chan protocol.Event, error)
	Cancel(ctx context.Context, taskID string) error
	ProvideInput(ctx context.Context, taskID, text string) error
}

// Sessions reads conversation history
type Sessions interface {
	History(ctx context.Context, channelID string, maxTurns int) ([]protocol.Turn, error)
}

// Pinger reports whether the container runtime is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components behind the routes. Metrics may be nil.
type Deps struct {
	Dispatcher Dispatcher
	Tasks      Tasks
	Sessions   Sessions
	Runtime    Pinger
	Metrics    http.Handler
}

// Options configures a Server
type Options struct {
	Addr string
	// WriteWait bounds a single websocket write.
	WriteWait time.Duration
	// PingPeriod is how often idle websocket streams are pinged.
	PingPeriod time.Duration
}

// Server is the HTTP surface
type Server struct {
	deps     Deps
	opts     Options
	logger   *slog.Logger
	engine   *gin.Engine
	upgrader websocket.Upgrader

	// streams tracks open websocket streams so shutdown can wait for them.
	streams sync.WaitGroup
}

// New creates a Server and registers its routes.
func New(deps Deps, opts Options, logger *slog.Logger) *Server {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = defaultPingPeriod
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(logger))

	s := &Server{
		deps:   deps,
		opts:   opts,
		logger: logger,
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// clients are channel adapters, not browsers
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	v1 := s.engine.Group("/v1")
	v1.POST("/messages", s.handleMessage)

	tasks := v1.Group("/tasks")
	{
		tasks.GET("/:id", s.handleGetTask)
		tasks.POST("/:id/cancel", s.handleCancel)
		tasks.POST("/:id/input", s.handleInput)
		tasks.GET("/:id/stream", s.handleStream)
	}

	v1.GET("/sessions/:channel", s.handleHistory)
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.opts.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	s.logger.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.streams.Wait()
	return <-errCh
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration", time.Since(start).Round(time.Microsecond),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "error", c.Errors.String())
		}
		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("request failed", attrs...)
		default:
			logger.Debug("request served", attrs...)
		}
	}
}
