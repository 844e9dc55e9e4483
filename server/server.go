// Package server exposes the HTTP control surface: enqueueing sequence
// processing and ad-hoc sends, sequence administration, job and queue
// inspection, and a websocket stream of job lifecycle events.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/dispatch"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/jobs"
	"github.com/teranos/cadence/pulse/async"
	"github.com/teranos/cadence/ratelimit"
	"github.com/teranos/cadence/sequence"
)

// SequenceAdmin pauses, resumes and resets sequences and opts contacts out. *dispatch.Dispatcher satisfies it.
type SequenceAdmin interface {
	Pause(ctx context.Context, sequenceID string) error
	Resume(ctx context.Context, sequenceID string) error
	ResetSequence(ctx context.Context, sequenceID string) (dispatch.ResetResult, error)
	OptOut(ctx context.Context, sequenceID, contactID string) (bool, error)
}

// SequenceReader reads sequences and their counters. *sequence.Store satisfies it.
type SequenceReader interface {
	GetSequence(ctx context.Context, id string) (*sequence.Sequence, error)
	GetStats(ctx context.Context, sequenceID string) (*sequence.Stats, error)
}

// UsageReader reports a user's rate-limit counters. *ratelimit.Limiter satisfies it.
type UsageReader interface {
	Usage(ctx context.Context, s ratelimit.Scope) (ratelimit.Usage, error)
}

// PoolReporter reports worker pool activity. *async.Orchestrator satisfies it.
type PoolReporter interface {
	Pools() []async.PoolStatus
	GetSystemMetrics(ctx context.Context) async.SystemMetrics
}

// Deps are the services the handlers call into.
type Deps struct {
	Enqueuer  *jobs.Enqueuer
	Sequences SequenceReader
	Admin     SequenceAdmin
	Usage     UsageReader
	Pools     PoolReporter // optional
}

// Server is the gin-backed control surface.
type Server struct {
	deps   Deps
	cfg    am.ServerConfig
	engine *gin.Engine
	logger *zap.SugaredLogger

	mu      sync.Mutex
	streams map[*streamClient]struct{}
}

// New builds the router. Routes are registered immediately; Run starts listening.
func New(deps Deps, cfg am.ServerConfig, log *zap.SugaredLogger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		deps:    deps,
		cfg:     cfg,
		engine:  gin.New(),
		logger:  log.Named("server"),
		streams: make(map[*streamClient]struct{}),
	}
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) queue() *async.Queue {
	return s.deps.Enqueuer.Queue()
}

// Run serves on cfg.Addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("Control surface listening", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- errors.Wrapf(err, "failed to listen on %s", s.cfg.Addr)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.closeStreams()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "failed to shut down control surface")
	}
	s.logger.Infow("Control surface stopped")
	return nil
}
