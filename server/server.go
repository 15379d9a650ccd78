package server

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

//go:embed static/index.html
var indexPage []byte

// Generator produces the chat reply for a prompt
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Server serves the chat page and the generation endpoint
type Server struct {
	gen             Generator
	addr            string
	parallel        int64
	sem             *semaphore.Weighted
	info            any
	shutdownTimeout time.Duration
	engine          *gin.Engine
}

// Option is a functional option for Server
type Option func(*Server)

// WithAddr sets the listen address, default 0.0.0.0:5000
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithParallel bounds the number of concurrent generations
func WithParallel(n int) Option {
	return func(s *Server) {
		s.parallel = int64(n)
	}
}

// WithModelInfo sets the model description reported by /health
func WithModelInfo(info any) Option {
	return func(s *Server) {
		s.info = info
	}
}

// WithShutdownTimeout bounds how long Run waits for in-flight requests
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

// New creates a Server around gen
func New(gen Generator, opts ...Option) (*Server, error) {
	if gen == nil {
		return nil, fmt.Errorf("generator is required")
	}
	s := &Server{
		gen:             gen,
		addr:            "0.0.0.0:5000",
		parallel:        1,
		shutdownTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.parallel < 1 {
		return nil, fmt.Errorf("parallel must be >= 1, got %d", s.parallel)
	}
	s.sem = semaphore.NewWeighted(s.parallel)
	s.engine = s.routes()
	return s, nil
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(
		gin.Recovery(),
		RequestID(),
		AccessLog(),
		gzip.Gzip(gzip.DefaultCompression),
	)
	r.GET("/", s.index)
	r.POST("/generate", s.generate)
	r.GET("/health", s.health)
	return r
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run listens on the configured address until ctx is cancelled, then shuts
// down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logutil.GetLogger(ctx).Info("http server listening", zap.String("addr", s.addr), zap.Int64("parallel", s.parallel))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logutil.GetLogger(ctx).Info("server stopping...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
