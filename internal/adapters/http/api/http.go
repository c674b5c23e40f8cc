// Package api serves the search status over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/okian/proxynas/internal/adapters/repository"
	"github.com/okian/proxynas/internal/domain/arch"
	"github.com/okian/proxynas/pkg/logger"
)

const defaultMaxLimit = 100

// Store is the read side of the result repository.
type Store interface {
	TopN(ctx context.Context, n int) ([]repository.Entry, error)
	Rank(ctx context.Context, id arch.ID) (repository.Entry, error)
	Count(ctx context.Context) (int, error)
}

// Server wires HTTP routes for the status API.
type Server struct {
	store    Store
	stats    StatsProvider
	maxLimit int
	logger   logger.Logger
}

// Option applies a configuration option to the Server.
type Option func(*Server)

// WithMaxLimit caps the leaderboard limit parameter.
func WithMaxLimit(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxLimit = n
		}
	}
}

// WithLogger sets a custom logger for the server.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a new API server.
func NewServer(store Store, stats StatsProvider, opts ...Option) *Server {
	s := &Server{
		store:    store,
		stats:    stats,
		maxLimit: defaultMaxLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("api")
	}
	return s
}

// Router builds the gin engine with every route attached.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), MetricsMiddleware())

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", handleMetrics())
	r.GET("/stats", s.handleStats)
	r.GET("/leaderboard", s.handleLeaderboard)
	r.GET("/rank/:arch_id", s.handleRank)
	return r
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(c *gin.Context, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	c.AbortWithStatusJSON(status, errorResponse{Code: code, Message: msg})
}

func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}
