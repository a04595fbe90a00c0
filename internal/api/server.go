package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/codetime-proxy/codetime-proxy/internal/recorder"
	"github.com/codetime-proxy/codetime-proxy/internal/store"
	"github.com/codetime-proxy/codetime-proxy/internal/transaction"
)

// StatsProvider exposes recorder counters.
type StatsProvider interface {
	Stats() recorder.Stats
}

// TransactionReader is the read side of the relational store.
type TransactionReader interface {
	Count(ctx context.Context) (int64, error)
	GetByHash(ctx context.Context, rowHash string) (*transaction.Transaction, error)
	List(ctx context.Context, f store.ListFilter) ([]transaction.Transaction, error)
}

// Options configures the admin server.
type Options struct {
	ListenAddress string
	Port          int
	AdminToken    string
	Stats         StatsProvider
	// Transactions may be nil; listing endpoints then answer 503.
	Transactions TransactionReader
	SystemInfo   any
	Logger       *slog.Logger
}

// Server wraps the HTTP server and gin engine for the admin API.
type Server struct {
	opts       Options
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
}

// NewServer creates an admin server wired with all routes.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{opts: opts, logger: logger.With("component", "api")}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	// Public (no auth)
	r.GET("/healthz", handleHealthz)

	// Authenticated routes
	v1 := r.Group("/api/v1", authMiddleware(opts.AdminToken), gzip.Gzip(gzip.DefaultCompression))
	v1.GET("/system/info", s.handleSystemInfo)
	v1.GET("/stats", s.handleStats)
	v1.GET("/transactions", s.handleListTransactions)
	v1.GET("/transactions/count", s.handleCountTransactions)
	v1.GET("/transactions/:row_hash", s.handleGetTransaction)

	s.engine = r
	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(opts.ListenAddress, strconv.Itoa(opts.Port)),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.httpServer.Addr }

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on ln. It blocks until the server stops.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.engine
}
