// Package server exposes bounce tracking protection over a local HTTP API.
// The embedding browser posts navigation, activation and storage access
// events; operators inspect the ledgers and trigger purges and clears.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/runnerr0/bounceguard/internal/config"
	"github.com/runnerr0/bounceguard/internal/ledger"
	"github.com/runnerr0/bounceguard/internal/metrics"
	"github.com/runnerr0/bounceguard/internal/protection"
	"github.com/runnerr0/bounceguard/internal/purge"
	"github.com/runnerr0/bounceguard/internal/storage"
)

const shutdownTimeout = 5 * time.Second

// Protection is the part of protection.Service the API drives.
type Protection interface {
	Mode() config.Mode
	OnNavigationEvent(ev protection.NavigationEvent) error
	OnUserActivation(ev protection.PageEvent)
	OnStorageAccess(ev protection.PageEvent)
	CloseTab(tabID string)
	Candidates(f ledger.Filter) []ledger.Entry
	Activations(f ledger.Filter) []ledger.Entry
	RecentlyPurged(f ledger.Filter) []storage.PurgeRecord
	RunPurge(ctx context.Context) (*purge.Report, error)
	ClearAll(ctx context.Context) error
	ClearBySiteHost(ctx context.Context, host string, f ledger.Filter) error
	ClearByTimeRange(ctx context.Context, from, to time.Time) error
	ClearByFilter(ctx context.Context, f ledger.Filter) error
	Exceptions() []string
	AddException(ctx context.Context, host, reason string) error
	RemoveException(ctx context.Context, host string) error
}

// Server is the HTTP front end of a Protection.
type Server struct {
	svc     Protection
	cfg     config.ServerConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	router  *gin.Engine
}

// New builds the router. m may be nil, in which case /metrics serves an
// empty registry of its own.
func New(svc Protection, cfg config.ServerConfig, m *metrics.Metrics, logger *slog.Logger) *Server {
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, cfg: cfg, metrics: m, logger: logger}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger), metricsMiddleware(s.metrics))

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))

	v1 := r.Group("/v1", bearerAuth(s.cfg.AuthToken), bodyLimit(int64(s.cfg.MaxRequestSize)))
	{
		v1.POST("/events/navigation", s.handleNavigation)
		v1.POST("/events/activation", s.handleActivation)
		v1.POST("/events/storage-access", s.handleStorageAccess)
		v1.DELETE("/tabs/:id", s.handleCloseTab)

		v1.GET("/candidates", s.handleCandidates)
		v1.GET("/activations", s.handleActivations)
		v1.GET("/purged", s.handlePurged)
		v1.POST("/purge", s.handlePurge)
		v1.DELETE("/state", s.handleClear)

		v1.GET("/exceptions", s.handleListExceptions)
		v1.PUT("/exceptions/:host", s.handleAddException)
		v1.DELETE("/exceptions/:host", s.handleRemoveException)
	}
	return r
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// Run listens on the configured address and serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http api listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http: %w", err)
	}
	s.logger.Info("http api stopped")
	return nil
}
