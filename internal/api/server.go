// Package api provides the bridge's HTTP status and control API.
//
// It exposes adapter health, the discovered module inventory, manual
// discovery triggers and the audit trail. Bus commands themselves travel
// over MQTT; this API is for operators and monitoring.
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nerrad567/lumencache-bridge/internal/audit"
	"github.com/nerrad567/lumencache-bridge/internal/bridges/lumencache"
	"github.com/nerrad567/lumencache-bridge/internal/infrastructure/config"
	"github.com/nerrad567/lumencache-bridge/internal/infrastructure/logging"
)

// gracefulShutdownTimeout bounds in-flight requests during Close.
const gracefulShutdownTimeout = 10 * time.Second

// BridgeView is the read side of a running adapter bridge.
type BridgeView interface {
	Health() lumencache.HealthMessage
	Devices() []lumencache.Device
}

// DiscoveryControl starts and inspects discovery rounds.
type DiscoveryControl interface {
	Start(ctx context.Context) error
	State() lumencache.DiscoveryState
	LastReport() (lumencache.DiscoveryReport, bool)
}

// HealthChecker is satisfied by the database and MQTT clients.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Adapter is one configured bus adapter as seen by the API.
type Adapter struct {
	ID        string
	Title     string
	Bridge    BridgeView
	Discovery DiscoveryControl
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	Logger   *logging.Logger
	Adapters []Adapter
	Audit    audit.Repository         // optional
	Checks   map[string]HealthChecker // optional, keyed by component name
	Version  string
}

// Server is the HTTP API server.
type Server struct {
	cfg      config.APIConfig
	logger   *logging.Logger
	adapters map[string]Adapter
	order    []string
	audit    audit.Repository
	checks   map[string]HealthChecker
	version  string
	started  time.Time

	// baseCtx bounds discovery rounds started over HTTP; request contexts
	// end with the response.
	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New creates an API server. It is not listening until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	s := &Server{
		cfg:      deps.Config,
		logger:   deps.Logger,
		adapters: make(map[string]Adapter, len(deps.Adapters)),
		audit:    deps.Audit,
		checks:   deps.Checks,
		version:  deps.Version,
		started:  time.Now(),
		baseCtx:  context.Background(),
	}
	for _, a := range deps.Adapters {
		if a.ID == "" || a.Bridge == nil {
			return nil, fmt.Errorf("adapter %q: id and bridge are required", a.ID)
		}
		if _, dup := s.adapters[a.ID]; dup {
			return nil, fmt.Errorf("duplicate adapter %q", a.ID)
		}
		s.adapters[a.ID] = a
		s.order = append(s.order, a.ID)
	}
	return s, nil
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	s.baseCtx, s.cancel = context.WithCancel(ctx)

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	s.logger.Info("API server listening", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close waits up to 10 seconds for in-flight requests, then closes.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	cancel := s.cancel
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	ctx, done := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer done()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck reports whether the server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
