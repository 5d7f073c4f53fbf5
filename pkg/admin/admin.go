// Package admin serves the bridge's status to operators.
//
// The HTTP surface provides:
// - /api/status: the backend readiness snapshot as JSON
// - /healthz: 200 when the backend is ready, 503 otherwise
// - /metrics: Prometheus metrics
//
// Responses are gzip-compressed when the client accepts it. An optional gRPC
// listener runs the standard grpc.health.v1 service, mirroring readiness.
// Both listeners are disabled when their address is empty.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/fortiblox/cln-floresta/pkg/backend"
	"github.com/fortiblox/cln-floresta/pkg/readiness"
	"github.com/fortiblox/cln-floresta/pkg/rpc"
)

// ServiceName is the gRPC health service name reported besides "".
const ServiceName = "cln-floresta"

// ErrAlreadyRunning is returned by Start on a running server.
var ErrAlreadyRunning = errors.New("admin server already running")

// Config holds admin server configuration.
type Config struct {
	// HTTPAddr is the HTTP listen address. Empty disables HTTP.
	HTTPAddr string

	// GRPCAddr is the gRPC health listen address. Empty disables gRPC.
	GRPCAddr string

	// Endpoints reports backend endpoint health for /api/status (optional).
	Endpoints func() []backend.Endpoint

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration

	// IdleTimeout is the maximum time to wait for the next request.
	IdleTimeout time.Duration
}

// DefaultConfig returns the default admin configuration.
func DefaultConfig() Config {
	return Config{
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// StatusSource provides the readiness snapshot.
type StatusSource interface {
	Status() readiness.Snapshot
	FailureThreshold() int
}

// Server is the admin server.
type Server struct {
	config  Config
	status  StatusSource
	metrics http.Handler
	logger  *slog.Logger

	health *health.Server

	mu       sync.Mutex
	running  bool
	httpSrv  *http.Server
	grpcSrv  *grpc.Server
	httpAddr net.Addr
	grpcAddr net.Addr
	wg       sync.WaitGroup
}

// New creates an admin server. metrics may be nil.
func New(config Config, status StatusSource, metrics http.Handler, logger *slog.Logger) *Server {
	def := DefaultConfig()
	if config.ReadTimeout == 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:  config,
		status:  status,
		metrics: metrics,
		logger:  logger,
		health:  health.NewServer(),
	}
	s.ObserveStatus(readiness.Snapshot{}, status.Status())
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleAPIStatus)
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return gzhttp.GzipHandler(mux)
}

// Start opens the configured listeners and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	if s.config.HTTPAddr != "" {
		ln, err := net.Listen("tcp", s.config.HTTPAddr)
		if err != nil {
			return fmt.Errorf("admin http listen: %w", err)
		}
		s.httpAddr = ln.Addr()
		s.httpSrv = &http.Server{
			Handler:      s.Handler(),
			ReadTimeout:  s.config.ReadTimeout,
			WriteTimeout: s.config.WriteTimeout,
			IdleTimeout:  s.config.IdleTimeout,
			BaseContext:  func(net.Listener) context.Context { return ctx },
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("admin http server failed", "error", err)
			}
		}()
	}

	if s.config.GRPCAddr != "" {
		ln, err := net.Listen("tcp", s.config.GRPCAddr)
		if err != nil {
			s.shutdownHTTP()
			return fmt.Errorf("admin grpc listen: %w", err)
		}
		s.grpcAddr = ln.Addr()
		s.grpcSrv = grpc.NewServer(grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			Time:              time.Minute,
			Timeout:           20 * time.Second,
		}))
		healthpb.RegisterHealthServer(s.grpcSrv, s.health)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.grpcSrv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				s.logger.Error("admin grpc server failed", "error", err)
			}
		}()
	}

	s.running = true
	return nil
}

// Stop shuts both listeners down and waits for them.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.health.Shutdown()
	err := s.shutdownHTTP()
	if s.grpcSrv != nil {
		s.grpcSrv.GracefulStop()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) shutdownHTTP() error {
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

// HTTPAddr returns the bound HTTP address, or nil when HTTP is disabled.
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpAddr
}

// GRPCAddr returns the bound gRPC address, or nil when gRPC is disabled.
func (s *Server) GRPCAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grpcAddr
}

// ObserveStatus mirrors readiness into the gRPC health service. It matches
// readiness.Tracker.OnChange.
func (s *Server) ObserveStatus(_, snap readiness.Snapshot) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if snap.State == readiness.StateReady {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// handleAPIStatus handles GET /api/status.
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var endpoints []backend.Endpoint
	if s.config.Endpoints != nil {
		endpoints = s.config.Endpoints()
	}
	writeJSON(w, http.StatusOK, rpc.NewStatusResult(s.status.Status(), s.status.FailureThreshold(), endpoints))
}

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.status.Status()
	code := http.StatusOK
	if snap.State != readiness.StateReady {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"state":    snap.State.String(),
		"progress": snap.Progress,
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}
