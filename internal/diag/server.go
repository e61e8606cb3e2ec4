// ============================================================================
// framejobs Diag - diagnostics endpoints
// ============================================================================
//
// Package: internal/diag
// File: server.go
// Purpose: Optional endpoints for looking at a running frame loop from outside.
//
// HTTP (chi):
//   GET /metrics     Prometheus exposition of the registry given to New
//   GET /debug/jobs  JSON summary of the last frame
//   GET /healthz     "ok" while serving, 503 otherwise
//
// gRPC:
//   grpc.health.v1.Health reports SERVING while the frame loop runs and
//   NOT_SERVING before it starts and after it stops.
//
// The frame loop is single threaded; the handlers only read state that is safe for
// concurrent use (Runner.LastStats, the Prometheus registry).
//
// ============================================================================

package diag

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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/frame-jobs/pkg/types"
)

// StatsSource provides the last frame summary
type StatsSource interface {
	LastStats() types.FrameStats
}

// FrameReport is the /debug/jobs document
type FrameReport struct {
	Session    string  `json:"session"`
	Serving    bool    `json:"serving"`
	Frame      uint64  `json:"frame"`
	Admitted   int     `json:"admitted"`
	Steps      int     `json:"steps"`
	Skipped    int     `json:"skipped"`
	Succeeded  int     `json:"succeeded"`
	Failed     int     `json:"failed"`
	Cancelled  int     `json:"cancelled"`
	Running    int     `json:"running"`
	Unclaimed  int     `json:"unclaimed"`
	JobTimeMs  float64 `json:"job_time_ms"`
	OverBudget bool    `json:"over_budget"`
}

// Server hosts the diagnostics endpoints
type Server struct {
	session  string
	stats    StatsSource
	gatherer prometheus.Gatherer
	log      *slog.Logger

	router chi.Router
	health *health.Server

	mu       sync.Mutex
	serving  bool
	httpSrv  *http.Server
	httpLis  net.Listener
	grpcSrv  *grpc.Server
	grpcLis  net.Listener
	serveErr chan error
}

// New creates the server. Nothing listens until Start.
//
// Parameters:
//   - session: id reported by /debug/jobs
//   - stats: source of the last frame summary
//   - gatherer: registry exposed on /metrics
//   - logger: base logger; nil uses slog.Default()
func New(session string, stats StatsSource, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		session:  session,
		stats:    stats,
		gatherer: gatherer,
		log:      logger.With("component", "diag"),
		router:   chi.NewRouter(),
		health:   health.NewServer(),
		serveErr: make(chan error, 2),
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/debug/jobs", s.handleJobs)
	r.Get("/healthz", s.handleHealthz)
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetServing flips the health status of both transports
func (s *Server) SetServing(serving bool) {
	s.mu.Lock()
	s.serving = serving
	s.mu.Unlock()

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}

// Serving reports the current health status
func (s *Server) Serving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serving
}

// Health exposes the gRPC health implementation
func (s *Server) Health() healthpb.HealthServer {
	return s.health
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	st := s.stats.LastStats()
	report := FrameReport{
		Session:    s.session,
		Serving:    s.Serving(),
		Frame:      st.Frame,
		Admitted:   st.Admitted,
		Steps:      st.Steps,
		Skipped:    st.Skipped,
		Succeeded:  st.Succeeded,
		Failed:     st.Failed,
		Cancelled:  st.Cancelled,
		Running:    st.Running,
		Unclaimed:  st.Unclaimed,
		JobTimeMs:  float64(st.JobTime) / float64(time.Millisecond),
		OverBudget: st.OverBudget,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		s.log.Warn("encode frame report", "error", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if !s.Serving() {
		http.Error(w, "not serving", http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ok\n"))
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start listens on the given addresses. An empty address disables that transport.
func (s *Server) Start(httpAddr, grpcAddr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if httpAddr != "" {
		lis, err := net.Listen("tcp", httpAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", httpAddr, err)
		}
		s.httpLis = lis
		s.httpSrv = &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := s.httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("diagnostics http server failed", "error", err)
				s.serveErr <- err
			}
		}()
		s.log.Info("diagnostics http listening", "addr", lis.Addr().String())
	}

	if grpcAddr != "" {
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			if s.httpSrv != nil {
				_ = s.httpSrv.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", grpcAddr, err)
		}
		s.grpcLis = lis
		s.grpcSrv = grpc.NewServer()
		healthpb.RegisterHealthServer(s.grpcSrv, s.health)
		go func() {
			if err := s.grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				s.log.Error("diagnostics grpc server failed", "error", err)
				s.serveErr <- err
			}
		}()
		s.log.Info("diagnostics grpc listening", "addr", lis.Addr().String())
	}
	return nil
}

// HTTPAddr returns the bound HTTP address, empty when not listening
func (s *Server) HTTPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLis == nil {
		return ""
	}
	return s.httpLis.Addr().String()
}

// GRPCAddr returns the bound gRPC address, empty when not listening
func (s *Server) GRPCAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grpcLis == nil {
		return ""
	}
	return s.grpcLis.Addr().String()
}

// Errors delivers failures of the serving goroutines
func (s *Server) Errors() <-chan error {
	return s.serveErr
}

// Shutdown marks the service NOT_SERVING and stops both transports
func (s *Server) Shutdown(ctx context.Context) error {
	s.SetServing(false)
	s.health.Shutdown()

	s.mu.Lock()
	httpSrv, grpcSrv := s.httpSrv, s.grpcSrv
	s.httpSrv, s.grpcSrv = nil, nil
	s.httpLis, s.grpcLis = nil, nil
	s.mu.Unlock()

	var err error
	if httpSrv != nil {
		err = httpSrv.Shutdown(ctx)
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	return err
}
