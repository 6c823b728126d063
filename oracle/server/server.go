package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"golang.org/x/net/netutil"

	"github.com/GPTx-global/oracle-dispatcher/oracle/config"
	"github.com/GPTx-global/oracle-dispatcher/oracle/health"
	"github.com/GPTx-global/oracle-dispatcher/oracle/log"
	"github.com/GPTx-global/oracle-dispatcher/oracle/metrics"
	"github.com/GPTx-global/oracle-dispatcher/oracle/types"
)

// Dispatcher is the operational surface the http api exposes.
type Dispatcher interface {
	Trigger(ctx context.Context, addr string) types.JobResult
	Scan(ctx context.Context) (map[string]int, error)
	Info(ctx context.Context, addr string) (*types.OracleInfo, error)
	Status() Status
	Health() (bool, map[string]health.HealthStatus)
}

type ClassStatus struct {
	Interval string `json:"interval"`
	Oracles  int    `json:"oracles"`
	Ticks    uint64 `json:"ticks"`
	Skipped  uint64 `json:"skippedTicks"`
}

type JobStatus struct {
	ID            string    `json:"id"`
	OracleAddress string    `json:"oracleAddress"`
	State         string    `json:"state"`
	Attempt       int       `json:"attempt"`
	Trigger       string    `json:"trigger"`
	EnqueuedAt    time.Time `json:"enqueuedAt"`
}

type Status struct {
	ActiveTimers int                    `json:"activeTimers"`
	ActiveJobs   []JobStatus            `json:"activeJobs"`
	Classes      map[string]ClassStatus `json:"classes"`
	LastRefresh  time.Time              `json:"lastRegistryRefresh"`
	RegistryErr  string                 `json:"registryError,omitempty"`
}

func NewJobStatus(job types.UpdateJob) JobStatus {
	return JobStatus{
		ID:            job.ID,
		OracleAddress: job.OracleAddress,
		State:         job.State.String(),
		Attempt:       job.Attempt,
		Trigger:       job.Trigger.String(),
		EnqueuedAt:    job.EnqueuedAt,
	}
}

type Server struct {
	cfg        config.ServerConfig
	dispatcher Dispatcher
	router     *mux.Router
	srv        *http.Server
	listener   net.Listener
}

func New(cfg config.ServerConfig, d Dispatcher) *Server {
	s := &Server{cfg: cfg, dispatcher: d, router: mux.NewRouter()}
	s.routes()

	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(logRequests)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/oracle/{oracle}", s.handleTrigger).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/oracle/{oracle}/info", s.handleInfo).Methods(http.MethodGet)
	api.HandleFunc("/scan", s.handleScan).Methods(http.MethodPost)
	api.HandleFunc("/cron-demo", s.handleScan).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.Handler().ServeHTTP(w, r)
	}).Methods(http.MethodGet)
}

// Handler is the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(s.router)
}

// Listen binds the configured address, capping concurrent connections.
func (s *Server) Listen() error {
	l, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.cfg.Listen)
	}
	if s.cfg.MaxConnections > 0 {
		l = netutil.LimitListener(l, s.cfg.MaxConnections)
	}
	s.listener = l
	return nil
}

// Addr is the bound address, valid after Listen.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Listen
	}
	return s.listener.Addr().String()
}

// Serve blocks until Shutdown. It listens first if Listen was not called.
func (s *Server) Serve() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	log.Infof("http api listening on %s", s.Addr())
	if err := s.srv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debugf("%s %s %d %v", r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}
