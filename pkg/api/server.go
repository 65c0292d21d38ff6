package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/rmax-ai/loadtest/pkg/engine"
	"github.com/rmax-ai/loadtest/pkg/reports"
	"github.com/rmax-ai/loadtest/pkg/store"
)

// Context keys
type contextKey string

const traceIDKey contextKey = "trace_id"

// Interfaces for dependencies to enable mocking

type StoreInterface interface {
	reports.ReportStore
}

type StatusProvider interface {
	Status() []engine.ScenarioStatus
}

// Server exposes the read-only status of a loadtest worker over HTTP.
type Server struct {
	store  StoreInterface
	status StatusProvider
	cache  engine.SummaryCache
	worker string
	log    logrus.FieldLogger
	server *http.Server

	// TLS Config
	tlsCertFile string
	tlsKeyFile  string
}

// NewServer creates a new API server instance. status and cache may be nil
// when the server only fronts a store, e.g. for the CLI.
func NewServer(st StoreInterface, status StatusProvider, cache engine.SummaryCache, addr string, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		store:  st,
		status: status,
		cache:  cache,
		log:    log.WithField("component", "api"),
	}

	mux := http.NewServeMux()

	// Register routes
	mux.HandleFunc("/v1/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/scenarios", s.handleScenarios)
	mux.HandleFunc("/v1/summaries", s.handleSummaries)
	mux.HandleFunc("/v1/evaluations", s.handleEvaluations)
	mux.HandleFunc("/v1/reports", s.handleReports)

	// Middleware: Logging, Panic Recovery, Security Headers
	handler := s.withLogging(s.withRecovery(withSecureHeaders(mux)))

	// Use default port if addr is empty
	if addr == "" {
		addr = ":8090"
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
	return s
}

// SetWorker sets the worker id reported by /v1/health.
func (s *Server) SetWorker(id string) {
	s.worker = id
}

// SetTLS configures the server to use TLS
func (s *Server) SetTLS(certFile, keyFile string) {
	s.tlsCertFile = certFile
	s.tlsKeyFile = keyFile
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start runs the HTTP server (blocking)
func (s *Server) Start() error {
	log := s.log.WithField("addr", s.server.Addr)
	var err error
	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		log.Info("server starting with tls")
		err = s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	} else {
		log.Info("server starting")
		err = s.server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("server stopping")
	return s.server.Shutdown(ctx)
}

// handleHealth returns simple status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	s.writeJSON(w, r, HealthResponse{Status: "ok", Worker: s.worker})
}

// handleScenarios lists the live schedule state of every scenario.
func (s *Server) handleScenarios(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "no_runner", "")
		return
	}
	list := s.status.Status()
	if list == nil {
		list = []engine.ScenarioStatus{}
	}
	s.writeJSON(w, r, ScenariosResponse{Scenarios: list})
}

// handleSummaries returns the scenario summaries. live=true serves the
// summary cache instead of the store.
func (s *Server) handleSummaries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	q := r.URL.Query()
	scenarioID := q.Get("scenario_id")

	var (
		list []store.ScenarioSummary
		err  error
	)
	if q.Get("live") == "true" && s.cache != nil {
		for _, sum := range s.cache.List() {
			if scenarioID == "" || sum.ScenarioID == scenarioID {
				list = append(list, sum)
			}
		}
	} else {
		list, err = s.store.ListSummaries(r.Context(), scenarioID)
		if err != nil {
			s.internalError(w, r, err, "failed to list summaries")
			return
		}
	}
	if list == nil {
		list = []store.ScenarioSummary{}
	}
	s.writeJSON(w, r, SummariesResponse{Summaries: list})
}

// handleEvaluations returns logged evaluation results.
func (s *Server) handleEvaluations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	q := r.URL.Query()
	filter := store.ResultFilter{
		ScenarioID: q.Get("scenario_id"),
		RunID:      q.Get("run_id"),
		Scope:      q.Get("scope"),
	}
	switch filter.Scope {
	case "", "per_iteration", "scenario":
	default:
		writeError(w, http.StatusBadRequest, "invalid_scope", filter.Scope)
		return
	}

	list, err := s.store.ListEvaluations(r.Context(), filter)
	if err != nil {
		s.internalError(w, r, err, "failed to list evaluations")
		return
	}
	if list == nil {
		list = []store.EvaluationResult{}
	}
	s.writeJSON(w, r, EvaluationsResponse{Evaluations: list})
}

// handleReports streams one table as CSV.
func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}

	q := r.URL.Query()
	reportType := reports.ReportType(q.Get("table"))
	if reportType == "" {
		writeError(w, http.StatusBadRequest, "missing_table", "")
		return
	}

	gen, err := reports.NewReportGenerator(reportType, s.store)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_report_type", err.Error())
		return
	}

	reader, err := gen.Generate(r.Context(), reports.ReportParams{ScenarioID: q.Get("scenario_id")})
	if err != nil {
		s.internalError(w, r, err, "failed to generate report")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.csv", reportType))
	if _, err := io.Copy(w, reader); err != nil {
		s.requestLog(r).WithError(err).Error("failed to stream report")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.requestLog(r).WithError(err).Error("failed to encode response")
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	s.requestLog(r).WithError(err).Error(msg)
	writeError(w, http.StatusInternalServerError, "internal_server_error", "")
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: code, Details: details})
}

func (s *Server) requestLog(r *http.Request) logrus.FieldLogger {
	return s.log.WithFields(logrus.Fields{"trace_id": getTraceID(r.Context()), "path": r.URL.Path})
}

// Middleware: Panic Recovery
func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.requestLog(r).WithField("panic", err).Error("panic recovered")
				writeError(w, http.StatusInternalServerError, "internal_server_error", "")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Middleware: Request Logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = generateTraceID()
		}
		r = r.WithContext(context.WithValue(r.Context(), traceIDKey, traceID))

		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		w.Header().Set("X-Trace-ID", traceID)

		next.ServeHTTP(ww, r)

		s.log.WithFields(logrus.Fields{
			"trace_id":    traceID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.status,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("http request")
	})
}

func generateTraceID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func getTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// statusWriter captures HTTP status code
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Middleware: Secure Headers
func withSecureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")

		next.ServeHTTP(w, r)
	})
}
