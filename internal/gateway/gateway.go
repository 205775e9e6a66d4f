// Package gateway exposes the operator HTTP API: job inspection, flow
// submission, health, metrics, and live event streaming. Auth, CORS,
// rate limiting, and body-size limits are middleware the caller wraps
// around Handler().
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strings"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-loom/internal/ack"
	"github.com/basket/go-loom/internal/agent"
	"github.com/basket/go-loom/internal/bus"
	"github.com/basket/go-loom/internal/convroute"
	"github.com/basket/go-loom/internal/flow"
	"github.com/basket/go-loom/internal/journal"
	"github.com/basket/go-loom/internal/otel"
)

// FlowSpawner starts a new flow end to end: job creation, gate
// admission, and the turn loop. The engine implements it; tests stub it.
type FlowSpawner interface {
	SpawnFlow(ctx context.Context, params flow.CreateJobParams) (*flow.JobRecord, error)
}

// Config holds the gateway's collaborators.
type Config struct {
	Manager   *flow.Manager
	Gate      *flow.Gate
	Tracker   *ack.Tracker
	Journal   *journal.Journal // may be nil when journaling is disabled
	Registry  *agent.Registry
	Index     *convroute.Index
	Bus       *bus.Bus
	Spawner   FlowSpawner
	Sessions  *SessionHub // may be nil when no execution layer is wired
	Validator *SubmissionValidator
	Logger    *slog.Logger
	Tracer    trace.Tracer // nil drops spans

	// AllowOrigins controls accepted Origin headers for browser
	// websocket connections. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed in healthz.
	ConfigFingerprint string
}

type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Server{cfg: cfg, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/prometheus", s.handlePrometheusMetrics)
	mux.HandleFunc("/api/v1/jobs", s.handleJobs)
	mux.HandleFunc("/api/v1/jobs/", s.handleJobByID)
	mux.HandleFunc("/api/v1/flows", s.handleSubmitFlow)
	mux.HandleFunc("/api/v1/conversations", s.handleConversations)
	mux.HandleFunc("/api/v1/agents", s.handleAgents)
	mux.HandleFunc("/api/v1/events", s.handleEventsWS)
	mux.HandleFunc("/api/v1/events/stream", s.handleEventsSSE)
	mux.HandleFunc("/api/v1/sessions/attach", s.handleSessionAttach)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	storeOK := true
	jobs, err := s.cfg.Manager.Store().List()
	if err != nil {
		storeOK = false
	}

	payload := map[string]any{
		"healthy":           storeOK,
		"store_ok":          storeOK,
		"jobs":              len(jobs),
		"gate_limit":        s.cfg.Gate.Limit(),
		"gate_in_use":       s.cfg.Gate.InUse(),
		"gate_waiting":      s.cfg.Gate.Waiting(),
		"agent_count":       s.cfg.Registry.Len(),
		"configFingerprint": s.cfg.ConfigFingerprint,
	}
	if s.cfg.Sessions != nil {
		payload["sessions_attached"] = s.cfg.Sessions.Attached()
	}
	status := http.StatusOK
	if !storeOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) jobCounts() (map[flow.JobStatus]int, int, error) {
	jobs, err := s.cfg.Manager.Store().List()
	if err != nil {
		return nil, 0, err
	}
	counts := make(map[flow.JobStatus]int)
	for _, job := range jobs {
		counts[job.Status]++
	}
	return counts, len(jobs), nil
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	counts, total, err := s.jobCounts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "job store unreadable")
		return
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	var journalEvents int64
	if s.cfg.Journal != nil {
		if n, err := s.cfg.Journal.Count(r.Context()); err == nil {
			journalEvents = n
		}
	}

	payload := map[string]any{
		"jobs_total":     total,
		"jobs_pending":   counts[flow.JobStatusPending],
		"jobs_running":   counts[flow.JobStatusRunning],
		"jobs_completed": counts[flow.JobStatusCompleted],
		"jobs_failed":    counts[flow.JobStatusFailed],
		"jobs_abandoned": counts[flow.JobStatusAbandoned],
		"gate_limit":     s.cfg.Gate.Limit(),
		"gate_in_use":    s.cfg.Gate.InUse(),
		"gate_waiting":   s.cfg.Gate.Waiting(),
		"acks_pending":   len(s.cfg.Tracker.Pending()),
		"journal_events": journalEvents,
		"agent_count":    s.cfg.Registry.Len(),
		"alloc_bytes":    mem.Alloc,
	}
	if s.cfg.Sessions != nil {
		payload["sessions_attached"] = s.cfg.Sessions.Attached()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	counts, _, err := s.jobCounts()
	if err != nil {
		http.Error(w, "job store unreadable", http.StatusInternalServerError)
		return
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP goloom_jobs Jobs by status.\n")
	fmt.Fprintf(w, "# TYPE goloom_jobs gauge\n")
	for _, status := range []flow.JobStatus{
		flow.JobStatusPending, flow.JobStatusRunning, flow.JobStatusCompleted,
		flow.JobStatusFailed, flow.JobStatusAbandoned,
	} {
		fmt.Fprintf(w, "goloom_jobs{status=%q} %d\n", string(status), counts[status])
	}
	fmt.Fprintf(w, "# HELP goloom_gate_in_use Concurrency slots currently held.\n")
	fmt.Fprintf(w, "# TYPE goloom_gate_in_use gauge\n")
	fmt.Fprintf(w, "goloom_gate_in_use %d\n", s.cfg.Gate.InUse())
	fmt.Fprintf(w, "# HELP goloom_gate_waiting Flows queued for a slot.\n")
	fmt.Fprintf(w, "# TYPE goloom_gate_waiting gauge\n")
	fmt.Fprintf(w, "goloom_gate_waiting %d\n", s.cfg.Gate.Waiting())
	fmt.Fprintf(w, "# HELP goloom_acks_pending Outbound messages awaiting acknowledgment.\n")
	fmt.Fprintf(w, "# TYPE goloom_acks_pending gauge\n")
	fmt.Fprintf(w, "goloom_acks_pending %d\n", len(s.cfg.Tracker.Pending()))
	fmt.Fprintf(w, "# HELP goloom_agent_count Registered agent identities.\n")
	fmt.Fprintf(w, "# TYPE goloom_agent_count gauge\n")
	fmt.Fprintf(w, "goloom_agent_count %d\n", s.cfg.Registry.Len())
	if s.cfg.Journal != nil {
		if n, err := s.cfg.Journal.Count(r.Context()); err == nil {
			fmt.Fprintf(w, "# HELP goloom_journal_events Total journaled events.\n")
			fmt.Fprintf(w, "# TYPE goloom_journal_events counter\n")
			fmt.Fprintf(w, "goloom_journal_events %d\n", n)
		}
	}
	fmt.Fprintf(w, "# HELP goloom_alloc_bytes Current allocated memory in bytes.\n")
	fmt.Fprintf(w, "# TYPE goloom_alloc_bytes gauge\n")
	fmt.Fprintf(w, "goloom_alloc_bytes %d\n", mem.Alloc)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jobs, err := s.cfg.Manager.Store().List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "job store unreadable")
		return
	}
	if statusFilter := r.URL.Query().Get("status"); statusFilter != "" {
		want := flow.JobStatus(strings.ToUpper(statusFilter))
		filtered := jobs[:0]
		for _, job := range jobs {
			if job.Status == want {
				filtered = append(filtered, job)
			}
		}
		jobs = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jobID := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	if jobID == "" || strings.Contains(jobID, "/") {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	record, err := s.cfg.Manager.ReadJob(jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "job store unreadable")
		return
	}
	if record == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleSubmitFlow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.cfg.Spawner == nil {
		writeError(w, http.StatusServiceUnavailable, "engine not running")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if err := s.cfg.Validator.Validate(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var submission FlowSubmission
	if err := json.Unmarshal(body, &submission); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	ctx, span := otel.StartSpan(r.Context(), s.cfg.Tracer, "gateway.submit", trace.SpanKindServer,
		otel.AttrSessionKey.String(submission.TargetSessionKey))
	defer span.End()

	record, err := s.cfg.Spawner.SpawnFlow(ctx, flow.CreateJobParams{
		TargetSessionKey:  submission.TargetSessionKey,
		DisplayKey:        submission.DisplayKey,
		Message:           submission.Message,
		ConversationID:    submission.ConversationID,
		MaxPingPongTurns:  submission.MaxPingPongTurns,
		AnnounceTimeoutMs: submission.AnnounceTimeoutMs,
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, flow.ErrQueueTimeout) {
			w.Header().Set("Retry-After", "5")
			writeError(w, http.StatusTooManyRequests, "admission queue timed out")
			return
		}
		s.logger.Error("flow submission failed", "error", err)
		writeError(w, http.StatusInternalServerError, "flow submission failed")
		return
	}
	span.SetAttributes(otel.AttrJobID.String(record.JobID))

	submitter := "anonymous"
	if entry := KeyEntryFromContext(r.Context()); entry != nil {
		submitter = entry.Name
	}
	s.logger.Info("flow submitted",
		"job_id", record.JobID,
		"target", record.TargetSessionKey,
		"submitted_by", submitter,
	)
	writeJSON(w, http.StatusAccepted, record)
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	query := r.URL.Query()
	sessionKey := query.Get("sessionKey")
	from := query.Get("from")
	to := query.Get("to")
	if sessionKey == "" || from == "" || to == "" {
		writeError(w, http.StatusBadRequest, "sessionKey, from, and to are required")
		return
	}
	routeKey := convroute.RouteKey(sessionKey, from, to)
	entry, ok := s.cfg.Index.Lookup(routeKey)
	if !ok {
		writeError(w, http.StatusNotFound, "no conversation for route")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"routeKey": routeKey, "entry": entry})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.cfg.Registry.List()})
}
