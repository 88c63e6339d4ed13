// Package api implements the Manager's inbound HTTP surface (spec.md
// §6.1), adapted from the teacher's internal/api/server.go: a stdlib-only
// http.ServeMux, a withLogging/withTracing middleware chain, and the same
// writeJSON/writeError/statusWriter helpers, generalized from the
// teacher's job/worker domain to the Manager's task/runner domain.
package api

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/manager/internal/audit"
	"github.com/example/manager/internal/config"
	"github.com/example/manager/internal/domain"
	"github.com/example/manager/internal/errs"
	"github.com/example/manager/internal/observability"
	"github.com/example/manager/internal/queue"
	"github.com/example/manager/internal/registry"
	"github.com/example/manager/internal/resultaccess"
	"github.com/example/manager/internal/store"
	"github.com/example/manager/internal/tasks"
	"github.com/example/manager/pkg/managerapi"
)

// Server wires every spec.md §6.1 endpoint to the Task Manager, Runner
// Registry, Result Access and Audit Log.
type Server struct {
	cfg config.Config

	tokenAuth    *tokenAuth
	adminAuth    *adminAuth
	globalLimit  *ipRateLimiter
	adminLimit   *ipRateLimiter
	restartGuard *restartGuard

	registry *registry.Registry
	taskMgr  *tasks.Manager
	access   *resultaccess.Access
	dispatch queue.Queue
	notify   queue.Queue
	auditLog *audit.Log

	managerVersion domain.Version
	startedAt      time.Time
}

func NewServer(cfg config.Config, reg *registry.Registry, taskMgr *tasks.Manager, access *resultaccess.Access, dispatchQ, notifyQ queue.Queue, auditLog *audit.Log, managerVersion domain.Version) *Server {
	return &Server{
		cfg:            cfg,
		tokenAuth:      newTokenAuth(cfg.AuthorizedTokens),
		adminAuth:      newAdminAuth(cfg.AdminUsers),
		globalLimit:    newIPRateLimiter(120, time.Minute),
		adminLimit:     newIPRateLimiter(10, time.Minute),
		restartGuard:   newRestartGuard(defaultMaxRestartBatch),
		registry:       reg,
		taskMgr:        taskMgr,
		access:         access,
		dispatch:       dispatchQ,
		notify:         notifyQ,
		auditLog:       auditLog,
		managerVersion: managerVersion,
		startedAt:      time.Now().UTC(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("POST /task/execute", s.withGlobalRateLimit(s.handleTaskExecute))
	mux.HandleFunc("GET /task/status/{id}", s.withGlobalRateLimit(s.handleTaskStatus))
	mux.HandleFunc("GET /task/result/{id}", s.withGlobalRateLimit(s.handleTaskResult))
	mux.HandleFunc("GET /task/result/{id}/file/{path...}", s.withGlobalRateLimit(s.handleTaskResultFile))
	mux.HandleFunc("POST /task/completion", s.handleTaskCompletion)
	mux.HandleFunc("POST /runner/register", s.handleRunnerRegister)
	mux.HandleFunc("POST /runner/heartbeat", s.handleRunnerHeartbeat)
	mux.HandleFunc("GET /runner/list", s.withGlobalRateLimit(s.handleRunnerList))
	mux.HandleFunc("POST /tasks/restart-selected", s.withAdminRateLimit(s.requireAdmin(s.handleRestartSelected)))
	mux.HandleFunc("GET /statistics", s.withGlobalRateLimit(s.handleStatistics))
	mux.HandleFunc("GET /admin/storage", s.withAdminRateLimit(s.requireAdmin(s.handleAdminStorage)))
	mux.HandleFunc("GET /admin/tasks.csv", s.withAdminRateLimit(s.requireAdmin(s.handleAdminTasksCSV)))
	mux.HandleFunc("GET /admin/queue/dead-letter", s.withAdminRateLimit(s.requireAdmin(s.handleDeadLetterQueue)))

	return withCORS(s.cfg, withTracing(withLogging(mux)))
}

// --- middleware -----------------------------------------------------------

func (s *Server) withGlobalRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.globalLimit.allow(clientIP(r), time.Now()) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func (s *Server) withAdminRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.adminLimit.allow(clientIP(r), time.Now()) {
			writeError(w, http.StatusTooManyRequests, "admin rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.adminAuth.authorized(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="manager-admin"`)
			writeError(w, http.StatusUnauthorized, "admin authentication required")
			return
		}
		next(w, r)
	}
}

func (s *Server) requireToken(w http.ResponseWriter, r *http.Request) bool {
	if !s.tokenAuth.authorized(r) {
		writeError(w, http.StatusUnauthorized, "missing or invalid token")
		return false
	}
	return true
}

// --- handlers ---------------------------------------------------------------

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, managerapi.RootResponse{
		Message:       "media task manager",
		Version:       s.managerVersion.String(),
		Documentation: "see spec.md §6.1 for the endpoint table",
	})
}

func (s *Server) handleTaskExecute(w http.ResponseWriter, r *http.Request) {
	if !s.requireToken(w, r) {
		return
	}
	var req managerapi.TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if req.EtabName == "" || req.AppName == "" || req.TaskType == "" || req.SourceURL == "" {
		writeError(w, http.StatusUnprocessableEntity, "etab_name, app_name, task_type and source_url are required")
		return
	}
	if err := validateOutboundURL(req.SourceURL, s.cfg.SSRFAllowPrivate); err != nil {
		writeError(w, http.StatusBadRequest, "invalid source_url: "+err.Error())
		return
	}
	if req.NotifyURL != "" {
		if err := validateOutboundURL(req.NotifyURL, s.cfg.SSRFAllowPrivate); err != nil {
			writeError(w, http.StatusBadRequest, "invalid notify_url: "+err.Error())
			return
		}
	}

	task, err := s.taskMgr.Submit(r.Context(), tasks.SubmitRequest{
		EtabName:    req.EtabName,
		AppName:     req.AppName,
		AppVersion:  req.AppVersion,
		TaskType:    req.TaskType,
		SourceURL:   req.SourceURL,
		Affiliation: req.Affiliation,
		Parameters:  req.Parameters,
		NotifyURL:   req.NotifyURL,
		ClientToken: bearerToken(r),
	})
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, managerapi.TaskResponse{TaskID: task.TaskID})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireToken(w, r) {
		return
	}
	task, err := s.taskMgr.Get(r.PathValue("id"))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, managerapi.TaskStatusResponse{
		TaskID:       task.TaskID,
		Status:       task.Status,
		EtabName:     task.EtabName,
		AppName:      task.AppName,
		TaskType:     task.TaskType,
		RunnerURL:    task.RunnerURL,
		RunnerName:   task.RunnerName,
		CreatedAt:    task.CreatedAt,
		StartedAt:    task.StartedAt,
		CompletedAt:  task.CompletedAt,
		ErrorMessage: task.ErrorMessage,
	})
}

func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	if !s.requireToken(w, r) {
		return
	}
	task, err := s.taskMgr.Get(r.PathValue("id"))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	body, err := s.access.GetManifest(r.Context(), task)
	if err != nil {
		writeAccessError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleTaskResultFile(w http.ResponseWriter, r *http.Request) {
	if !s.requireToken(w, r) {
		return
	}
	task, err := s.taskMgr.Get(r.PathValue("id"))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	filePath := r.PathValue("path")
	if strings.Contains(filePath, "..") {
		writeError(w, http.StatusBadRequest, "path traversal rejected")
		return
	}
	upstream, rc, err := s.access.GetFile(r.Context(), task, filePath)
	if err != nil {
		writeAccessError(w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	if upstream != nil && upstream.ContentLength >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(upstream.ContentLength, 10))
	}
	w.WriteHeader(http.StatusOK)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := rc.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return
			}
		}
		if readErr != nil {
			return
		}
	}
}

func (s *Server) handleTaskCompletion(w http.ResponseWriter, r *http.Request) {
	var req managerapi.CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	task, err := s.taskMgr.Get(req.TaskID)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	runner, ok := s.registry.Get(task.RunnerURL)
	if !ok || !runnerTokenAuth(r, runner.Token) {
		writeError(w, http.StatusUnauthorized, "invalid runner token")
		return
	}

	err = s.taskMgr.Completion(r.Context(), req.TaskID, req.RunID, req.Status, req.ErrorMessage, req.ScriptOutput)
	if err != nil {
		if e, ok := err.(*errs.Error); ok && e.Kind == errs.StaleError {
			writeJSON(w, http.StatusAccepted, managerapi.CompletionResponse{OK: true, Stale: true})
			return
		}
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, managerapi.CompletionResponse{OK: true})
}

func (s *Server) handleRunnerRegister(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing runner token")
		return
	}
	version := r.Header.Get("X-Runner-Version")
	var req managerapi.RegisterRunnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusUnprocessableEntity, "url is required")
		return
	}
	if err := s.registry.Register(req.URL, req.Name, token, version, req.TaskTypes); err != nil {
		s.audit("register", req.URL, r, "rejected", err.Error())
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.audit("register", req.URL, r, "ok", "")
	writeJSON(w, http.StatusOK, managerapi.OKResponse{OK: true})
}

func (s *Server) handleRunnerHeartbeat(w http.ResponseWriter, r *http.Request) {
	if bearerToken(r) == "" {
		writeError(w, http.StatusUnauthorized, "missing runner token")
		return
	}
	version := r.Header.Get("X-Runner-Version")
	var req managerapi.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if err := s.registry.Heartbeat(req.URL, version); err != nil {
		switch err {
		case registry.ErrUnknownRunner:
			writeError(w, http.StatusNotFound, "unknown runner")
		case registry.ErrVersionMismatch:
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, managerapi.OKResponse{OK: true})
}

func (s *Server) handleRunnerList(w http.ResponseWriter, r *http.Request) {
	if !s.requireToken(w, r) {
		return
	}
	snapshots := s.registry.List()
	out := make([]managerapi.RunnerListEntry, 0, len(snapshots))
	for _, snap := range snapshots {
		out = append(out, managerapi.RunnerListEntry{
			URL: snap.URL, Name: snap.Name, Version: snap.Version,
			Status: snap.Status, TaskTypes: snap.TaskTypes,
			LastHeartbeatAt: snap.LastHeartbeatAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRestartSelected(w http.ResponseWriter, r *http.Request) {
	var req managerapi.RestartSelectedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if s.restartGuard.tooLarge(req.TaskIDs) {
		writeError(w, http.StatusBadRequest, "too many task_ids in one restart-selected call")
		return
	}
	result := s.taskMgr.RestartSelected(r.Context(), req.TaskIDs)
	s.audit("restart_selected", strings.Join(req.TaskIDs, ","), r, "ok", "")
	writeJSON(w, http.StatusOK, managerapi.RestartSelectedResponse{
		Requested: result.Requested,
		Restarted: result.Restarted,
		Skipped:   result.Skipped,
		Failed:    result.Failed,
	})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if !s.requireToken(w, r) {
		return
	}
	byStatus := map[string]int{}
	for _, status := range []string{
		domain.TaskPending, domain.TaskRunning, domain.TaskCompleted,
		domain.TaskWarning, domain.TaskFailed, domain.TaskTimeout, domain.TaskRejected,
	} {
		page := s.taskMgr.List(store.ListFilters{Status: status, Limit: 1})
		byStatus[status] = page.Total
		observability.Default.SetGauge("tasks_by_status", map[string]string{"status": status}, float64(page.Total))
	}
	deadLetters := map[string]int{}
	if dl, err := s.dispatch.ListDeadLetters(r.Context(), 10000); err == nil {
		deadLetters["dispatch"] = len(dl)
	}
	if dl, err := s.notify.ListDeadLetters(r.Context(), 10000); err == nil {
		deadLetters["notify"] = len(dl)
	}
	writeJSON(w, http.StatusOK, managerapi.StatisticsResponse{
		TasksByStatus: byStatus,
		RunnersTotal:  len(s.registry.List()),
		DeadLetters:   deadLetters,
	})
}

func (s *Server) handleAdminStorage(w http.ResponseWriter, r *http.Request) {
	page := s.taskMgr.List(store.ListFilters{})
	var oldest, newest time.Time
	for i, t := range page.Tasks {
		if i == 0 || t.CreatedAt.Before(oldest) {
			oldest = t.CreatedAt
		}
		if i == 0 || t.CreatedAt.After(newest) {
			newest = t.CreatedAt
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_store_backend": s.cfg.TaskStoreBackend,
		"task_store_path":    s.cfg.TaskStorePath,
		"total_tasks":        page.Total,
		"oldest_created_at":  oldest,
		"newest_created_at":  newest,
	})
}

func (s *Server) handleAdminTasksCSV(w http.ResponseWriter, r *http.Request) {
	page := s.taskMgr.List(store.ListFilters{})
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"task_id", "status", "task_type", "etab_name", "app_name", "runner_url", "created_at", "completed_at", "error_message"})
	for _, t := range page.Tasks {
		completedAt := ""
		if t.CompletedAt != nil {
			completedAt = t.CompletedAt.Format(time.RFC3339)
		}
		_ = cw.Write([]string{
			t.TaskID, t.Status, t.TaskType, t.EtabName, t.AppName, t.RunnerURL,
			t.CreatedAt.Format(time.RFC3339), completedAt, t.ErrorMessage,
		})
	}
	cw.Flush()
}

func (s *Server) handleDeadLetterQueue(w http.ResponseWriter, r *http.Request) {
	out := []managerapi.DeadLetterEntry{}
	if dl, err := s.dispatch.ListDeadLetters(r.Context(), 1000); err == nil {
		for _, ref := range dl {
			out = append(out, managerapi.DeadLetterEntry{Kind: "dispatch", TaskID: ref.TaskID, RunID: ref.RunID})
		}
	}
	if dl, err := s.notify.ListDeadLetters(r.Context(), 1000); err == nil {
		for _, ref := range dl {
			out = append(out, managerapi.DeadLetterEntry{Kind: "notify", TaskID: ref.TaskID, RunID: ref.RunID})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// --- helpers ----------------------------------------------------------------

func (s *Server) audit(action, resource string, r *http.Request, result, details string) {
	if s.auditLog == nil {
		return
	}
	actor := "runner"
	if s.adminAuth != nil {
		if user, _, ok := r.BasicAuth(); ok {
			actor = user
		}
	}
	if err := s.auditLog.Append(action, actor, clientIP(r), resource, result, details); err != nil {
		log.Printf("api: audit append failed action=%s: %v", action, err)
	}
}

func writeTaskError(w http.ResponseWriter, err error) {
	e, ok := err.(*errs.Error)
	if !ok {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	switch e.Kind {
	case errs.NotFoundError:
		writeError(w, http.StatusNotFound, e.Message)
	case errs.StaleError:
		writeJSON(w, http.StatusAccepted, managerapi.CompletionResponse{OK: true, Stale: true})
	case errs.ValidationError:
		writeError(w, http.StatusBadRequest, e.Message)
	case errs.AuthError:
		writeError(w, http.StatusUnauthorized, e.Message)
	default:
		writeError(w, http.StatusInternalServerError, e.Message)
	}
}

func writeAccessError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, resultaccess.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, resultaccess.ErrTraversal):
		writeError(w, http.StatusBadRequest, "path traversal rejected")
	default:
		writeError(w, http.StatusBadGateway, "upstream error: "+err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.StartSpan(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		traceID := span.SpanContext().TraceID().String()
		if traceID != "" {
			sw.Header().Set("X-Trace-ID", traceID)
		}
		next.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
	})
}

func withCORS(cfg config.Config, next http.Handler) http.Handler {
	if len(cfg.CORSAllowOrigins) == 0 {
		return next
	}
	allowed := map[string]struct{}{}
	for _, o := range cfg.CORSAllowOrigins {
		allowed[o] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		_, star := allowed["*"]
		_, exact := allowed[origin]
		if star {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if exact {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		if cfg.CORSAllowCredentials && !star {
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, X-API-Token, X-Runner-Version, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
