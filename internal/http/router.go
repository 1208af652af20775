package httpx

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/service/logs"
	"github.com/splax/launchpad/internal/service/orchestrator"
	"github.com/splax/launchpad/internal/ws"
	"github.com/splax/launchpad/pkg/jwt"
)

// Deployments is the orchestrator surface the API drives.
type Deployments interface {
	Submit(ctx context.Context, projectID string, archive []byte, opts orchestrator.Options) (*domain.Deployment, error)
	Deploy(ctx context.Context, projectID string, archive []byte, opts orchestrator.Options) (orchestrator.Result, error)
	Status(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	Deployments(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
	Rollback(ctx context.Context, projectID string) (orchestrator.Result, error)
	Redeploy(ctx context.Context, deploymentID string) (*domain.Deployment, error)
}

// HealthHistory returns persisted health verdicts.
type HealthHistory interface {
	History(ctx context.Context, deploymentID string, limit int) ([]domain.HealthCheckRecord, error)
}

// LogReader pages through a deployment's log sequence.
type LogReader interface {
	List(ctx context.Context, deploymentID string, offset int) ([]domain.LogEntry, error)
}

// RuntimeSink accepts request telemetry reported by deployed containers.
type RuntimeSink interface {
	Accept(event domain.RuntimeEvent) error
}

// Streams registers live subscribers by topic.
type Streams interface {
	Register(topic string, client ws.Subscriber)
	Unregister(topic string, client ws.Subscriber)
}

// Services groups the collaborators behind the routes.
type Services struct {
	Deployments Deployments
	Health      HealthHistory
	Logs        LogReader
	Runtime     RuntimeSink
	Streams     Streams
}

// Config tunes authentication, limits and timeouts.
type Config struct {
	// TokenSecret enables bearer JWT checks. Empty means open access.
	TokenSecret     string
	Limiter         RateLimiter
	DeployLimit     int
	ReadLimit       int
	RuntimeLimit    int
	MaxArchiveBytes int64
	WaitTimeout     time.Duration
	// Checks are reported as components of /healthz.
	Checks map[string]func(context.Context) error
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	svc         Services
	cfg         Config
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	tokenSecret string
	metrics     *apiMetrics
}

const (
	rateWindowDefault  = time.Minute
	defaultWaitTimeout = 30 * time.Minute
	defaultMaxArchive  = 200 << 20
	multipartMemory    = 32 << 20
	maxRuntimeBody     = 1 << 20
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 15 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, svc Services, cfg Config) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = defaultWaitTimeout
	}
	if cfg.MaxArchiveBytes <= 0 {
		cfg.MaxArchiveBytes = defaultMaxArchive
	}
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		svc:    svc,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:     cfg.Limiter,
		tokenSecret: strings.TrimSpace(cfg.TokenSecret),
		metrics:     newAPIMetrics(),
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.tokenSecret == "" {
		logger.Warn("API token secret not configured, all requests are authorized")
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/projects/", r.audit("projects", r.requireAuth(r.handleProjectSubroutes)))
	r.mux.HandleFunc("/deployments/", r.audit("deployments", r.requireAuth(r.handleDeploymentSubroutes)))
	r.mux.HandleFunc("/runtime/events", r.audit("runtime_events", r.handlerAuthRate("runtime", r.cfg.RuntimeLimit, rateWindowDefault, r.handleRuntimeEvents)))
	r.mux.HandleFunc("/ws/logs", r.audit("ws_logs", r.handlerAuthRate("stream", r.cfg.ReadLimit, rateWindowDefault, r.handleLogsWS)))
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(req.URL.Path, "/projects/"), "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		r.notFound(w)
		return
	}
	projectID := parts[0]
	switch {
	case parts[1] == "deployments" && req.Method == http.MethodPost:
		r.withRateLimit("deploy", r.cfg.DeployLimit, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleCreateDeployment(w, req, projectID)
		})(w, req)
	case parts[1] == "deployments" && req.Method == http.MethodGet:
		r.withRateLimit("read", r.cfg.ReadLimit, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleListDeployments(w, req, projectID)
		})(w, req)
	case parts[1] == "rollback" && req.Method == http.MethodPost:
		r.withRateLimit("deploy", r.cfg.DeployLimit, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleRollback(w, req, projectID)
		})(w, req)
	case parts[1] == "deployments" || parts[1] == "rollback":
		r.methodNotAllowed(w)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleCreateDeployment(w http.ResponseWriter, req *http.Request, projectID string) {
	if !r.authorize(w, req, jwt.ScopeDeploy, projectID) {
		return
	}
	req.Body = http.MaxBytesReader(w, req.Body, r.cfg.MaxArchiveBytes+multipartMemory)
	if err := req.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "archive exceeds upload limit")
			return
		}
		writeError(w, http.StatusBadRequest, "multipart form with an archive field required")
		return
	}
	defer req.MultipartForm.RemoveAll()

	file, _, err := req.FormFile("archive")
	if err != nil {
		writeError(w, http.StatusBadRequest, "archive file is required")
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, r.cfg.MaxArchiveBytes+1))
	file.Close()
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read archive")
		return
	}
	if int64(len(data)) > r.cfg.MaxArchiveBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "archive exceeds upload limit")
		return
	}
	r.metrics.archiveUploaded(len(data))
	env, err := parseEnv(req.MultipartForm.Value["env"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts := orchestrator.Options{
		Strategy:       strings.TrimSpace(req.FormValue("strategy")),
		Version:        strings.TrimSpace(req.FormValue("version")),
		Commit:         strings.TrimSpace(req.FormValue("commit")),
		Branch:         strings.TrimSpace(req.FormValue("branch")),
		BuildCommand:   strings.TrimSpace(req.FormValue("build_command")),
		RuntimeVersion: strings.TrimSpace(req.FormValue("runtime_version")),
		Env:            env,
	}

	if !wantsWait(req) {
		dep, err := r.svc.Deployments.Submit(req.Context(), projectID, data, opts)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, newDeploymentView(dep))
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), r.cfg.WaitTimeout)
	defer cancel()
	res, err := r.svc.Deployments.Deploy(ctx, projectID, data, opts)
	if res.DeploymentID == "" {
		writeServiceError(w, err)
		return
	}
	dep, getErr := r.svc.Deployments.Status(context.WithoutCancel(req.Context()), res.DeploymentID)
	if getErr != nil {
		writeServiceError(w, getErr)
		return
	}
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, newDeploymentView(dep))
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		writeJSON(w, http.StatusAccepted, newDeploymentView(dep))
	default:
		writeJSON(w, statusFor(err), map[string]any{
			"error":      err.Error(),
			"deployment": newDeploymentView(dep),
		})
	}
}

func wantsWait(req *http.Request) bool {
	wait, _ := strconv.ParseBool(req.URL.Query().Get("wait"))
	return wait
}

// parseEnv accepts repeated KEY=VALUE fields or a single JSON object.
func parseEnv(values []string) (map[string]string, error) {
	env := map[string]string{}
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.HasPrefix(v, "{") {
			var obj map[string]string
			if err := json.Unmarshal([]byte(v), &obj); err != nil {
				return nil, fmt.Errorf("invalid env object: %v", err)
			}
			maps.Copy(env, obj)
			continue
		}
		key, value, ok := strings.Cut(v, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid env entry %q, expected KEY=VALUE", v)
		}
		env[key] = value
	}
	return env, nil
}

func (r *Router) handleListDeployments(w http.ResponseWriter, req *http.Request, projectID string) {
	if !r.authorize(w, req, jwt.ScopeRead, projectID) {
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	deployments, err := r.svc.Deployments.Deployments(req.Context(), projectID, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	views := make([]deploymentView, 0, len(deployments))
	for i := range deployments {
		views = append(views, newDeploymentView(&deployments[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

func (r *Router) handleRollback(w http.ResponseWriter, req *http.Request, projectID string) {
	if !r.authorize(w, req, jwt.ScopeDeploy, projectID) {
		return
	}
	res, err := r.svc.Deployments.Rollback(req.Context(), projectID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"deployment_id": res.DeploymentID,
		"url":           res.URL,
		"status":        string(res.Status),
	})
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(req.URL.Path, "/deployments/"), "/"), "/")
	if len(parts) > 2 || parts[0] == "" {
		r.notFound(w)
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}
	want := http.MethodGet
	scope := jwt.ScopeRead
	limit := r.cfg.ReadLimit
	if action == "redeploy" {
		want, scope, limit = http.MethodPost, jwt.ScopeDeploy, r.cfg.DeployLimit
	}
	switch action {
	case "", "health", "logs", "redeploy":
	default:
		r.notFound(w)
		return
	}
	if req.Method != want {
		r.methodNotAllowed(w)
		return
	}

	r.withRateLimit(scope, limit, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
		dep, err := r.svc.Deployments.Status(req.Context(), parts[0])
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if !r.authorize(w, req, scope, dep.ProjectID) {
			return
		}
		switch action {
		case "":
			writeJSON(w, http.StatusOK, newDeploymentView(dep))
		case "health":
			r.handleDeploymentHealth(w, req, dep)
		case "logs":
			r.handleDeploymentLogs(w, req, dep)
		case "redeploy":
			queued, err := r.svc.Deployments.Redeploy(req.Context(), dep.ID)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusAccepted, newDeploymentView(queued))
		}
	})(w, req)
}

func (r *Router) handleDeploymentHealth(w http.ResponseWriter, req *http.Request, dep *domain.Deployment) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	records, err := r.svc.Health.History(req.Context(), dep.ID, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	checks := make([]healthCheckView, 0, len(records))
	for _, rec := range records {
		checks = append(checks, newHealthCheckView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deployment_id":     dep.ID,
		"last_health":       dep.LastHealth,
		"health_checked_at": dep.HealthCheckedAt,
		"checks":            checks,
	})
}

func (r *Router) handleDeploymentLogs(w http.ResponseWriter, req *http.Request, dep *domain.Deployment) {
	offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	follow, _ := strconv.ParseBool(req.URL.Query().Get("follow"))
	if follow || strings.Contains(req.Header.Get("Accept"), "text/event-stream") {
		r.streamLogsSSE(w, req, dep.ID, offset)
		return
	}
	entries, err := r.svc.Logs.List(req.Context(), dep.ID, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deployment_id": dep.ID,
		"entries":       entries,
		"next_offset":   offset + len(entries),
	})
}

// streamLogsSSE replays the log sequence from offset and then follows live
// entries until the client disconnects. The subscription is registered
// before the replay, so an entry appended in between can arrive twice.
func (r *Router) streamLogsSSE(w http.ResponseWriter, req *http.Request, deploymentID string, offset int) {
	flusher, ok := w.(http.Flusher)
	if !ok || r.svc.Streams == nil {
		writeError(w, http.StatusNotImplemented, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, "log", r.logger)
	r.svc.Streams.Register(deploymentID, client)
	defer r.metrics.streamOpened("sse")()
	defer func() {
		r.svc.Streams.Unregister(deploymentID, client)
		client.Close()
	}()
	if err := r.replay(req.Context(), client, deploymentID, offset); err != nil {
		return
	}

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) replay(ctx context.Context, client ws.Subscriber, deploymentID string, offset int) error {
	entries, err := r.svc.Logs.List(ctx, deploymentID, offset)
	if err != nil {
		r.logger.Warn("log replay failed", "deployment_id", deploymentID, "error", err)
		return nil
	}
	for _, entry := range entries {
		payload, err := logs.MarshalEntry(deploymentID, entry)
		if err != nil {
			continue
		}
		if err := client.Send(payload); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) handleRuntimeEvents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxRuntimeBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	var payloads []runtimeEventPayload
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &payloads)
	} else {
		var single runtimeEventPayload
		err = json.Unmarshal(trimmed, &single)
		payloads = []runtimeEventPayload{single}
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	claims, _ := claimsFromContext(req.Context())
	accepted := 0
	for i, p := range payloads {
		event, err := p.event()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("event %d: invalid occurred_at", i))
			return
		}
		if event.ProjectID == "" && claims != nil {
			event.ProjectID = claims.ProjectID
		}
		if !r.authorize(w, req, jwt.ScopeRuntime, event.ProjectID) {
			return
		}
		if err := r.svc.Runtime.Accept(event); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("event %d: %v", i, err))
			return
		}
		accepted++
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": accepted})
}

// handleLogsWS streams a deployment's log entries, or its runtime events
// with stream=runtime, over a websocket.
func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	deploymentID := strings.TrimSpace(req.URL.Query().Get("deployment_id"))
	if deploymentID == "" {
		writeError(w, http.StatusBadRequest, "deployment_id query parameter required")
		return
	}
	if r.svc.Streams == nil {
		writeError(w, http.StatusNotImplemented, "streaming unsupported")
		return
	}
	dep, err := r.svc.Deployments.Status(req.Context(), deploymentID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !r.authorize(w, req, jwt.ScopeRead, dep.ProjectID) {
		return
	}
	topic := dep.ID
	runtime := req.URL.Query().Get("stream") == "runtime"
	if runtime {
		topic = ws.RuntimeTopic(dep.ID)
	}
	offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.svc.Streams.Register(topic, client)
	defer r.metrics.streamOpened("websocket")()
	defer func() {
		r.svc.Streams.Unregister(topic, client)
		client.Close()
	}()
	if !runtime {
		if err := r.replay(req.Context(), client, dep.ID, max(offset, 0)); err != nil {
			return
		}
	}
	client.Wait()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	names := slices.Sorted(maps.Keys(r.cfg.Checks))
	for _, name := range names {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := r.cfg.Checks[name](ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{"status": "down", "error": err.Error()}
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.metrics.observeRequest(req.Method, route, status, duration)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if claims, ok := claimsFromContext(ctx); ok && claims.Subject != "" {
			fields = append(fields, "subject", claims.Subject)
			if claims.ProjectID != "" {
				fields = append(fields, "token_project_id", claims.ProjectID)
			}
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		if ip, _, _ := strings.Cut(forwarded, ","); strings.TrimSpace(ip) != "" {
			return strings.TrimSpace(ip)
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
