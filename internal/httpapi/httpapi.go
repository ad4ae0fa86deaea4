// Package httpapi exposes the control plane and read-model query surface
// over net/http, adapted from the teacher's api-gateway Gateway type:
// the same logging -> auth -> handler middleware chain, the same
// writeJSON/request-id conventions, but real JWT verification via
// golang-jwt/v5 in place of the gateway's placeholder token check.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/crawlord/internal/apperr"
	"github.com/swarmguard/crawlord/internal/audit"
	"github.com/swarmguard/crawlord/internal/controlplane"
	"github.com/swarmguard/crawlord/internal/model"
	"github.com/swarmguard/crawlord/internal/taskstore"
)

const serviceName = "crawlord-httpapi"

type ctxKey string

const ctxKeyActor ctxKey = "actor"

// Server is the admin/query REST surface over ControlPlane + Task Store.
type Server struct {
	cp      *controlplane.ControlPlane
	store   *taskstore.Store
	audit   *audit.Log
	jwtKey  []byte
	mux     *http.ServeMux
	reqCtr  metric.Int64Counter
	latency metric.Float64Histogram
	authDen metric.Int64Counter
}

// New builds the Server's route table. jwtSecret verifies bearer tokens;
// an empty secret disables auth (local/dev use only).
func New(cp *controlplane.ControlPlane, store *taskstore.Store, log *audit.Log, jwtSecret string) *Server {
	meter := otel.GetMeterProvider().Meter(serviceName)
	reqCtr, _ := meter.Int64Counter("crawlord_http_requests_total")
	latency, _ := meter.Float64Histogram("crawlord_http_latency_ms")
	authDen, _ := meter.Int64Counter("crawlord_http_auth_denied_total")

	s := &Server{
		cp:      cp,
		store:   store,
		audit:   log,
		jwtKey:  []byte(jwtSecret),
		mux:     http.NewServeMux(),
		reqCtr:  reqCtr,
		latency: latency,
		authDen: authDen,
	}
	s.routes()
	return s
}

// Handler returns the fully wrapped http.Handler for use with an
// http.Server.
func (s *Server) Handler() http.Handler {
	return s.loggingMiddleware(s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)

	admin := http.NewServeMux()
	admin.HandleFunc("/v1/tasks", s.handleTasksCollection)
	admin.HandleFunc("/v1/tasks/", s.handleTaskItem)
	admin.HandleFunc("/v1/hosts", s.handleHostsCollection)
	admin.HandleFunc("/v1/audit/verify", s.handleAuditVerify)
	admin.HandleFunc("/v1/audit/", s.handleAuditItem)

	s.mux.Handle("/v1/", s.authMiddleware(admin))
}

// ---- middleware ----

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := otel.Tracer(serviceName).Start(r.Context(), r.URL.Path)
		defer span.End()

		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r.WithContext(ctx))

		durationMS := float64(time.Since(start).Milliseconds())
		s.reqCtr.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("path", r.URL.Path),
			attribute.Int("status", rw.status),
		))
		s.latency.Record(ctx, durationMS, metric.WithAttributes(attribute.String("path", r.URL.Path)))

		slog.InfoContext(ctx, "request completed",
			"request_id", reqID, "method", r.Method, "path", r.URL.Path,
			"status", rw.status, "duration_ms", durationMS)
	})
}

// authMiddleware verifies a Bearer JWT and injects the subject claim as
// the request's actor, used for audit attribution. When jwtKey is empty,
// auth is skipped entirely (local/dev bootstrap).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.jwtKey) == 0 {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyActor, "dev")))
			return
		}

		token := extractBearer(r)
		if token == "" {
			s.authDen.Add(r.Context(), 1)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing authorization"})
			return
		}

		actor, err := s.verifyToken(token)
		if err != nil {
			s.authDen.Add(r.Context(), 1)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyActor, actor)))
	})
}

func extractBearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

func (s *Server) verifyToken(tokenStr string) (string, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtKey, nil
	})
	if err != nil {
		return "", err
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		sub = "unknown"
	}
	return sub, nil
}

func actorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(ctxKeyActor).(string); ok && a != "" {
		return a
	}
	return "unknown"
}

// ---- handlers ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": serviceName})
}

type submitRequest struct {
	HostID             string `json:"host_id"`
	URL                string `json:"url"`
	URLs               []string `json:"urls"`
	Priority           int    `json:"priority"`
	IsRecurring        bool   `json:"is_recurring"`
	RecurrenceIntervalS int   `json:"recurrence_interval_seconds"`
}

func (s *Server) handleTasksCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r)
	case http.MethodGet:
		s.handleQuery(w, r)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 2<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}
	var req submitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.HostID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "host_id is required"})
		return
	}

	opts := taskstore.CreateTaskOpts{IsRecurring: req.IsRecurring}
	if req.Priority != 0 {
		opts.Priority = &req.Priority
	}
	if req.RecurrenceIntervalS > 0 {
		opts.RecurrenceInterval = time.Duration(req.RecurrenceIntervalS) * time.Second
	}

	actor := actorFrom(r.Context())
	if len(req.URLs) > 0 {
		result, err := s.cp.SubmitBulk(r.Context(), actor, req.HostID, req.URLs, opts)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, result)
		return
	}
	if req.URL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url or urls is required"})
		return
	}
	task, err := s.cp.Submit(r.Context(), actor, req.HostID, req.URL, opts)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := taskstore.QueryFilter{HostID: q.Get("host_id")}
	if status := q.Get("status"); status != "" {
		filter.Statuses = []model.Status{model.Status(status)}
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	result, err := s.store.Query(r.Context(), filter, taskstore.SortSpec{Key: taskstore.SortByCreatedAt, Descending: true}, taskstore.Page{
		Cursor: q.Get("cursor"),
		Limit:  limit,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleTaskItem dispatches /v1/tasks/{id}[/action].
func (s *Server) handleTaskItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")
	parts := strings.SplitN(rest, "/", 2)
	if parts[0] == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "task id is required"})
		return
	}
	taskID := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}
	actor := actorFrom(r.Context())

	if action == "" {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		task, err := s.store.GetTask(r.Context(), taskID)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var err error
	switch action {
	case "pause":
		err = s.cp.Pause(r.Context(), actor, taskID)
	case "resume":
		err = s.cp.Resume(r.Context(), actor, taskID)
	case "cancel":
		err = s.cp.Cancel(r.Context(), actor, taskID)
	case "restart-full":
		err = s.cp.RestartFull(r.Context(), actor, taskID, decodeRestartOpts(r))
	case "restart-parse-only":
		err = s.cp.RestartParseOnly(r.Context(), actor, taskID, decodeRestartOpts(r))
	case "priority":
		err = s.handleChangePriority(r, actor, taskID)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown action"})
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeRestartOpts(r *http.Request) controlplane.RestartOpts {
	var body struct {
		ResetRetryCount bool `json:"reset_retry_count"`
		Priority        int  `json:"priority"`
	}
	data, _ := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	_ = json.Unmarshal(data, &body)
	return controlplane.RestartOpts{ResetRetryCount: body.ResetRetryCount, Priority: body.Priority}
}

func (s *Server) handleChangePriority(r *http.Request, actor, taskID string) error {
	var body struct {
		Priority int `json:"priority"`
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		return apperr.Wrap(err, apperr.KindValidation, "read body")
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return apperr.Wrap(err, apperr.KindValidation, "invalid json")
	}
	return s.cp.ChangePriority(r.Context(), actor, taskID, body.Priority)
}

func (s *Server) handleHostsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		hosts, err := s.store.ListHosts(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, hosts)
	case http.MethodPost:
		var h model.Host
		data, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
			return
		}
		if err := json.Unmarshal(data, &h); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return
		}
		if err := s.store.CreateHost(r.Context(), &h); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, h)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	ok, brokenAt, err := s.audit.Verify()
	if err != nil {
		writeErr(w, err)
		return
	}
	resp := map[string]interface{}{"valid": ok}
	if !ok {
		resp["broken_at_index"] = brokenAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAuditItem(w http.ResponseWriter, r *http.Request) {
	idxStr := strings.TrimPrefix(r.URL.Path, "/v1/audit/")
	idx, err := strconv.ParseUint(idxStr, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid audit index"})
		return
	}
	entry, found, err := s.audit.Get(idx)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "audit entry not found"})
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// ---- helpers ----

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErr(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindDuplicate:
		status = http.StatusConflict
	case apperr.KindIllegalTransition:
		status = http.StatusConflict
	case apperr.KindHTMLNotAvailable:
		status = http.StatusUnprocessableEntity
	case apperr.KindNoProxyAvailable, apperr.KindBrokerUnavailable, apperr.KindStoreUnavailable:
		status = http.StatusServiceUnavailable
	case apperr.KindValidation:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
