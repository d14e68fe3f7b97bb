package api

import (
	"bytes"
	"context"
	stdjson "encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/google/uuid"

	"github.com/hatemosphere/agentic-gateway/internal/agents"
	"github.com/hatemosphere/agentic-gateway/internal/audit"
	"github.com/hatemosphere/agentic-gateway/internal/auth"
	"github.com/hatemosphere/agentic-gateway/internal/backup"
	"github.com/hatemosphere/agentic-gateway/internal/gziputil"
	"github.com/hatemosphere/agentic-gateway/internal/settlement"
	"github.com/hatemosphere/agentic-gateway/internal/storage"
)

const (
	serviceName         = "agentic-gateway"
	defaultMaxBodyBytes = 1 << 20
)

// Server is the HTTP API server.
type Server struct {
	store        storage.Store
	pipeline     *auth.Pipeline
	ledger       *settlement.Ledger
	agents       *agents.Service
	policy       *auth.RoutePolicy
	adminToken   string // SHA-256 of the static admin token
	adminJWT     *auth.AdminJWTAuthenticator
	backups      *backup.Scheduler
	serveMetrics bool
	maxBodyBytes int64
	version      string
	humaAPI      huma.API
	adminAPI     huma.API
}

// NewServer creates a new API server.
func NewServer(store storage.Store, pipeline *auth.Pipeline, ledger *settlement.Ledger, opts ...ServerOption) *Server {
	s := &Server{
		store:        store,
		pipeline:     pipeline,
		ledger:       ledger,
		serveMetrics: true,
		maxBodyBytes: defaultMaxBodyBytes,
		version:      "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerOption configures the API server.
type ServerOption func(*Server)

// WithAgentService enables the agent administration endpoints.
func WithAgentService(svc *agents.Service) ServerOption {
	return func(s *Server) { s.agents = svc }
}

// WithRoutePolicy sets per-route scope and rate-limit overrides.
func WithRoutePolicy(p *auth.RoutePolicy) ServerOption {
	return func(s *Server) { s.policy = p }
}

// WithAdminToken protects the admin API with a static bearer token.
func WithAdminToken(token string) ServerOption {
	return func(s *Server) {
		if token != "" {
			s.adminToken = auth.HashToken(token)
		}
	}
}

// WithAdminJWT protects the admin API with JWT validation instead of a
// static token.
func WithAdminJWT(ja *auth.AdminJWTAuthenticator) ServerOption {
	return func(s *Server) { s.adminJWT = ja }
}

// WithBackupScheduler enables POST /api/admin/backup.
func WithBackupScheduler(sched *backup.Scheduler) ServerOption {
	return func(s *Server) { s.backups = sched }
}

// WithMetricsEndpoint controls whether /metrics is served on the API
// listener. Disable it when a separate management listener serves metrics.
func WithMetricsEndpoint(enabled bool) ServerOption {
	return func(s *Server) { s.serveMetrics = enabled }
}

// WithMaxBodyBytes caps request bodies after decompression.
func WithMaxBodyBytes(n int64) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// WithVersion sets the version reported by the health endpoint.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// humaJSONFormat uses stdlib encoding/json for huma request/response serialization.
var humaJSONFormat = huma.Format{
	Marshal: func(w io.Writer, v any) error {
		enc := stdjson.NewEncoder(w)
		enc.SetEscapeHTML(false)
		return enc.Encode(v)
	},
	Unmarshal: stdjson.Unmarshal,
}

// newHumaConfig creates the huma configuration for the API.
func newHumaConfig(title string) huma.Config {
	registry := huma.NewMapRegistry("#/components/schemas/", huma.DefaultSchemaNamer)
	config := huma.Config{
		OpenAPI: &huma.OpenAPI{
			OpenAPI: "3.1.0",
			Info: &huma.Info{
				Title:   title,
				Version: "1.0.0",
			},
			Components: &huma.Components{
				Schemas: registry,
			},
		},
		OpenAPIPath:   "", // served by getOpenAPISpec
		DocsPath:      "",
		SchemasPath:   "",
		Formats:       map[string]huma.Format{"application/json": humaJSONFormat, "json": humaJSONFormat},
		DefaultFormat: "application/json",
	}
	// Agents send fields this gateway does not read (metadata, signature echoes).
	config.AllowAdditionalPropertiesByDefault = true
	config.FieldsOptionalByDefault = true
	return config
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Router returns the configured HTTP handler with all endpoints.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	// Agent-facing and public routes.
	api := humago.New(mux, newHumaConfig("Agentic Gateway API"))
	api.UseMiddleware(metricsHumaMiddleware)
	api.UseMiddleware(s.agentAuthMiddleware(api))
	api.UseMiddleware(auditHumaMiddleware)
	s.humaAPI = api

	s.registerPublicRoutes(api)
	s.registerSettlement(api)
	s.registerOrders(api)
	s.registerCatalog(api)

	// Operator routes, only when some admin credential is configured.
	if s.adminToken != "" || s.adminJWT != nil {
		admin := humago.New(mux, newHumaConfig("Agentic Gateway Admin API"))
		admin.UseMiddleware(metricsHumaMiddleware)
		admin.UseMiddleware(s.adminAuthMiddleware(admin))
		admin.UseMiddleware(auditHumaMiddleware)
		s.adminAPI = admin

		s.registerAdminOrders(admin)
		s.registerAdminCatalog(admin)
		s.registerAdminEvents(admin)
		if s.agents != nil {
			s.registerAdminAgents(admin)
		}
		if s.backups != nil {
			s.registerAdminBackup(admin)
		}
	}

	// HTTP-level middleware (outermost applied last).
	var handler http.Handler = mux
	handler = bufferBody(handler, s.maxBodyBytes)
	handler = requestLogger(handler)
	handler = requestID(handler)
	handler = recoverer(handler)
	handler = realIP(handler)
	return handler
}

// registerPublicRoutes registers unauthenticated huma operations.
func (s *Server) registerPublicRoutes(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/agent-commerce/v1/health",
		Tags:        []string{"Health"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		out := &HealthOutput{}
		out.Body.Status = "ok"
		out.Body.Service = serviceName
		out.Body.Version = s.version
		out.Body.Timestamp = time.Now().UTC().Format(time.RFC3339)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "liveness",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Tags:        []string{"Health"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		out := &HealthOutput{}
		out.Body.Status = "ok"
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "readiness",
		Method:      http.MethodGet,
		Path:        "/readyz",
		Tags:        []string{"Health"},
		Errors:      []int{503},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.store.Ping(pctx); err != nil {
			slog.Warn("readiness check failed", "error", err)
			return nil, newAgentError(http.StatusServiceUnavailable, "store_unavailable", "database is not reachable", nil)
		}
		out := &HealthOutput{}
		out.Body.Status = "ok"
		return out, nil
	})

	if s.serveMetrics {
		huma.Register(api, huma.Operation{
			OperationID: "getMetrics",
			Method:      http.MethodGet,
			Path:        "/metrics",
			Tags:        []string{"Meta"},
		}, func(ctx context.Context, input *struct{}) (*huma.StreamResponse, error) {
			return &huma.StreamResponse{
				Body: func(ctx huma.Context) {
					rec := httptest.NewRecorder()
					MetricsHandler().ServeHTTP(rec, &http.Request{})
					for k, vals := range rec.Header() {
						for _, v := range vals {
							ctx.SetHeader(k, v)
						}
					}
					_, _ = ctx.BodyWriter().Write(rec.Body.Bytes())
				},
			}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "getOpenAPISpec",
		Method:      http.MethodGet,
		Path:        "/api/openapi",
		Tags:        []string{"Meta"},
	}, func(ctx context.Context, input *struct{}) (*huma.StreamResponse, error) {
		return &huma.StreamResponse{
			Body: func(ctx huma.Context) {
				ctx.SetHeader("Content-Type", "application/json")
				if s.humaAPI != nil {
					data, _ := stdjson.Marshal(s.humaAPI.OpenAPI())
					_, _ = ctx.BodyWriter().Write(data)
				} else {
					_, _ = ctx.BodyWriter().Write([]byte(`{}`))
				}
			},
		}, nil
	})
}

// metricsHumaMiddleware records Prometheus metrics for each huma request using
// the operation path as the route label for clean, low-cardinality metrics.
func metricsHumaMiddleware(ctx huma.Context, next func(huma.Context)) {
	start := time.Now()
	next(ctx)
	elapsed := time.Since(start)

	route := ctx.Operation().Path
	status := ctx.Status()
	if status == 0 {
		status = 200
	}

	httpRequestsTotal.WithLabelValues(ctx.Method(), route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(ctx.Method(), route).Observe(elapsed.Seconds())
}

// auditExcludedOps lists read-only or high-frequency operations kept out of
// the audit log.
var auditExcludedOps = map[string]struct{}{
	"health":         {},
	"liveness":       {},
	"readiness":      {},
	"getMetrics":     {},
	"getOpenAPISpec": {},
}

// auditHumaMiddleware logs structured audit entries for state-mutating API
// operations. It runs after authentication, so the caller is always known.
func auditHumaMiddleware(ctx huma.Context, next func(huma.Context)) {
	next(ctx)

	method := ctx.Method()
	if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
		return
	}

	op := ctx.Operation()
	if _, excluded := auditExcludedOps[op.OperationID]; excluded {
		return
	}

	actor, scheme := "anonymous", ""
	if a := auth.AgentFromContext(ctx.Context()); a != nil {
		actor, scheme = a.AgentID, string(a.Scheme)
	} else if id := auth.AdminFromContext(ctx.Context()); id != nil {
		actor, scheme = id.Subject, "admin"
	}

	status := ctx.Status()
	if status == 0 {
		status = 200
	}

	e := audit.Event{
		Actor:      actor,
		Action:     op.OperationID,
		Method:     method,
		Route:      op.Path,
		Resource:   auditResource(ctx),
		HTTPStatus: status,
		IP:         ctx.RemoteAddr(),
		UserAgent:  ctx.Header("User-Agent"),
		Scheme:     scheme,
	}
	if status >= 400 {
		e.Warn("Audit Log: API Request")
	} else {
		e.Info("Audit Log: API Request")
	}
}

// auditResource names the order or agent a request targets, when the path
// identifies one.
func auditResource(ctx huma.Context) string {
	if id := ctx.Param("orderID"); id != "" {
		return "order:" + id
	}
	if id := ctx.Param("agentID"); id != "" {
		return "agent:" + id
	}
	return ""
}

type requestIDKey struct{}

// requestID propagates X-Request-Id, generating one when absent.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// RequestIDFromContext returns the request ID assigned by the router.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// redactedHeaders never appear in logs.
var redactedHeaders = map[string]struct{}{
	"Authorization":       {},
	"Cookie":              {},
	"Set-Cookie":          {},
	"X-Agent-Signature":   {},
	"X-Agentic-Signature": {},
	"X-Admin-Token":       {},
}

func redactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if _, secret := redactedHeaders[http.CanonicalHeaderKey(k)]; secret {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = strings.Join(v, ", ")
	}
	return out
}

// requestLogger logs each HTTP request with method, path, status, and latency.
// Request headers, with credentials redacted, are logged at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)
		slog.Info("request", //nolint:gosec // structured logger, not format string
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"latency", time.Since(start),
			"request_id", RequestIDFromContext(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
		if slog.Default().Enabled(r.Context(), slog.LevelDebug) {
			slog.Debug("request headers", "request_id", RequestIDFromContext(r.Context()), "headers", redactHeaders(r.Header))
		}
	})
}

// realIP extracts the real client IP from X-Real-Ip or X-Forwarded-For headers.
func realIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rip := r.Header.Get("X-Real-Ip"); rip != "" {
			r.RemoteAddr = rip
		} else if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if i := strings.IndexByte(xff, ','); i > 0 {
				r.RemoteAddr = strings.TrimSpace(xff[:i])
			} else {
				r.RemoteAddr = xff
			}
		}
		next.ServeHTTP(w, r)
	})
}

// recoverer recovers from panics and returns a 500 Internal Server Error.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				slog.Error("panic recovered", "error", rvr, "method", r.Method, "path", r.URL.Path) //nolint:gosec // structured logger, not format string
				writeError(w, newAgentError(http.StatusInternalServerError, "internal_error", "internal error", nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type rawBodyKey struct{}

// rawBody returns the exact request body bytes as buffered by bufferBody.
func rawBody(ctx context.Context) []byte {
	b, _ := ctx.Value(rawBodyKey{}).([]byte)
	return b
}

// bufferBody reads the request body once, inflating gzip bodies, so the
// signature pipeline and the handler see the same bytes. Bodies larger than
// limit after decompression are refused.
func bufferBody(next http.Handler, limit int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r)
			return
		}

		data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
		_ = r.Body.Close()
		if err != nil {
			writeError(w, newAgentError(http.StatusBadRequest, "invalid_payload", "could not read request body", nil))
			return
		}
		if int64(len(data)) <= limit && r.Header.Get("Content-Encoding") == "gzip" {
			data, err = gziputil.Decompress(data, limit)
			if err != nil && !errors.Is(err, gziputil.ErrTooLarge) {
				writeError(w, newAgentError(http.StatusBadRequest, "invalid_payload", "invalid gzip body", nil))
				return
			}
			r.Header.Del("Content-Encoding")
		}
		if err != nil || int64(len(data)) > limit {
			writeError(w, newAgentError(http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large",
				map[string]any{"limit_bytes": limit}))
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(data))
		r.ContentLength = int64(len(data))
		r.Header.Set("Content-Length", strconv.Itoa(len(data)))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), rawBodyKey{}, data)))
	})
}

// writeError writes an AgentError outside of huma.
func writeError(w http.ResponseWriter, e *AgentError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.status)
	_ = stdjson.NewEncoder(w).Encode(e)
}
