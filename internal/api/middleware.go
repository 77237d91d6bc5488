package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/query"
	"github.com/opensource-finance/harrier/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Context keys for tenant and trace propagation.
type contextKey string

const (
	// TenantIDKey is the context key for tenant ID.
	TenantIDKey contextKey = "tenantID"

	// TraceIDKey is the context key for trace ID.
	TraceIDKey contextKey = "traceID"

	// RequestIDKey is the context key for request ID.
	RequestIDKey contextKey = "requestID"

	// ActorKey is the context key for the authenticated subject.
	ActorKey contextKey = "actor"

	// TenantIDHeader is the HTTP header for tenant ID.
	TenantIDHeader = "X-Tenant-ID"

	// RequestIDHeader is the HTTP header for request ID.
	RequestIDHeader = "X-Request-ID"

	// TraceIDHeader is the HTTP header for trace ID.
	TraceIDHeader = "X-Trace-ID"
)

// Dashboard roles carried in the "role" claim.
const (
	RoleAdmin     = "admin"
	RoleSupport   = "support"
	RoleWarehouse = "warehouse"
)

var tracer = otel.Tracer("harrier-api")

// TenantMiddleware extracts tenant ID from the X-Tenant-ID header
// and adds it to the request context.
func TenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get(TenantIDHeader)
		if tenantID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "X-Tenant-ID header is required",
			})
			return
		}
		if tenantID == domain.GlobalTenant {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "reserved tenant id",
			})
			return
		}

		ctx := context.WithValue(r.Context(), TenantIDKey, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoadersMiddleware attaches request-scoped batch loaders.
func LoadersMiddleware(repo domain.Repository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := query.WithLoaders(r.Context(), repo)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TracingMiddleware creates OpenTelemetry spans and propagates trace context.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
				attribute.String("request.id", requestID),
			),
		)
		defer span.End()

		traceID := span.SpanContext().TraceID().String()
		if !span.SpanContext().TraceID().IsValid() {
			traceID = requestID
		}

		ctx = context.WithValue(ctx, RequestIDKey, requestID)
		ctx = context.WithValue(ctx, TraceIDKey, traceID)

		w.Header().Set(RequestIDHeader, requestID)
		w.Header().Set(TraceIDHeader, traceID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware logs HTTP requests and records their latency.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		telemetry.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Observe(duration.Seconds())

		// The tenant lands in the inner request's context, not this one.
		tenantID := r.Header.Get(TenantIDHeader)
		requestID := rw.Header().Get(RequestIDHeader)
		traceID := rw.Header().Get(TraceIDHeader)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"route", route,
			"status", rw.statusCode,
			"duration_ms", duration.Milliseconds(),
			"tenant_id", tenantID,
			"request_id", requestID,
			"trace_id", traceID,
		)
	})
}

// RecoverMiddleware recovers from panics and returns 500.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				slog.Error("panic recovered",
					"error", err,
					"path", r.URL.Path,
				)
				writeJSON(w, http.StatusInternalServerError, map[string]string{
					"error": "internal server error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// RoleMiddleware admits requests whose bearer token carries one of roles.
// An empty secret disables the check.
func RoleMiddleware(secret string, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := authorize(w, secret, bearerToken(r), roles)
			if !ok {
				return
			}
			next.ServeHTTP(w, r.WithContext(withActor(r.Context(), claims)))
		})
	}
}

// StreamMiddleware guards the dashboard feed. The token may also arrive as
// ?access_token= for browser clients. A token carrying a tenant claim may
// only stream that tenant.
func StreamMiddleware(secret string, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := bearerToken(r)
			if tokenString == "" {
				tokenString = r.URL.Query().Get("access_token")
			}

			claims, ok := authorize(w, secret, tokenString, roles)
			if !ok {
				return
			}

			if tenant, _ := claims["tenant"].(string); tenant != "" && tenant != r.URL.Query().Get("tenant") {
				writeJSON(w, http.StatusForbidden, map[string]string{
					"error": "tenant not permitted",
				})
				return
			}
			next.ServeHTTP(w, r.WithContext(withActor(r.Context(), claims)))
		})
	}
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader {
		return ""
	}
	return tokenString
}

// authorize verifies tokenString and its role claim, writing the error
// response itself when it fails.
func authorize(w http.ResponseWriter, secret, tokenString string, roles []string) (jwt.MapClaims, bool) {
	if tokenString == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error": "bearer token required",
		})
		return nil, false
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error": "invalid token",
		})
		return nil, false
	}

	role, _ := claims["role"].(string)
	if !slices.Contains(roles, role) {
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error": "role not permitted",
		})
		return nil, false
	}
	return claims, true
}

func withActor(ctx context.Context, claims jwt.MapClaims) context.Context {
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return context.WithValue(ctx, ActorKey, sub)
	}
	return ctx
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack hands the connection to the websocket upgrader.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// GetTenantID extracts tenant ID from context.
func GetTenantID(ctx context.Context) string {
	if v, ok := ctx.Value(TenantIDKey).(string); ok {
		return v
	}
	return ""
}

// GetTraceID extracts trace ID from context.
func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}

// GetActor extracts the authenticated subject from context.
func GetActor(ctx context.Context) string {
	if v, ok := ctx.Value(ActorKey).(string); ok {
		return v
	}
	return ""
}
