package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/anthev-stack/commpledge-sub001/internal/logcontext"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// ActorHeader carries the authenticated user id set by the gateway in front
// of this service.
const ActorHeader = "X-Actor-ID"

type ctxKey string

const actorKey ctxKey = "actor"

// actorMiddleware puts the caller's identity in the request context. A missing
// header is an anonymous caller.
func actorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if actor := r.Header.Get(ActorHeader); actor != "" {
			ctx = context.WithValue(ctx, actorKey, actor)
			ctx = logcontext.AppendCtx(ctx, slog.String("actor", actor))
		}
		if reqID := middleware.GetReqID(ctx); reqID != "" {
			ctx = logcontext.AppendCtx(ctx, slog.String("requestId", reqID))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey).(string)
	return actor
}

// loggingMiddleware logs each request and records its duration per route.
func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			metrics.GetOrCreateHistogram(`http_request_duration_seconds{route="` + route + `"}`).UpdateDuration(start)

			logger.InfoContext(r.Context(), "Request handled",
				"method", r.Method,
				"route", route,
				"status", ww.Status(),
				"duration", time.Since(start))
		})
	}
}
