package main

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	body   *bytes.Buffer
}

func (lrw *loggingResponseWriter) WriteHeader(status int) {
	lrw.status = status
	lrw.ResponseWriter.WriteHeader(status)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	lrw.body.Write(b)
	return lrw.ResponseWriter.Write(b)
}

func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var requestBody bytes.Buffer
			body, err := io.ReadAll(io.TeeReader(r.Body, &requestBody))
			if err != nil {
				logger.Error("Error reading request body", "error", err)
			}
			r.Body = io.NopCloser(&requestBody)

			lrw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK, body: &bytes.Buffer{}}
			next.ServeHTTP(lrw, r)

			logger.Info("Request handled",
				"method", r.Method,
				"path", r.URL.Path,
				"idempotencyKey", r.Header.Get("Idempotency-Key"),
				"requestBody", string(body),
				"status", lrw.status,
				"responseBody", lrw.body.String())
		})
	}
}

// requireBearer rejects calls without the configured secret key.
func requireBearer(secretKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secretKey != "" && r.Header.Get("Authorization") != "Bearer "+secretKey {
				writeError(w, http.StatusUnauthorized, "authentication_required", "invalid api key", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type cachedResponse struct {
	status int
	header http.Header
	body   []byte
}

// idempotencyMiddleware replays the first response recorded for an
// Idempotency-Key instead of running the handler again.
func idempotencyMiddleware(next http.Handler) http.Handler {
	var (
		mu        sync.Mutex
		responses = make(map[string]cachedResponse)
	)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		key = r.URL.Path + " " + key

		mu.Lock()
		cached, ok := responses[key]
		mu.Unlock()
		if ok {
			for k, v := range cached.header {
				w.Header()[k] = v
			}
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(cached.status)
			w.Write(cached.body)
			return
		}

		lrw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK, body: &bytes.Buffer{}}
		next.ServeHTTP(lrw, r)

		mu.Lock()
		responses[key] = cachedResponse{status: lrw.status, header: w.Header().Clone(), body: lrw.body.Bytes()}
		mu.Unlock()
	})
}
