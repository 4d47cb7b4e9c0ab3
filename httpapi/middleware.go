package httpapi

import (
	"bytes"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/signoff-io/signoff/storage"
)

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start))
	})
}

// idempotency replays the stored response verbatim when the caller
// repeats an Idempotency-Key within the TTL, and records the response of
// first-time requests.
func (s *Server) idempotency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		if rec, err := s.store.GetIdempotency(r.Context(), key); err == nil && time.Now().Before(rec.ExpiresAt) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replay", "true")
			w.WriteHeader(rec.StatusCode)
			_, _ = w.Write(rec.Response)
			return
		}

		var buf bytes.Buffer
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ww.Tee(&buf)
		next.ServeHTTP(ww, r)

		now := time.Now().UTC()
		rec := &storage.IdempotencyRecord{
			Key:        key,
			StatusCode: ww.Status(),
			Response:   append([]byte(nil), buf.Bytes()...),
			CreatedAt:  now,
			ExpiresAt:  now.Add(s.config.IdempotencyTTL),
		}
		if err := s.store.PutIdempotency(r.Context(), rec); err != nil {
			s.logger.Warn("failed to record idempotent response", "key", key, "error", err)
		}
	})
}
