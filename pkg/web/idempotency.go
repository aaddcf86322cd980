package web

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	// IdempotentReplayedHeader marks a response replayed from an earlier request.
	IdempotentReplayedHeader = "Idempotent-Replayed"
)

// StoredResponse is the outcome of a completed request, kept for replay.
type StoredResponse struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

// IdempotencyStore claims request keys for a limited time.
type IdempotencyStore interface {
	// Reserve claims key. If the key is already claimed it returns false, plus the
	// stored response once the first request has completed.
	Reserve(ctx context.Context, key string) (bool, *StoredResponse, error)
	// Complete records the response of the request holding key.
	Complete(ctx context.Context, key string, resp StoredResponse) error
	// Release frees key so the request can be sent again.
	Release(ctx context.Context, key string) error
}

// Idempotency deduplicates requests carrying an Idempotency-Key per caller and route.
// A successful response is stored and replayed for a repeated key. Any other response
// releases the key, since nothing was committed, so the caller can retry with the
// same key. A repeat that arrives while the first request is still running gets 409.
// Requests without the header pass through. If the store is unreachable the request
// is served without deduplication.
func Idempotency(store IdempotencyStore, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyKeyHeader)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if userID, ok := UserIDFromContext(r.Context()); ok {
				key = strconv.FormatInt(userID, 10) + ":" + key
			}
			key = r.Method + ":" + r.URL.Path + ":" + key

			reserved, stored, err := store.Reserve(r.Context(), key)
			if err != nil {
				logger.WarnContext(r.Context(), "idempotency store unavailable, serving without deduplication", slog.Any("error", err))
				next.ServeHTTP(w, r)
				return
			}
			if !reserved {
				if stored == nil {
					RespondError(w, logger, http.StatusConflict, "Request with this Idempotency-Key is still being processed")
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(IdempotentReplayedHeader, "true")
				w.WriteHeader(stored.Status)
				if _, err := w.Write(stored.Body); err != nil {
					logger.ErrorContext(r.Context(), "failed to write replayed response", slog.Any("error", err))
				}
				return
			}

			var body bytes.Buffer
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&body)
			next.ServeHTTP(ww, r)

			ctx := context.WithoutCancel(r.Context())
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if status >= http.StatusOK && status < http.StatusMultipleChoices {
				if err := store.Complete(ctx, key, StoredResponse{Status: status, Body: body.Bytes()}); err != nil {
					logger.WarnContext(r.Context(), "failed to store idempotent response", slog.Any("error", err))
				}
				return
			}
			if err := store.Release(ctx, key); err != nil {
				logger.WarnContext(r.Context(), "failed to release idempotency key", slog.Any("error", err))
			}
		})
	}
}
