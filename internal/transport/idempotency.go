package transport

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/hrflow/internal/idempotency"
	"github.com/pitabwire/hrflow/internal/observability"
	"github.com/pitabwire/hrflow/model"
)

// IdempotencyKeyHeader carries the client-chosen key of a mutating call.
const IdempotencyKeyHeader = "X-Idempotency-Key"

// IdempotentReplayHeader is set on responses replayed from the store.
const IdempotentReplayHeader = "X-Idempotent-Replay"

const maxIdempotencyKeyLen = 128

// Idempotency returns middleware that replays the recorded response of a
// mutating call whose X-Idempotency-Key was seen before for the same caller
// and path. Reusing a key with a different body is a CONFLICT. Calls without
// the header pass through. Server errors are not recorded so they can be
// retried.
func Idempotency(store idempotency.Store, ttl time.Duration, metrics *observability.Metrics, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get(IdempotencyKeyHeader)
			if clientKey == "" || r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			if len(clientKey) > maxIdempotencyKeyLen {
				WriteError(w, model.NewFieldError(IdempotencyKeyHeader, "max", "idempotency key is too long"))
				return
			}
			rctx := model.RequestContextFrom(r.Context())
			if rctx == nil {
				WriteError(w, model.NewUnauthorizedError("missing request context"))
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				WriteError(w, model.NewBadRequestError("unreadable request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			key := idempotency.FormatKey(rctx.SubjectID, r.Method+" "+r.URL.Path, clientKey)
			hash := idempotency.HashInput(body)
			log := observability.RequestLogger(r.Context(), logger)

			prev, found, err := store.Check(r.Context(), key, hash)
			switch {
			case err != nil && found:
				WriteError(w, err)
				return
			case err != nil:
				// Store unreachable: serve the call without deduplication.
				log.Warn("idempotency check failed", zap.String("key", key), zap.Error(err))
			case found:
				metrics.RecordIdempotencyReplay()
				w.Header().Set(IdempotentReplayHeader, "true")
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(prev.StatusCode)
				w.Write(prev.Body)
				return
			}

			rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status >= http.StatusInternalServerError {
				return
			}
			resp := idempotency.Response{StatusCode: rec.status, Body: rec.body.Bytes()}
			if err := store.Save(r.Context(), key, hash, resp, ttl); err != nil {
				log.Warn("idempotency save failed", zap.String("key", key), zap.Error(err))
			}
		})
	}
}

// recordingWriter passes the response through while keeping a copy.
type recordingWriter struct {
	http.ResponseWriter
	status  int
	written bool
	body    bytes.Buffer
}

func (w *recordingWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}
