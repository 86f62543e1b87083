package middleware

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	apierrors "github.com/karatsubalabs/gitbounties/internal/api/errors"
)

// Recovery turns a handler panic into a 500 INTERNAL_ERROR response. Aborted
// handlers (http.ErrAbortHandler) are re-panicked so net/http drops the
// connection as usual.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				requestID := middleware.GetReqID(r.Context())
				entry := apierrors.NewErrorLogEntry(requestID, apierrors.CodeInternalError, "handler panicked")
				attrs := []any{
					"panic", rec,
					"correlation_id", entry.CorrelationID,
					"error_code", entry.ErrorCode,
					"stack_trace", entry.StackTrace,
					"method", r.Method,
					"path", r.URL.Path,
				}
				if delivery := r.Header.Get("X-GitHub-Delivery"); delivery != "" {
					attrs = append(attrs, "delivery_id", delivery)
				}
				logger.Error(entry.Message, attrs...)

				apierrors.WriteErrorWithRequestID(w, apierrors.NewInternalError("internal server error"), requestID)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
