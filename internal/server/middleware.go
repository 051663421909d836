package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// requestInfo is filled in by inner handlers and read back by the request
// logger once the response is written.
type requestInfo struct {
	operator string
}

type requestInfoKey struct{}

func withRequestInfo(ctx context.Context) (context.Context, *requestInfo) {
	info := &requestInfo{}
	return context.WithValue(ctx, requestInfoKey{}, info), info
}

// setOperator records the admin token subject on the current request.
func setOperator(ctx context.Context, subject string) {
	if info, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		info.operator = subject
	}
}

// requestLogger logs one record per request. Server errors log at error,
// rejected requests at warn.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx, info := withRequestInfo(r.Context())
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				status := ww.Status()
				level := slog.LevelInfo
				switch {
				case status >= http.StatusInternalServerError:
					level = slog.LevelError
				case status >= http.StatusBadRequest:
					level = slog.LevelWarn
				}
				attrs := []any{
					"method", r.Method,
					"path", r.URL.Path,
					"status", status,
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", middleware.GetReqID(ctx),
				}
				if info.operator != "" {
					attrs = append(attrs, "operator", info.operator)
				}
				logger.Log(ctx, level, "request", attrs...)
			}()

			next.ServeHTTP(ww, r.WithContext(ctx))
		})
	}
}
