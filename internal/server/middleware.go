package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/autotara/internal/domain"
)

// Header names read and written by the middleware chain.
const (
	HeaderRequestID = "X-Request-ID"
	HeaderWorkspace = "X-Workspace"
)

// exchange is the per-request record the chain threads through the context.
// Handlers annotate it; AccessLog reads it once they return.
type exchange struct {
	id        string
	workspace string
	started   time.Time

	mu    sync.Mutex
	attrs []slog.Attr
}

type exchangeKey struct{}

func exchangeFrom(ctx context.Context) *exchange {
	x, _ := ctx.Value(exchangeKey{}).(*exchange)
	return x
}

func (x *exchange) annotate(a slog.Attr) {
	x.mu.Lock()
	x.attrs = append(x.attrs, a)
	x.mu.Unlock()
}

// Tag opens the exchange for a request. An inbound X-Request-ID that is a
// UUID is kept so a client can correlate retries of the same stage run;
// anything else is replaced.
func Tag(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		x := &exchange{
			id:        id,
			workspace: r.Header.Get(HeaderWorkspace),
			started:   time.Now(),
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), exchangeKey{}, x)))
	})
}

// RequestID returns the ID Tag assigned, or "".
func RequestID(ctx context.Context) string {
	if x := exchangeFrom(ctx); x != nil {
		return x.id
	}
	return ""
}

// Annotate adds a field to the request's access log line. Empty values and
// requests outside Tag are ignored.
func Annotate(ctx context.Context, key, value string) {
	x := exchangeFrom(ctx)
	if x == nil || value == "" {
		return
	}
	x.annotate(slog.String(key, value))
}

// AnnotateError records a failed request's error on the access log line,
// with its taxonomy kind and cause when it carries one.
func AnnotateError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	Annotate(ctx, "error", err.Error())
	var e *domain.Error
	if errors.As(err, &e) {
		Annotate(ctx, "error_kind", string(e.Kind))
		Annotate(ctx, "error_cause", string(e.Cause))
	}
}

// AccessLog writes one line per request after the handler returns. Server
// errors log at error level, client errors at warn.
func AccessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			x := exchangeFrom(r.Context())
			if x == nil {
				x = &exchange{started: time.Now()}
			}
			status := rec.code()
			attrs := []slog.Attr{
				slog.String("request_id", x.id),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("bytes", rec.written),
				slog.Duration("duration", time.Since(x.started)),
			}
			if x.workspace != "" {
				attrs = append(attrs, slog.String("workspace", x.workspace))
			}
			x.mu.Lock()
			attrs = append(attrs, x.attrs...)
			x.mu.Unlock()

			level := slog.LevelInfo
			switch {
			case status >= http.StatusInternalServerError:
				level = slog.LevelError
			case status >= http.StatusBadRequest:
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, "request", attrs...)
		})
	}
}

// Deadline bounds the request context. A stage run past its deadline
// returns a timeout while its generation finishes in the background; the
// access log notes that the deadline fired. Zero disables the bound.
func Deadline(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				Annotate(ctx, "deadline", d.String())
			}
		})
	}
}

// statusRecorder captures the status code and body size.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.written += n
	return n, err
}

func (s *statusRecorder) code() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
