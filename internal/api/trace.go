package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"caixa/internal/log"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

type ctxKey struct{}

// WithRequestID pins the id used for the next request made with ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// RequestID returns the id pinned in ctx, if any.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return ""
}

// Metrics is a snapshot of outgoing request counters.
type Metrics struct {
	TotalRequests       int64
	FailedRequests      int64
	AverageResponseTime int64 // microseconds, mean over all requests
}

// tracingTransport stamps every request with an id and user agent, waits on
// the rate limiter and logs the outcome.
type tracingTransport struct {
	next      http.RoundTripper
	limiter   *rate.Limiter
	logger    *log.Logger
	userAgent string

	total   atomic.Int64
	failed  atomic.Int64
	elapsed atomic.Int64 // microseconds, summed
}

func newTracingTransport(next http.RoundTripper, limiter *rate.Limiter, logger *log.Logger, userAgent string) *tracingTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &tracingTransport{next: next, limiter: limiter, logger: logger, userAgent: userAgent}
}

func (t *tracingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	id := RequestID(ctx)
	if id == "" {
		id = uuid.NewString()
	}
	// RoundTrippers must not mutate the caller's request.
	req = req.Clone(ctx)
	req.Header.Set(RequestIDHeader, id)
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	start := time.Now()
	resp, err := t.next.RoundTrip(req)
	elapsed := time.Since(start)

	t.record(elapsed)

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	fields := log.NewFields().
		WithRequestID(id).
		WithHTTP(req.Method, req.URL.Path, status, elapsed).
		WithError(err)

	level := slog.LevelDebug
	switch {
	case err != nil || status >= 500:
		level = slog.LevelError
		t.failed.Add(1)
	case status >= 400:
		level = slog.LevelWarn
		t.failed.Add(1)
	}
	t.logger.Log(ctx, level, "API request completed", fields.ToSlice()...)

	return resp, err
}

// record adds one completed request. elapsed is added before total so a
// snapshot never counts a request whose time is missing.
func (t *tracingTransport) record(elapsed time.Duration) {
	t.elapsed.Add(elapsed.Microseconds())
	t.total.Add(1)
}

func (t *tracingTransport) snapshot() Metrics {
	total := t.total.Load()
	m := Metrics{
		TotalRequests:  total,
		FailedRequests: t.failed.Load(),
	}
	if total > 0 {
		m.AverageResponseTime = t.elapsed.Load() / total
	}
	return m
}
