package api

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// endpoint identifies one upstream model. Sessions generating for different
// datasets against the same endpoint share its budget.
type endpoint struct {
	baseURL string
	model   string
}

type bucket struct {
	limiter *rate.Limiter
	rpm     int
}

// Throttle hands out a token bucket per endpoint
type Throttle struct {
	mu      sync.Mutex
	buckets map[endpoint]bucket
	logger  *slog.Logger
}

// NewThrottle creates an empty throttle
func NewThrottle(logger *slog.Logger) *Throttle {
	return &Throttle{
		buckets: make(map[endpoint]bucket),
		logger:  logger,
	}
}

// limiterFor returns the endpoint's limiter, creating it on first use.
// The first rpm seen for an endpoint wins.
func (t *Throttle) limiterFor(ep endpoint, rpm int) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	if b, ok := t.buckets[ep]; ok {
		if b.rpm != rpm {
			t.logger.Warn("Endpoint already throttled at a different rate",
				"base_url", ep.baseURL,
				"model", ep.model,
				"rpm", b.rpm,
				"ignored_rpm", rpm)
		}
		return b.limiter
	}

	burst := max(5, rpm/5)
	limiter := rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
	t.buckets[ep] = bucket{limiter: limiter, rpm: rpm}
	t.logger.Debug("Throttling endpoint", "base_url", ep.baseURL, "model", ep.model, "rpm", rpm, "burst", burst)
	return limiter
}

// Wait blocks until the endpoint may take another request. A non-positive
// rpm means unthrottled.
func (t *Throttle) Wait(ctx context.Context, baseURL, model string, rpm int) error {
	if rpm <= 0 {
		return ctx.Err()
	}
	return t.limiterFor(endpoint{baseURL: baseURL, model: model}, rpm).Wait(ctx)
}
