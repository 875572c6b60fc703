package retry

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BrokerLimiter enforces a process-local, per-broker rate limit on outgoing
// side-effect calls (scrape.rendered, form.submit), as required by spec §5's
// "rate-limiter for outgoing requests is process-local and keyed by broker."
type BrokerLimiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	perHour      int
	burst        int
}

// NewBrokerLimiter builds a limiter allowing perHour events per broker,
// refilled continuously, with a burst of 1 (strict per-broker pacing).
func NewBrokerLimiter(perHour int) *BrokerLimiter {
	if perHour <= 0 {
		perHour = 1
	}
	return &BrokerLimiter{
		limiters: make(map[string]*rate.Limiter),
		perHour:  perHour,
		burst:    1,
	}
}

func (b *BrokerLimiter) limiterFor(brokerID string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.limiters[brokerID]
	if !ok {
		every := time.Hour / time.Duration(b.perHour)
		l = rate.NewLimiter(rate.Every(every), b.burst)
		b.limiters[brokerID] = l
	}
	return l
}

// Allow reports whether a call against brokerID may proceed right now,
// consuming a token if so.
func (b *BrokerLimiter) Allow(brokerID string) bool {
	return b.limiterFor(brokerID).Allow()
}

// Wait blocks until a token for brokerID is available or ctx is done.
func (b *BrokerLimiter) Wait(ctx context.Context, brokerID string) error {
	return b.limiterFor(brokerID).Wait(ctx)
}
