package ledger

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// NetworkLimiter applies a token bucket per network so identity churn
// cannot flood one RPC endpoint. A nil limiter never waits.
type NetworkLimiter struct {
	limit rate.Limit
	burst int
	mu    sync.Mutex
	byNet map[int64]*rate.Limiter
}

// NewNetworkLimiter returns nil if args are invalid.
func NewNetworkLimiter(rps float64, burst int) *NetworkLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &NetworkLimiter{
		limit: rate.Limit(rps),
		burst: burst,
		byNet: make(map[int64]*rate.Limiter),
	}
}

func (l *NetworkLimiter) Wait(ctx context.Context, network int64) error {
	if l == nil {
		return nil
	}
	return l.limiter(network).Wait(ctx)
}

func (l *NetworkLimiter) Allow(network int64) bool {
	if l == nil {
		return true
	}
	return l.limiter(network).Allow()
}

func (l *NetworkLimiter) limiter(network int64) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.byNet[network]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.byNet[network] = lim
	}
	return lim
}
