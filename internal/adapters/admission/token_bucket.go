package admission

import (
	"fmt"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/ghalamif/aegisreactor/internal/ports"
)

// TokenBucket caps the admitted arrival rate. Tokens refill lazily at every
// check, so bursts up to Capacity pass and the sustained rate is RefillRate.
type TokenBucket struct {
	lim *rate.Limiter
	now func() time.Time
}

func NewTokenBucket(capacity int, refillPerSecond float64) (*TokenBucket, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("token bucket capacity must be > 0, got %d", capacity)
	}
	if refillPerSecond < 0 || math.IsNaN(refillPerSecond) {
		return nil, fmt.Errorf("token bucket refill rate must be >= 0, got %v", refillPerSecond)
	}
	return &TokenBucket{
		lim: rate.NewLimiter(rate.Limit(refillPerSecond), capacity),
		now: time.Now,
	}, nil
}

// Unlimited returns a gate that admits everything. Used when admission is disabled.
func Unlimited() *TokenBucket {
	return &TokenBucket{lim: rate.NewLimiter(rate.Inf, 0), now: time.Now}
}

func (b *TokenBucket) Allow(cost int) bool {
	if cost <= 0 {
		return true
	}
	return b.lim.AllowN(b.now(), cost)
}

func (b *TokenBucket) Rate() float64 { return float64(b.lim.Limit()) }

func (b *TokenBucket) SetRate(perSecond float64) {
	if perSecond < 0 {
		perSecond = 0
	}
	b.lim.SetLimitAt(b.now(), rate.Limit(perSecond))
}

func (b *TokenBucket) Capacity() int { return b.lim.Burst() }

func (b *TokenBucket) Tokens() float64 {
	if b.lim.Limit() == rate.Inf {
		return math.Inf(1)
	}
	return b.lim.TokensAt(b.now())
}

var _ ports.AdmissionGate = (*TokenBucket)(nil)
