// Package admission gates every inbound operation: a sliding-window
// rate limiter in front of the gateway and a circuit breaker in front
// of the backing store.
package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Ghostmonday/synapse-gateway/internal/ledger"
	"github.com/Ghostmonday/synapse-gateway/pkg/log"
)

// Class is the operation class a budget applies to.
type Class string

const (
	ClassConnect  Class = "connect"
	ClassMessage  Class = "message"
	ClassPresence Class = "presence"
)

// Ceiling is one budget: at most Limit operations per Window.
type Ceiling struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// LimiterConfig holds the coarse per-IP ceiling and the finer per-user,
// per-class ceilings. Both apply simultaneously.
type LimiterConfig struct {
	IPCeiling           Ceiling           `mapstructure:"ip_ceiling"`
	UserCeilings        map[Class]Ceiling `mapstructure:"user_ceilings"`
	DegradedLogInterval time.Duration     `mapstructure:"degraded_log_interval"`
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Degraded   bool
}

// Limiter is a sliding-window counter keyed by (identity, class).
// When the counter store is unreachable the limiter fails open:
// the operation is allowed and a degraded-mode ledger entry is written.
type Limiter struct {
	cfg   LimiterConfig
	store CounterStore
	audit *ledger.Ledger
	now   func() time.Time

	degradedMu     sync.Mutex
	lastDegradedAt time.Time
}

func NewLimiter(cfg LimiterConfig, store CounterStore, audit *ledger.Ledger) *Limiter {
	return &Limiter{cfg: cfg, store: store, audit: audit, now: time.Now}
}

// Allow checks the coarse IP ceiling and, for authenticated operations,
// the per-user ceiling for the class. The first exceeded ceiling
// rejects with a retry-after hint; the connection is never closed here.
func (l *Limiter) Allow(ctx context.Context, ip, userID string, class Class) Decision {
	// A degraded IP check still falls through to the user ceiling:
	// the stores may be split one day, and one failing counter must
	// not switch off the other ceiling.
	degraded := false
	if ip != "" && l.cfg.IPCeiling.Limit > 0 {
		d := l.check(ctx, "ip:"+ip, l.cfg.IPCeiling)
		if !d.Allowed {
			return d
		}
		degraded = d.Degraded
	}

	if userID != "" {
		if ceiling, ok := l.cfg.UserCeilings[class]; ok && ceiling.Limit > 0 {
			d := l.check(ctx, fmt.Sprintf("user:%s:%s", userID, class), ceiling)
			d.Degraded = d.Degraded || degraded
			return d
		}
	}

	return Decision{Allowed: true, Degraded: degraded}
}

func (l *Limiter) check(ctx context.Context, key string, ceiling Ceiling) Decision {
	now := l.now()
	windowSec := int64(ceiling.Window / time.Second)
	if windowSec <= 0 {
		windowSec = 1
	}
	bucket := now.Unix() / windowSec

	cur, prev, err := l.store.Incr(ctx, key, bucket, ceiling.Window)
	if err != nil {
		l.recordDegraded(ctx, key, err)
		return Decision{Allowed: true, Degraded: true}
	}

	// Weighted two-bucket estimate: the previous bucket contributes the
	// fraction of the window it still overlaps.
	elapsed := float64(now.Unix()%windowSec) / float64(windowSec)
	estimate := float64(prev)*(1-elapsed) + float64(cur)

	if estimate > float64(ceiling.Limit) {
		remaining := time.Duration(windowSec-now.Unix()%windowSec) * time.Second
		return Decision{Allowed: false, RetryAfter: remaining}
	}
	return Decision{Allowed: true}
}

// recordDegraded writes one admission.degraded ledger entry per
// configured interval so a flapping counter store cannot flood the
// ledger.
func (l *Limiter) recordDegraded(ctx context.Context, key string, cause error) {
	log.Ctx(ctx).Warn().Err(cause).Str("key", key).Msg("limiter counter store unreachable, failing open")

	l.degradedMu.Lock()
	interval := l.cfg.DegradedLogInterval
	if interval <= 0 {
		interval = time.Minute
	}
	if l.now().Sub(l.lastDegradedAt) < interval {
		l.degradedMu.Unlock()
		return
	}
	l.lastDegradedAt = l.now()
	l.degradedMu.Unlock()

	if l.audit == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"key": key, "cause": cause.Error()})
	if _, err := l.audit.Append(ctx, ledger.EventAdmissionDegraded, "", "", payload, "limiter"); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to record degraded-mode ledger entry")
	}
}
