package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ghostmonday/synapse-gateway/internal/ledger"
	"github.com/Ghostmonday/synapse-gateway/pkg/log"
)

// ErrOpen is returned when the breaker fails fast without attempting
// the wrapped call.
var ErrOpen = errors.New("circuit open")

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the rolling failure window.
type BreakerConfig struct {
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinSamples   int           `mapstructure:"min_samples"`
	Window       time.Duration `mapstructure:"window"`
	Cooldown     time.Duration `mapstructure:"cooldown"`
	// AlertAfterTrips escalates to an operator alert once the breaker
	// has re-opened this many consecutive times.
	AlertAfterTrips int `mapstructure:"alert_after_trips"`
}

type outcome struct {
	at time.Time
	ok bool
}

// Breaker wraps calls to a downstream dependency. Closed passes calls
// through and counts failures in a rolling window; Open fails fast
// until the cooldown elapses; HalfOpen admits exactly one probe whose
// result decides the next state.
type Breaker struct {
	name  string
	cfg   BreakerConfig
	audit *ledger.Ledger
	now   func() time.Time

	mu       sync.Mutex
	state    State
	window   []outcome
	openedAt time.Time
	probing  bool
	trips    int
}

func NewBreaker(name string, cfg BreakerConfig, audit *ledger.Ledger) *Breaker {
	return &Breaker{name: name, cfg: cfg, audit: audit, now: time.Now}
}

// Do executes fn under the breaker's admission policy.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	callErr := fn(ctx)
	b.settle(ctx, probe, callErr == nil)
	return callErr
}

// State returns the current state, advancing Open to HalfOpen if the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false, fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
		b.state = StateHalfOpen
		b.probing = true
		return true, nil
	case StateHalfOpen:
		if b.probing {
			return false, fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) settle(ctx context.Context, probe, succeeded bool) {
	b.mu.Lock()

	if probe {
		b.probing = false
		if succeeded {
			b.state = StateClosed
			b.window = nil
			b.trips = 0
			b.mu.Unlock()
			log.Ctx(ctx).Info().Str("breaker", b.name).Msg("circuit closed after successful probe")
			return
		}
		// A failed probe is another trip: during a sustained outage
		// these are the only open transitions, and the alert
		// escalation must still fire.
		b.state = StateOpen
		b.openedAt = b.now()
		b.trips++
		trips := b.trips
		b.mu.Unlock()
		b.recordOpen(ctx, 1, 1, trips)
		return
	}

	now := b.now()
	b.window = append(b.window, outcome{at: now, ok: succeeded})
	b.prune(now)

	total, failures := 0, 0
	for _, o := range b.window {
		total++
		if !o.ok {
			failures++
		}
	}

	tripped := false
	if b.state == StateClosed && total >= b.cfg.MinSamples &&
		float64(failures)/float64(total) >= b.cfg.FailureRatio {
		b.state = StateOpen
		b.openedAt = now
		b.trips++
		tripped = true
	}
	trips := b.trips
	b.mu.Unlock()

	if tripped {
		b.recordOpen(ctx, failures, total, trips)
	}
}

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.window) && b.window[i].at.Before(cutoff) {
		i++
	}
	b.window = b.window[i:]
}

func (b *Breaker) recordOpen(ctx context.Context, failures, total, trips int) {
	l := log.Ctx(ctx)
	var evt *zerolog.Event
	if b.cfg.AlertAfterTrips > 0 && trips >= b.cfg.AlertAfterTrips {
		// Sustained unavailability is an operator concern, not just noise.
		evt = l.Error().Str(log.FieldLogType, log.LogTypeAlert)
	} else {
		evt = l.Warn()
	}
	evt.Str("breaker", b.name).
		Int("failures", failures).
		Int("window_total", total).
		Int("consecutive_trips", trips).
		Msg("circuit opened")

	if b.audit == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"breaker":  b.name,
		"failures": failures,
		"total":    total,
	})
	if _, err := b.audit.Append(ctx, ledger.EventCircuitOpen, "", "", payload, "breaker"); err != nil {
		l.Error().Err(err).Msg("failed to record circuit-open ledger entry")
	}
}
