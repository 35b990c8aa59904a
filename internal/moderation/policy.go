package moderation

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/Ghostmonday/synapse-gateway/pkg/log"
)

// Policy is the versioned moderation configuration. It is immutable
// once published; updates swap the whole struct through PolicySource.
type Policy struct {
	Version int `mapstructure:"version"`

	// FlagThreshold is the toxicity score at or above which a message
	// is flagged for a member in good standing.
	FlagThreshold float64 `mapstructure:"flag_threshold"`

	// CategoryWeights maps a scoring label to the strikes it adds.
	// Unlisted categories use DefaultWeight.
	CategoryWeights map[string]int `mapstructure:"category_weights"`
	DefaultWeight   int            `mapstructure:"default_weight"`

	ProbationStrikes int           `mapstructure:"probation_strikes"`
	BanStrikes       int           `mapstructure:"ban_strikes"`
	ProbationWindow  time.Duration `mapstructure:"probation_window"`

	// ProbationSensitivity multiplies the flag threshold for users on
	// probation. Must be in (0, 1]; values below 1 make flags easier
	// to trigger.
	ProbationSensitivity float64 `mapstructure:"probation_sensitivity"`

	WarningCooldown  time.Duration `mapstructure:"warning_cooldown"`
	WarnAfterStrikes int           `mapstructure:"warn_after_strikes"`
}

// DefaultPolicy returns the shipped governance defaults.
func DefaultPolicy() *Policy {
	return &Policy{
		Version:              1,
		FlagThreshold:        0.8,
		CategoryWeights:      map[string]int{"harassment": 2, "spam": 1},
		DefaultWeight:        1,
		ProbationStrikes:     2,
		BanStrikes:           4,
		ProbationWindow:      24 * time.Hour,
		ProbationSensitivity: 0.5,
		WarningCooldown:      10 * time.Minute,
		WarnAfterStrikes:     1,
	}
}

// Validate rejects policies that would disable or invert escalation.
func (p *Policy) Validate() error {
	if p.FlagThreshold <= 0 || p.FlagThreshold > 1 {
		return fmt.Errorf("flag_threshold %v out of (0,1]", p.FlagThreshold)
	}
	if p.ProbationSensitivity <= 0 || p.ProbationSensitivity > 1 {
		return fmt.Errorf("probation_sensitivity %v out of (0,1]", p.ProbationSensitivity)
	}
	if p.ProbationStrikes <= 0 || p.BanStrikes <= p.ProbationStrikes {
		return fmt.Errorf("ban_strikes %d must exceed probation_strikes %d", p.BanStrikes, p.ProbationStrikes)
	}
	if p.DefaultWeight <= 0 {
		return fmt.Errorf("default_weight must be positive")
	}
	return nil
}

// Weight returns the strike weight for a scoring category.
func (p *Policy) Weight(category string) int {
	if w, ok := p.CategoryWeights[category]; ok && w > 0 {
		return w
	}
	return p.DefaultWeight
}

// PolicySource holds the live policy behind a single atomic pointer so
// readers on the hot path never take a lock.
type PolicySource struct {
	current atomic.Pointer[Policy]
}

func NewPolicySource(p *Policy) *PolicySource {
	s := &PolicySource{}
	s.current.Store(p)
	return s
}

// Current returns the live policy. The returned struct must not be
// mutated.
func (s *PolicySource) Current() *Policy {
	return s.current.Load()
}

// Swap publishes a new policy after validation.
func (s *PolicySource) Swap(p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.current.Store(p)
	return nil
}

// LoadPolicyFile reads a policy yaml file.
func LoadPolicyFile(path string) (*Policy, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	p := DefaultPolicy()
	if err := v.Unmarshal(p); err != nil {
		return nil, fmt.Errorf("decode policy file: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Watch reloads the policy file whenever it changes. An invalid or
// unreadable file keeps the current policy in place.
func (s *PolicySource) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy watcher: %w", err)
	}
	// Watch the directory: editors replace files rather than writing
	// in place, which drops the watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("policy watcher: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				p, err := LoadPolicyFile(path)
				if err != nil {
					log.L().Error().Err(err).Str("path", path).Msg("policy reload rejected, keeping current policy")
					continue
				}
				if err := s.Swap(p); err != nil {
					log.L().Error().Err(err).Msg("policy reload rejected, keeping current policy")
					continue
				}
				log.L().Info().Int("version", p.Version).Msg("moderation policy reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.L().Error().Err(err).Msg("policy watcher error")
			}
		}
	}()

	return nil
}
