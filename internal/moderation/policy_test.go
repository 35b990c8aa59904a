package moderation

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Policy)
		ok     bool
	}{
		{"defaults", func(*Policy) {}, true},
		{"zero threshold", func(p *Policy) { p.FlagThreshold = 0 }, false},
		{"sensitivity above one", func(p *Policy) { p.ProbationSensitivity = 1.5 }, false},
		{"ban below probation", func(p *Policy) { p.BanStrikes = 1 }, false},
		{"zero default weight", func(p *Policy) { p.DefaultWeight = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(p)
			err := p.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestWeightFallsBackToDefault(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 2, p.Weight("harassment"))
	assert.Equal(t, 1, p.Weight("something-new"))
}

func TestLoadPolicyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "moderation.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: 7
flag_threshold: 0.6
probation_strikes: 3
ban_strikes: 6
probation_sensitivity: 0.25
category_weights:
  harassment: 3
`), 0o644))

	p, err := LoadPolicyFile(path)
	require.NoError(t, err)
	assert.Equal(t, 7, p.Version)
	assert.Equal(t, 0.6, p.FlagThreshold)
	assert.Equal(t, 3, p.Weight("harassment"))
	assert.Equal(t, 1, p.Weight("spam"), "unlisted categories use the default weight")
	assert.Equal(t, 6, p.BanStrikes)
}

func TestSwapRejectsInvalidPolicy(t *testing.T) {
	s := NewPolicySource(DefaultPolicy())
	bad := DefaultPolicy()
	bad.ProbationSensitivity = 0

	require.Error(t, s.Swap(bad))
	assert.Equal(t, 1, s.Current().Version, "current policy stays in place")
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "moderation.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 1\n"), 0o644))

	src := NewPolicySource(DefaultPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, src.Watch(ctx, path))

	require.NoError(t, os.WriteFile(path, []byte("version: 2\nflag_threshold: 0.7\n"), 0o644))

	require.Eventually(t, func() bool {
		return src.Current().Version == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0.7, src.Current().FlagThreshold)
}

func TestWatchKeepsPolicyOnInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "moderation.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 1\n"), 0o644))

	src := NewPolicySource(DefaultPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, src.Watch(ctx, path))

	require.NoError(t, os.WriteFile(path, []byte("flag_threshold: 99\n"), 0o644))

	// Give the watcher a moment; the invalid policy must never land.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0.8, src.Current().FlagThreshold)
}
