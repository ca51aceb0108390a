package watch

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/site-mirror/pkg/crawler"
	"github.com/Sriram-PR/site-mirror/pkg/orchestrate"
)

func TestParseInterval(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{"30s", 30 * time.Second, false},
		{"5m", 5 * time.Minute, false},
		{"24h", 24 * time.Hour, false},
		{"1d", 24 * time.Hour, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"1d12h", 36 * time.Hour, false},
		{"2d6h30m", 54*time.Hour + 30*time.Minute, false},
		{"0s", 0, true},
		{"d", 0, true},
		{"1x2d", 0, true},
		{"invalid", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseInterval(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestFormatInterval(t *testing.T) {
	tests := []struct {
		input    time.Duration
		expected string
	}{
		{30 * time.Second, "30s"},
		{5 * time.Minute, "5m"},
		{time.Hour, "1h"},
		{90 * time.Minute, "1h30m"},
		{24 * time.Hour, "1d"},
		{36 * time.Hour, "1d12h"},
		{7 * 24 * time.Hour, "7d"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatInterval(tt.input))
		})
	}
}

func TestStateManager_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	sm := NewStateManager(dir)
	require.NoError(t, sm.Load())

	now := time.Now()
	assert.True(t, sm.Due("docs", time.Hour, now), "never mirrored sites are due")

	sm.Record("docs", SiteState{LastRunTime: now, LastRunSuccess: true, Duration: 3 * time.Second, Saved: 12})
	sm.Record("blog", SiteState{LastRunTime: now, ErrorMessage: "boom"})
	assert.False(t, sm.Due("docs", time.Hour, now.Add(59*time.Minute)))
	assert.True(t, sm.Due("docs", time.Hour, now.Add(time.Hour)))
	require.NoError(t, sm.Save())
	assert.FileExists(t, filepath.Join(dir, stateFileName))

	loaded := NewStateManager(dir)
	require.NoError(t, loaded.Load())
	st, ok := loaded.SiteState("docs")
	require.True(t, ok)
	assert.True(t, st.LastRunSuccess)
	assert.EqualValues(t, 12, st.Saved)
	assert.Equal(t, 3*time.Second, st.Duration)
	assert.Len(t, loaded.Sites(), 2)
	assert.Equal(t, "boom", loaded.Sites()["blog"].ErrorMessage)
}

func TestStateManager_InMemory(t *testing.T) {
	sm := NewStateManager("")
	require.NoError(t, sm.Load())
	sm.Record("docs", SiteState{LastRunTime: time.Now()})
	require.NoError(t, sm.Save())
	_, ok := sm.SiteState("docs")
	assert.True(t, ok)
}

func TestScheduler_RunDue(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	var calls [][]string
	run := func(ctx context.Context, keys []string) []orchestrate.SiteResult {
		calls = append(calls, keys)
		var results []orchestrate.SiteResult
		for _, k := range keys {
			r := orchestrate.SiteResult{SiteKey: k, Success: k != "bad", Stats: crawler.Stats{Saved: 3}}
			if !r.Success {
				r.Error = errors.New("unreachable")
			}
			results = append(results, r)
		}
		return results
	}

	state := NewStateManager(t.TempDir())
	s := NewScheduler([]string{"docs", "bad"}, time.Hour, run, state, logrus.NewEntry(logger))
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	results := s.RunDue(context.Background())
	assert.Len(t, results, 2)
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"docs", "bad"}, calls[0])

	st, ok := state.SiteState("bad")
	require.True(t, ok)
	assert.False(t, st.LastRunSuccess)
	assert.Equal(t, "unreachable", st.ErrorMessage)

	now = now.Add(30 * time.Minute)
	assert.Nil(t, s.RunDue(context.Background()), "nothing is due before the interval")
	assert.Len(t, calls, 1)

	now = now.Add(30 * time.Minute)
	s.RunDue(context.Background())
	assert.Len(t, calls, 2)
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	run := func(ctx context.Context, keys []string) []orchestrate.SiteResult {
		cancel()
		return []orchestrate.SiteResult{{SiteKey: keys[0], Error: context.Canceled}}
	}
	state := NewStateManager("")
	s := NewScheduler([]string{"docs"}, time.Hour, run, state, logrus.NewEntry(logger))

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
	_, recorded := state.SiteState("docs")
	assert.False(t, recorded, "interrupted runs are not recorded")
}
