package watch

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-mirror/pkg/orchestrate"
)

// RunFunc mirrors the given sites once and reports a result per site
type RunFunc func(ctx context.Context, siteKeys []string) []orchestrate.SiteResult

// Scheduler refreshes mirrors periodically. Each due site is mirrored afresh;
// runs never overlap.
type Scheduler struct {
	siteKeys []string
	interval time.Duration
	run      RunFunc
	state    *StateManager
	log      *logrus.Entry

	now func() time.Time
}

// NewScheduler creates a scheduler that calls run for the sites due every interval
func NewScheduler(siteKeys []string, interval time.Duration, run RunFunc, state *StateManager, log *logrus.Entry) *Scheduler {
	return &Scheduler{
		siteKeys: siteKeys,
		interval: interval,
		run:      run,
		state:    state,
		log:      log.WithField("component", "watch"),
		now:      time.Now,
	}
}

// Run blocks until ctx ends, mirroring sites as they become due.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.state.Load(); err != nil {
		s.log.Warnf("Failed to load watch state: %v (starting fresh)", err)
	}
	s.log.Infof("Watching %d site(s), refresh every %s", len(s.siteKeys), FormatInterval(s.interval))
	s.logSchedule()

	ticker := time.NewTicker(s.tickInterval())
	defer ticker.Stop()

	for {
		s.RunDue(ctx)
		select {
		case <-ctx.Done():
			s.log.Info("Watch scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunDue mirrors the sites that are due now and records the results.
func (s *Scheduler) RunDue(ctx context.Context) []orchestrate.SiteResult {
	due := s.dueSites()
	if len(due) == 0 || ctx.Err() != nil {
		s.logNextRun()
		return nil
	}

	s.log.Infof("Refreshing %d due site(s): %v", len(due), due)
	results := s.run(ctx, due)
	for _, r := range results {
		if ctx.Err() != nil && !r.Success {
			// An interrupted run is retried at the next start.
			continue
		}
		st := SiteState{
			LastRunTime:    s.now(),
			LastRunSuccess: r.Success,
			Duration:       r.Duration,
			Saved:          r.Stats.Saved,
			Failed:         r.Stats.Failed,
		}
		if r.Error != nil {
			st.ErrorMessage = r.Error.Error()
		}
		s.state.Record(r.SiteKey, st)
	}
	if err := s.state.Save(); err != nil {
		s.log.Errorf("Failed to save watch state: %v", err)
	}
	s.logNextRun()
	return results
}

func (s *Scheduler) dueSites() []string {
	now := s.now()
	var due []string
	for _, key := range s.siteKeys {
		if s.state.Due(key, s.interval, now) {
			due = append(due, key)
		}
	}
	return due
}

// tickInterval checks a tenth of the interval, between one and ten minutes.
func (s *Scheduler) tickInterval() time.Duration {
	return min(max(s.interval/10, time.Minute), 10*time.Minute)
}

func (s *Scheduler) logSchedule() {
	for _, key := range s.siteKeys {
		st, ok := s.state.SiteState(key)
		if !ok {
			s.log.Infof("  %s: never mirrored, runs now", key)
			continue
		}
		status := "success"
		if !st.LastRunSuccess {
			status = "failed"
		}
		s.log.Infof("  %s: last run %s (%s, %d saved), next run %s",
			key, st.LastRunTime.Format(time.RFC3339), status, st.Saved,
			s.state.NextRun(key, s.interval).Format(time.RFC3339))
	}
}

func (s *Scheduler) logNextRun() {
	if len(s.siteKeys) == 0 {
		return
	}
	keys := slices.Clone(s.siteKeys)
	slices.SortFunc(keys, func(a, b string) int {
		return s.state.NextRun(a, s.interval).Compare(s.state.NextRun(b, s.interval))
	})
	next := s.state.NextRun(keys[0], s.interval)
	until := max(next.Sub(s.now()), 0)
	s.log.Infof("Next refresh: %s in %v", keys[0], until.Round(time.Second))
}

// FormatInterval formats a duration with a day unit, e.g. 1d12h.
func FormatInterval(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	days := int(d / (24 * time.Hour))
	hours := int(d/time.Hour) % 24
	mins := int(d/time.Minute) % 60

	var b strings.Builder
	if days > 0 {
		fmt.Fprintf(&b, "%dd", days)
	}
	if hours > 0 {
		fmt.Fprintf(&b, "%dh", hours)
	}
	if mins > 0 && days == 0 {
		fmt.Fprintf(&b, "%dm", mins)
	}
	return b.String()
}

// ParseInterval parses a duration that may start with a day count, e.g. 7d or 1d12h.
func ParseInterval(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return 0, fmt.Errorf("interval must be positive: %s", s)
		}
		return d, nil
	}

	dayPart, rest, found := strings.Cut(s, "d")
	var days int
	if !found || dayPart == "" {
		return 0, fmt.Errorf("invalid interval format: %s (examples: 30m, 1h, 24h, 7d)", s)
	}
	if _, err := fmt.Sscanf(dayPart, "%d", &days); err != nil || days <= 0 || fmt.Sprint(days) != dayPart {
		return 0, fmt.Errorf("invalid interval format: %s (examples: 30m, 1h, 24h, 7d)", s)
	}
	d := time.Duration(days) * 24 * time.Hour
	if rest != "" {
		extra, err := time.ParseDuration(rest)
		if err != nil {
			return 0, fmt.Errorf("invalid interval format: %s", s)
		}
		d += extra
	}
	return d, nil
}
