package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Adjust returns the change to apply to the fetch concurrency after one period.
// It reacts to how throughput moved, not to its absolute level:
// a stall or a sharp slowdown raises concurrency, a sharp speed-up lowers it.
func Adjust(current, previous, first int64, queueEmpty bool) int {
	cur, prev, base := float64(current), float64(previous), float64(first)
	switch {
	case queueEmpty:
		return 0
	case current < 2:
		return 8
	case cur < prev/2:
		if cur < base/4 {
			return 6
		}
		return 4
	case cur > prev*4:
		return -4
	case cur > prev*2:
		return -2
	case cur > base:
		return -2
	}
	return 0
}

// Target is the queue whose concurrency is controlled.
type Target interface {
	Concurrency() int
	SetConcurrency(n int)
	// Idle reports that nothing is pending and nothing is in flight.
	Idle() bool
}

// Config bounds the controller.
type Config struct {
	// Min is the floor applied when decreasing.
	Min int
	// Max caps increases; zero means no cap.
	Max int
}

// Controller samples a completed-resource counter every period and adjusts Target.
type Controller struct {
	target Target
	total  func() int64
	cfg    Config
	log    *logrus.Entry

	mu        sync.Mutex
	ticks     int
	lastTotal int64
	first     int64
	previous  int64
}

// NewController creates a controller reading the running total from total.
func NewController(target Target, total func() int64, cfg Config, log *logrus.Entry) *Controller {
	if cfg.Min < 1 {
		cfg.Min = 1
	}
	return &Controller{target: target, total: total, cfg: cfg, log: log.WithField("component", "throttle")}
}

// Tick takes one sample and applies the resulting adjustment. It returns the
// concurrency after the tick.
func (c *Controller) Tick() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.total()
	current := total - c.lastTotal
	c.lastTotal = total
	if c.ticks == 0 {
		c.first = current
		c.previous = current
	}
	c.ticks++

	before := c.target.Concurrency()
	delta := Adjust(current, c.previous, c.first, c.target.Idle())
	c.previous = current
	if delta == 0 {
		return before
	}

	next := before + delta
	if delta < 0 && next < c.cfg.Min {
		next = c.cfg.Min
	}
	if c.cfg.Max > 0 && next > c.cfg.Max {
		next = c.cfg.Max
	}
	if next != before {
		c.target.SetConcurrency(next)
		c.log.WithFields(logrus.Fields{"period_count": current, "first_count": c.first, "from": before, "to": next}).Debug("Adjusted concurrency")
	}
	return next
}

// Run ticks every period until ctx ends. A non-positive period disables the controller.
func (c *Controller) Run(ctx context.Context, period time.Duration) {
	if period <= 0 {
		return
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick()
		}
	}
}
