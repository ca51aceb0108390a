package fetch

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

// Gate admits one request at a time per permit: a global slot, a per-host
// slot and the host's politeness delay. It is shared between sites.
type Gate struct {
	global         *semaphore.Weighted
	hosts          *HostLimits
	limiter        *RateLimiter
	acquireTimeout time.Duration
	log            *logrus.Entry
}

// NewGate wires the shared request limits together. acquireTimeout bounds the
// wait for the global slot; zero waits until ctx ends.
func NewGate(global *semaphore.Weighted, hosts *HostLimits, limiter *RateLimiter, acquireTimeout time.Duration, log *logrus.Entry) *Gate {
	return &Gate{
		global:         global,
		hosts:          hosts,
		limiter:        limiter,
		acquireTimeout: acquireTimeout,
		log:            log,
	}
}

// Enter blocks until a request to host may start. The returned release func
// must be called once the request finished; it also stamps the host's last
// request time.
func (g *Gate) Enter(ctx context.Context, host string, delay time.Duration) (release func(), err error) {
	acquireCtx := ctx
	if g.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, g.acquireTimeout)
		defer cancel()
	}
	if err := g.global.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, utils.WrapErrorf(utils.ErrSemaphoreTimeout, "global slot for %s after %v", host, g.acquireTimeout)
		}
		return nil, err
	}

	if err := g.hosts.Acquire(ctx, host); err != nil {
		g.global.Release(1)
		return nil, err
	}

	if err := g.limiter.Wait(ctx, host, delay); err != nil {
		g.hosts.Release(host)
		g.global.Release(1)
		return nil, err
	}

	return func() {
		g.limiter.Stamp(host)
		g.hosts.Release(host)
		g.global.Release(1)
	}, nil
}

// HostIdleTimeout is how long per-host state outlives the last request to a host
const HostIdleTimeout = 10 * time.Minute

// RunMaintenance forgets hosts idle for longer than interval until ctx ends.
// Long-lived transports run it so their per-host state stays bounded.
func (g *Gate) RunMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = HostIdleTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Prune(interval)
		}
	}
}

// Prune drops per-host state of hosts idle for at least maxIdle.
func (g *Gate) Prune(maxIdle time.Duration) {
	slots := g.hosts.Prune(maxIdle)
	stamps := g.limiter.Prune(maxIdle)
	if slots+stamps > 0 {
		g.log.Debugf("Gate pruned %d host slot(s) and %d request stamp(s)", slots, stamps)
	}
}

// InFlight returns the requests holding or waiting for a slot of host.
func (g *Gate) InFlight(host string) int64 {
	return g.hosts.InFlight(host)
}
