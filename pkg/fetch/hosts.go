package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const defaultPerHost = 4

type hostSlot struct {
	sem       *semaphore.Weighted
	users     int64     // holders plus waiters
	idleSince time.Time // set when users drops to zero
}

// HostLimits caps in-flight requests per host. Slots of hosts nobody has used
// for a while are pruned so long runs over many hosts stay small.
type HostLimits struct {
	mu      sync.Mutex
	slots   map[string]*hostSlot
	perHost int64
	log     *logrus.Entry
}

// NewHostLimits allows perHost concurrent requests to each host; non-positive means 4.
func NewHostLimits(perHost int, log *logrus.Entry) *HostLimits {
	if perHost <= 0 {
		log.Warnf("max_requests_per_host invalid or zero, defaulting to %d", defaultPerHost)
		perHost = defaultPerHost
	}
	return &HostLimits{
		slots:   make(map[string]*hostSlot),
		perHost: int64(perHost),
		log:     log,
	}
}

// Acquire blocks until a request to host may start or ctx ends.
func (h *HostLimits) Acquire(ctx context.Context, host string) error {
	h.mu.Lock()
	slot := h.slots[host]
	if slot == nil {
		slot = &hostSlot{sem: semaphore.NewWeighted(h.perHost)}
		h.slots[host] = slot
	}
	slot.users++
	h.mu.Unlock()

	err := slot.sem.Acquire(ctx, 1)
	if err != nil {
		h.leave(host, slot)
	}
	return err
}

// Release frees the slot taken by a successful Acquire.
func (h *HostLimits) Release(host string) {
	h.mu.Lock()
	slot := h.slots[host]
	h.mu.Unlock()
	if slot == nil {
		h.log.Errorf("Release for host without a slot: %s", host)
		return
	}
	slot.sem.Release(1)
	h.leave(host, slot)
}

func (h *HostLimits) leave(host string, slot *hostSlot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	slot.users--
	if slot.users == 0 {
		slot.idleSince = time.Now()
	}
}

// InFlight returns the holders and waiters of host.
func (h *HostLimits) InFlight(host string) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if slot := h.slots[host]; slot != nil {
		return slot.users
	}
	return 0
}

// Hosts returns how many hosts currently have a slot.
func (h *HostLimits) Hosts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.slots)
}

// Prune drops the slots of hosts idle for at least maxIdle and returns how many.
func (h *HostLimits) Prune(maxIdle time.Duration) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	pruned := 0
	for host, slot := range h.slots {
		if slot.users == 0 && !slot.idleSince.IsZero() && now.Sub(slot.idleSince) >= maxIdle {
			delete(h.slots, host)
			pruned++
		}
	}
	if pruned > 0 {
		h.log.Debugf("Pruned %d idle host slot(s), %d remain", pruned, len(h.slots))
	}
	return pruned
}
