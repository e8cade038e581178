package activity

import (
	"sync"
	"time"

	"github.com/substratehq/substrate/pkg/errdefs"
	"github.com/substratehq/substrate/pkg/log"
)

// ExpireFunc is invoked when a resource's idle timeout elapses. It returns
// true when the resource was dealt with (offloaded or destroyed) and should
// be unregistered; returning false means the resource was busy and the
// controller retries on a later sweep.
type ExpireFunc func(id string) bool

type entry struct {
	lastActivity time.Time
	timeout      time.Duration
	enabled      bool
	onExpire     ExpireFunc
}

// Controller tracks per-resource idle timers with a single periodic
// sweeper, so the number of runtime timers stays at one regardless of the
// number of registered resources.
type Controller struct {
	mu      sync.Mutex
	entries map[string]*entry

	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewController creates a controller sweeping at the given interval.
// Intervals below one second are clamped to one second.
func NewController(interval time.Duration) *Controller {
	if interval < time.Second {
		interval = time.Second
	}
	return &Controller{
		entries:  make(map[string]*entry),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the sweep loop
func (c *Controller) Start() {
	go c.run()
}

// Stop stops the sweep loop
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Register adds a resource. A timeout <= 0 disables expiry for it.
func (c *Controller) Register(id string, timeout time.Duration, onExpire ExpireFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = &entry{
		lastActivity: time.Now(),
		timeout:      timeout,
		enabled:      true,
		onExpire:     onExpire,
	}
}

// Unregister removes a resource
func (c *Controller) Unregister(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Ping resets a resource's idle clock
func (c *Controller) Ping(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return errdefs.NotFound("resource %q is not activity-monitored", id)
	}
	e.lastActivity = time.Now()
	return nil
}

// GetLastActivity returns the last recorded activity time
func (c *Controller) GetLastActivity(id string) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return time.Time{}, errdefs.NotFound("resource %q is not activity-monitored", id)
	}
	return e.lastActivity, nil
}

// GetTimeout returns the configured idle timeout
func (c *Controller) GetTimeout(id string) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return 0, errdefs.NotFound("resource %q is not activity-monitored", id)
	}
	return e.timeout, nil
}

// SetTimeout updates the idle timeout. A value <= 0 disables expiry.
func (c *Controller) SetTimeout(id string, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return errdefs.NotFound("resource %q is not activity-monitored", id)
	}
	e.timeout = timeout
	return nil
}

// GetTimeUntilExpire returns the remaining idle budget. Zero or negative
// means the next sweep may expire the resource; resources with disabled
// expiry report a negative duration and false.
func (c *Controller) GetTimeUntilExpire(id string) (time.Duration, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return 0, false, errdefs.NotFound("resource %q is not activity-monitored", id)
	}
	if e.timeout <= 0 || !e.enabled {
		return -1, false, nil
	}
	return time.Until(e.lastActivity.Add(e.timeout)), true, nil
}

// SetEnabled pauses or resumes expiry for a resource. Disabling preserves
// lastActivity.
func (c *Controller) SetEnabled(id string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return errdefs.NotFound("resource %q is not activity-monitored", id)
	}
	e.enabled = enabled
	return nil
}

// Monitored reports whether a resource is registered
func (c *Controller) Monitored(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

func (c *Controller) run() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopCh:
			return
		}
	}
}

// sweep collects expired ids under the lock, then invokes callbacks outside
// it so an onExpire that re-enters the controller cannot deadlock.
func (c *Controller) sweep() {
	now := time.Now()
	type expired struct {
		id string
		fn ExpireFunc
	}
	var hits []expired

	c.mu.Lock()
	for id, e := range c.entries {
		if !e.enabled || e.timeout <= 0 {
			continue
		}
		// now == lastActivity+timeout is not yet expired
		if now.After(e.lastActivity.Add(e.timeout)) {
			hits = append(hits, expired{id, e.onExpire})
		}
	}
	c.mu.Unlock()

	for _, h := range hits {
		if c.invoke(h.id, h.fn) {
			c.Unregister(h.id)
		}
	}
}

// invoke wraps the expiry callback so a panic cannot kill the sweeper
func (c *Controller) invoke(id string, fn ExpireFunc) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			log.WithComponent("activity").Error().
				Str("resource_id", id).
				Any("panic", r).
				Msg("expiry callback panicked")
			done = false
		}
	}()
	return fn(id)
}
