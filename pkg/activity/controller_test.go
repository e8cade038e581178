package activity

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratehq/substrate/pkg/errdefs"
)

// expireRecorder collects expiry callbacks and scripts their return value
type expireRecorder struct {
	mu    sync.Mutex
	calls []string
	done  bool
}

func (r *expireRecorder) fn(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id)
	return r.done
}

func (r *expireRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestRegisterAndPing(t *testing.T) {
	c := NewController(time.Second)
	rec := &expireRecorder{done: true}
	c.Register("r1", time.Hour, rec.fn)

	assert.True(t, c.Monitored("r1"))
	assert.NoError(t, c.Ping("r1"))

	last, err := c.GetLastActivity("r1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), last, time.Second)

	timeout, err := c.GetTimeout("r1")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, timeout)
}

func TestUnknownResource(t *testing.T) {
	c := NewController(time.Second)
	assert.True(t, errdefs.IsNotFound(c.Ping("nope")))
	_, err := c.GetTimeout("nope")
	assert.True(t, errdefs.IsNotFound(err))
	assert.True(t, errdefs.IsNotFound(c.SetTimeout("nope", time.Minute)))
	assert.True(t, errdefs.IsNotFound(c.SetEnabled("nope", false)))
}

func TestSweepExpires(t *testing.T) {
	c := NewController(time.Second)
	rec := &expireRecorder{done: true}
	c.Register("r1", time.Nanosecond, rec.fn)
	time.Sleep(time.Millisecond)

	c.sweep()
	assert.Equal(t, 1, rec.count())
	assert.False(t, c.Monitored("r1"))
}

func TestSweepCooperativeRetry(t *testing.T) {
	c := NewController(time.Second)
	rec := &expireRecorder{done: false} // resource reports busy
	c.Register("r1", time.Nanosecond, rec.fn)
	time.Sleep(time.Millisecond)

	c.sweep()
	assert.Equal(t, 1, rec.count())
	// Busy resources stay registered and are retried
	assert.True(t, c.Monitored("r1"))

	c.sweep()
	assert.Equal(t, 2, rec.count())
}

func TestSweepTieIsNotExpired(t *testing.T) {
	c := NewController(time.Second)
	rec := &expireRecorder{done: true}
	c.Register("r1", 24*time.Hour, rec.fn)

	c.sweep()
	assert.Equal(t, 0, rec.count())
	assert.True(t, c.Monitored("r1"))
}

func TestDisabledTimeoutNeverExpires(t *testing.T) {
	c := NewController(time.Second)
	rec := &expireRecorder{done: true}
	c.Register("r1", 0, rec.fn)
	time.Sleep(time.Millisecond)

	c.sweep()
	assert.Equal(t, 0, rec.count())

	_, enabled, err := c.GetTimeUntilExpire("r1")
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestSetEnabledPausesExpiry(t *testing.T) {
	c := NewController(time.Second)
	rec := &expireRecorder{done: true}
	c.Register("r1", time.Nanosecond, rec.fn)
	require.NoError(t, c.SetEnabled("r1", false))
	time.Sleep(time.Millisecond)

	c.sweep()
	assert.Equal(t, 0, rec.count())

	require.NoError(t, c.SetEnabled("r1", true))
	c.sweep()
	assert.Equal(t, 1, rec.count())
}

func TestGetTimeUntilExpire(t *testing.T) {
	c := NewController(time.Second)
	rec := &expireRecorder{done: true}
	c.Register("r1", time.Hour, rec.fn)

	remaining, enabled, err := c.GetTimeUntilExpire("r1")
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Greater(t, remaining, 59*time.Minute)
}

func TestExpiryPanicIsContained(t *testing.T) {
	c := NewController(time.Second)
	c.Register("r1", time.Nanosecond, func(string) bool {
		panic("boom")
	})
	time.Sleep(time.Millisecond)

	assert.NotPanics(t, func() { c.sweep() })
	// A panicking callback is treated as not-done and retried
	assert.True(t, c.Monitored("r1"))
}

func TestStartStop(t *testing.T) {
	c := NewController(time.Second)
	c.Start()
	c.Stop()
	c.Stop() // idempotent
}
