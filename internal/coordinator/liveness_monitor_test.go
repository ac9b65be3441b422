// Package coordinator provides the coordinator-side participant bookkeeping.
// This file contains tests for the liveness monitor.
package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeClock is a settable clock shared by the registry and the monitor.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMonitorFixture(t *testing.T) (*ClientRegistry, *LivenessMonitor, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	registry := NewClientRegistry()
	registry.now = clock.Now

	monitor := NewLivenessMonitor(registry, time.Hour, 30*time.Second, zaptest.NewLogger(t))
	monitor.now = clock.Now
	return registry, monitor, clock
}

// TestNewLivenessMonitor verifies the defaults of a new monitor.
func TestNewLivenessMonitor(t *testing.T) {
	registry := NewClientRegistry()
	monitor := NewLivenessMonitor(registry, 5*time.Second, 30*time.Second, nil)
	defer monitor.Stop()

	assert.Equal(t, 5*time.Second, monitor.interval)
	assert.Equal(t, 30*time.Second, monitor.staleAfter)
	assert.NotNil(t, monitor.logger)
	assert.NotNil(t, monitor.stale)
	assert.Empty(t, monitor.StaleClients())
}

// TestLivenessMonitorFlagsSilentClients verifies a connected client silent for
// longer than the threshold is reported exactly once.
func TestLivenessMonitorFlagsSilentClients(t *testing.T) {
	registry, monitor, clock := newMonitorFixture(t)

	_, err := registry.Register("site-a", "sess-a")
	require.NoError(t, err)
	_, err = registry.Register("site-b", "sess-b")
	require.NoError(t, err)

	var reported []string
	monitor.SetOnStale(func(info ClientInfo) {
		reported = append(reported, info.ID)
	})

	assert.Empty(t, monitor.CheckNow())

	clock.Advance(20 * time.Second)
	registry.Touch("site-b")
	clock.Advance(20 * time.Second)

	assert.Equal(t, []string{"site-a"}, monitor.CheckNow())
	assert.True(t, monitor.IsStale("site-a"))
	assert.False(t, monitor.IsStale("site-b"))

	// already flagged: no second report
	assert.Empty(t, monitor.CheckNow())
	assert.Equal(t, []string{"site-a"}, reported)
}

// TestLivenessMonitorRecovery verifies a stale client heard from again is cleared.
func TestLivenessMonitorRecovery(t *testing.T) {
	registry, monitor, clock := newMonitorFixture(t)
	_, _ = registry.Register("site-a", "sess-a")

	var recovered []string
	monitor.SetOnRecover(func(info ClientInfo) {
		recovered = append(recovered, info.ID)
	})

	clock.Advance(time.Minute)
	monitor.CheckNow()
	require.True(t, monitor.IsStale("site-a"))

	clock.Advance(time.Second)
	registry.Touch("site-a")
	monitor.CheckNow()

	assert.False(t, monitor.IsStale("site-a"))
	assert.Equal(t, []string{"site-a"}, recovered)
}

// TestLivenessMonitorIgnoresDisconnected verifies only connected clients are
// considered and disconnecting forgets the flag.
func TestLivenessMonitorIgnoresDisconnected(t *testing.T) {
	registry, monitor, clock := newMonitorFixture(t)
	_ = registry.AllocateSlot("site-u", "run-1")
	_, _ = registry.Register("site-a", "sess-a")

	clock.Advance(time.Minute)
	assert.Equal(t, []string{"site-a"}, monitor.CheckNow())

	registry.MarkDisconnected("sess-a", "eof")
	monitor.CheckNow()
	assert.Empty(t, monitor.StaleClients())
}

// TestLivenessMonitorDoesNotTouchRuns verifies flagging a client leaves its
// run slots and the barrier untouched.
func TestLivenessMonitorDoesNotTouchRuns(t *testing.T) {
	registry, monitor, clock := newMonitorFixture(t)
	_ = registry.AllocateSlot("site-a", "run-1")
	_ = registry.AllocateSlot("site-b", "run-1")
	_, _ = registry.Register("site-a", "sess-a")
	_, _ = registry.Register("site-b", "sess-b")
	registry.RecordOutput("site-b", "run-1", json.RawMessage(`1`))

	clock.Advance(time.Minute)
	monitor.CheckNow()

	assert.Equal(t, []string{"site-a"}, registry.WaitingOn("run-1"))
	info, _ := registry.Get("site-a")
	assert.Equal(t, StatusConnected, info.Status)
}

// TestLivenessMonitorStartStop verifies the scan loop runs and stops.
func TestLivenessMonitorStartStop(t *testing.T) {
	registry := NewClientRegistry()
	_, _ = registry.Register("site-a", "sess-a")

	monitor := NewLivenessMonitor(registry, 20*time.Millisecond, time.Nanosecond, zaptest.NewLogger(t))

	var mu sync.Mutex
	calls := 0
	monitor.SetOnStale(func(ClientInfo) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx)

	assert.Eventually(t, func() bool { return monitor.IsStale("site-a") }, time.Second, 10*time.Millisecond)

	monitor.Stop()

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}
