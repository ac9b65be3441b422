// Package coordinator provides the coordinator-side participant bookkeeping.
// This file implements liveness monitoring layered on the registry's lastSeen stamps.
package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LivenessMonitor periodically scans the client registry and reports
// connected participants that have not been heard from for longer than a
// threshold. It is a caller-side timeout policy: it only reads the registry
// and never changes run or client state; acting on a stale participant is
// left to the onStale callback.
// Thread-safe: All methods are safe for concurrent access.
type LivenessMonitor struct {
	registry   *ClientRegistry        // Source of lastSeen stamps
	stale      map[string]time.Time   // Stale clients and their lastSeen when flagged
	onStale    func(info ClientInfo)  // Callback when a client becomes stale
	onRecover  func(info ClientInfo)  // Callback when a stale client is heard from again
	now        func() time.Time       // Clock, replaced in tests
	logger     *zap.Logger            // Structured logger
	ctx        context.Context        // Context for cancellation
	cancel     context.CancelFunc     // Cancel function for shutdown
	interval   time.Duration          // How often to scan the registry
	staleAfter time.Duration          // Silence tolerated before flagging
	mu         sync.RWMutex           // Protects stale map
	wg         sync.WaitGroup         // Wait group for graceful shutdown
}

// NewLivenessMonitor creates a monitor over registry that scans every
// interval and flags connected clients silent for longer than staleAfter.
//
// Parameters:
//   - registry: Registry to read lastSeen stamps from
//   - interval: How often to scan (recommended: 5s)
//   - staleAfter: Silence tolerated before a client is reported (recommended: 30s)
//   - logger: Structured logger, nil for a no-op logger
//
// Example:
//
//	monitor := NewLivenessMonitor(registry, 5*time.Second, 30*time.Second, logger)
//	go monitor.Start(ctx)
func NewLivenessMonitor(registry *ClientRegistry, interval, staleAfter time.Duration, logger *zap.Logger) *LivenessMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	if logger == nil {
		logger = zap.NewNop()
	}

	return &LivenessMonitor{
		registry:   registry,
		interval:   interval,
		staleAfter: staleAfter,
		stale:      make(map[string]time.Time),
		now:        time.Now,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetOnStale sets the callback invoked once when a client becomes stale.
//
// Example:
//
//	monitor.SetOnStale(func(info ClientInfo) {
//	    logger.Warn("participant silent", zap.String("client_id", info.ID))
//	})
func (m *LivenessMonitor) SetOnStale(callback func(info ClientInfo)) {
	m.onStale = callback
}

// SetOnRecover sets the callback invoked when a stale client is heard from again.
func (m *LivenessMonitor) SetOnRecover(callback func(info ClientInfo)) {
	m.onRecover = callback
}

// Start scans the registry until ctx or the monitor is canceled.
// It blocks; run it in its own goroutine.
func (m *LivenessMonitor) Start(ctx context.Context) {
	m.wg.Add(1)
	defer m.wg.Done()

	if ctx == nil {
		ctx = m.ctx
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("liveness monitor started",
		zap.Duration("interval", m.interval),
		zap.Duration("stale_after", m.staleAfter))

	m.CheckNow()

	for {
		select {
		case <-ticker.C:
			m.CheckNow()
		case <-ctx.Done():
			m.logger.Debug("liveness monitor stopping due to context cancellation")
			return
		case <-m.ctx.Done():
			m.logger.Debug("liveness monitor stopping due to internal cancellation")
			return
		}
	}
}

// Stop cancels the monitoring goroutine and waits for it to complete.
func (m *LivenessMonitor) Stop() {
	m.cancel()
	m.wg.Wait()
	m.logger.Info("liveness monitor stopped")
}

// CheckNow performs one scan and returns the IDs of clients that became
// stale during this scan.
//
// Implementation:
//  1. Snapshot the registry
//  2. Flag connected clients whose lastSeen is older than staleAfter
//  3. Clear flags of clients heard from since they were flagged
//  4. Forget flags of clients that are no longer connected
//  5. Invoke callbacks without holding the lock
func (m *LivenessMonitor) CheckNow() []string {
	now := m.now()
	var newlyStale, recovered []ClientInfo

	m.mu.Lock()
	connected := make(map[string]bool)
	for _, info := range m.registry.List() {
		if info.Status != StatusConnected {
			continue
		}
		connected[info.ID] = true

		flaggedAt, flagged := m.stale[info.ID]
		silent := now.Sub(info.LastSeen) > m.staleAfter
		switch {
		case silent && !flagged:
			m.stale[info.ID] = info.LastSeen
			newlyStale = append(newlyStale, info)
		case flagged && info.LastSeen.After(flaggedAt):
			delete(m.stale, info.ID)
			recovered = append(recovered, info)
		}
	}
	for id := range m.stale {
		if !connected[id] {
			delete(m.stale, id)
		}
	}
	m.mu.Unlock()

	ids := make([]string, 0, len(newlyStale))
	for _, info := range newlyStale {
		ids = append(ids, info.ID)
		m.logger.Warn("participant is stale",
			zap.String("client_id", info.ID),
			zap.Time("last_seen", info.LastSeen),
			zap.Strings("runs", info.Runs))
		if m.onStale != nil {
			m.onStale(info)
		}
	}
	for _, info := range recovered {
		m.logger.Info("participant recovered", zap.String("client_id", info.ID))
		if m.onRecover != nil {
			m.onRecover(info)
		}
	}
	return ids
}

// IsStale reports whether clientID is currently flagged as stale.
func (m *LivenessMonitor) IsStale(clientID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.stale[clientID]
	return ok
}

// StaleClients returns the IDs of every currently flagged client.
func (m *LivenessMonitor) StaleClients() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.stale))
	for id := range m.stale {
		ids = append(ids, id)
	}
	return ids
}
