// Package missedcache keeps the last message sent for every run so that a
// participant which reconnects or lags behind can be answered without
// restarting the computation.
package missedcache

import (
	"errors"
	"sync"

	"github.com/dreamware/consortium/internal/cluster"
)

// ErrEntryNotFound is returned when no message was sent yet for a run
var ErrEntryNotFound = errors.New("missed cache entry not found")

// Entry is the most recent message sent for a run and where in the
// pipeline it was produced
type Entry struct {
	Message        cluster.RunMessage // Message as sent
	PipelineStep   int                // Index of the pipeline step
	ControllerStep int                // Controller iteration within the step
}

// Cache defines the interface for the per-run last-message store
// All implementations must be thread-safe for concurrent access
type Cache interface {
	// Get returns the entry for a run
	// Returns ErrEntryNotFound if nothing was sent for the run
	Get(runID string) (Entry, error)

	// Put records the entry for a run
	// Overwrites any previous entry, only one step back is kept
	Put(runID string, entry Entry) error
}

// MemoryCache implements Cache with an in-memory map
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryCache struct {
	mu      sync.RWMutex     // Protects concurrent access
	entries map[string]Entry // runID -> last sent message
}

// NewMemoryCache creates a new in-memory cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]Entry),
	}
}

// Get returns the entry for a run
// The returned message output is a copy
func (m *MemoryCache) Get(runID string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.entries[runID]
	if !exists {
		return Entry{}, ErrEntryNotFound
	}
	return cloneEntry(entry), nil
}

// Put records the entry for a run
// Makes a copy of the output to prevent external modification
func (m *MemoryCache) Put(runID string, entry Entry) error {
	if runID == "" {
		return cluster.ErrEmptyRunID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[runID] = cloneEntry(entry)
	return nil
}

func cloneEntry(entry Entry) Entry {
	if entry.Message.Output != nil {
		out := make([]byte, len(entry.Message.Output))
		copy(out, entry.Message.Output)
		entry.Message.Output = out
	}
	if entry.Message.Error != nil {
		payload := *entry.Message.Error
		entry.Message.Error = &payload
	}
	return entry
}
