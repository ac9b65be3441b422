// Package coordinator implements the coordinator-side bookkeeping of participants.
// See doc.go for complete package documentation.
package coordinator

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// ClientStatus is the connection status of a participant.
type ClientStatus string

const (
	// StatusUnregistered means the client is known from a run's participant
	// list but never sent register.
	StatusUnregistered ClientStatus = "unregistered"
	// StatusConnected means the client's current session registered.
	StatusConnected ClientStatus = "connected"
	// StatusDisconnected means the client's last session went away.
	StatusDisconnected ClientStatus = "disconnected"
)

// ErrEmptyClientID is returned when a client is referenced without an ID.
var ErrEmptyClientID = errors.New("client ID cannot be empty")

// runSlot holds one client's outputs for one run.
// current is nil until the client reports for the open exchange.
type runSlot struct {
	current  json.RawMessage // Output reported for the open exchange
	previous json.RawMessage // Output consumed by the last aggregation
}

// remoteClient is the registry's record of one participant. A client is
// shared across every run it takes part in.
type remoteClient struct {
	lastSeen  time.Time           // Updated on every inbound message
	runs      map[string]*runSlot // runID -> slot
	id        string              // Participant identifier
	sessionID string              // Current transport session, replaced on reconnect
	errReason string              // Reason of the last disconnect
	status    ClientStatus        // Connection status
}

// ClientInfo is an immutable snapshot of a participant.
type ClientInfo struct {
	LastSeen  time.Time    `json:"lastSeen"`
	ID        string       `json:"id"`
	SessionID string       `json:"socketId,omitempty"`
	Status    ClientStatus `json:"status"`
	Error     string       `json:"error,omitempty"`
	Runs      []string     `json:"runs"`
}

// ClientRegistry tracks the connection status and per-run output slots of
// every participant known to the coordinator, and answers the barrier
// question "who has not reported yet" for a run.
//
// Architecture:
//
//	┌───────────────────────────────────────────┐
//	│             ClientRegistry                │
//	├───────────────────────────────────────────┤
//	│  clients: clientID → record               │
//	│  order:   clientIDs in registration order │
//	├───────────────────────────────────────────┤
//	│  site-a  connected     run-1 {cur, prev}  │
//	│  site-b  disconnected  run-1 {nil, prev}  │
//	└───────────────────────────────────────────┘
//
// Identity Model:
//   - One record per client ID, created lazily on register or run start
//   - A new session for the same ID replaces the old one; no duplicates
//   - Records are never deleted, only their status changes
//
// Thread Safety:
// All methods are safe for concurrent use. Returned values are copies.
type ClientRegistry struct {
	// clients maps client IDs to their records.
	clients map[string]*remoteClient

	// now returns the current time; replaced in tests.
	now func() time.Time

	// order keeps client IDs in the order they were first seen, so that
	// waiting lists are stable.
	order []string

	// mu protects clients and order.
	mu sync.RWMutex
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*remoteClient),
		now:     time.Now,
	}
}

// ensure returns the record for clientID, creating an unregistered one.
// Caller must hold the write lock.
func (r *ClientRegistry) ensure(clientID string) *remoteClient {
	c, ok := r.clients[clientID]
	if !ok {
		c = &remoteClient{
			id:     clientID,
			status: StatusUnregistered,
			runs:   make(map[string]*runSlot),
		}
		r.clients[clientID] = c
		r.order = append(r.order, clientID)
	}
	return c
}

// Register records that clientID is connected through sessionID.
//
// Registration is idempotent: replaying the same register message for a
// client ID updates the existing record (status, session, lastSeen) instead
// of creating a second identity. Run slots are kept untouched so a client
// reconnecting mid-run keeps its place in every barrier.
//
// Parameters:
//   - clientID: participant identifier (must be non-empty)
//   - sessionID: transport session now authoritative for the client
//
// Returns:
//   - The status the client had before this call, StatusUnregistered for
//     a client seen for the first time
//   - ErrEmptyClientID if clientID is empty
//
// Example:
//
//	prev, err := registry.Register("site-a", sessionID)
//	if err == nil && prev == StatusDisconnected {
//	    // replay what the client missed
//	}
func (r *ClientRegistry) Register(clientID, sessionID string) (ClientStatus, error) {
	if clientID == "" {
		return "", ErrEmptyClientID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.ensure(clientID)
	previous := c.status
	c.status = StatusConnected
	c.sessionID = sessionID
	c.errReason = ""
	c.lastSeen = r.now()
	return previous, nil
}

// AllocateSlot gives clientID an empty output slot for runID, creating the
// client record if needed. Allocating an existing slot resets nothing.
func (r *ClientRegistry) AllocateSlot(clientID, runID string) error {
	if clientID == "" {
		return ErrEmptyClientID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.ensure(clientID)
	if _, ok := c.runs[runID]; !ok {
		c.runs[runID] = &runSlot{}
	}
	return nil
}

// HasSlot reports whether clientID participates in runID.
func (r *ClientRegistry) HasSlot(clientID, runID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[clientID]
	if !ok {
		return false
	}
	_, ok = c.runs[runID]
	return ok
}

// Touch stamps lastSeen for clientID. Unknown clients are ignored.
func (r *ClientRegistry) Touch(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[clientID]; ok {
		c.lastSeen = r.now()
	}
}

// IsSession reports whether sessionID is the session clientID is currently
// connected through. Only that session speaks for the client.
func (r *ClientRegistry) IsSession(clientID, sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[clientID]
	return ok && c.status == StatusConnected && c.sessionID == sessionID
}

// RecordOutput stores output as the client's current output for runID.
//
// Unsolicited output is not an error: when the client or its slot for the
// run does not exist the call is a no-op and returns false. Late messages
// from a client outside the run are expected under reconnection races.
//
// A second report before the barrier closes overwrites the first
// (last write wins).
func (r *ClientRegistry) RecordOutput(clientID, runID string, output json.RawMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[clientID]
	if !ok {
		return false
	}
	slot, ok := c.runs[runID]
	if !ok {
		return false
	}
	if output == nil {
		// keep "reported" distinguishable from "unset"
		output = json.RawMessage("null")
	}
	slot.current = slices.Clone(output)
	return true
}

// WaitingOn returns, in registration order, every client participating in
// runID whose current output is still unset. An empty result means the
// barrier for the open exchange is satisfied.
func (r *ClientRegistry) WaitingOn(runID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	waiters := []string{}
	for _, id := range r.order {
		if slot, ok := r.clients[id].runs[runID]; ok && slot.current == nil {
			waiters = append(waiters, id)
		}
	}
	return waiters
}

// Aggregate reads every participant's current output for runID, moves it to
// the previous output and clears the current one.
//
// The returned map has exactly one key per participant of the run. It must
// only be called once WaitingOn(runID) is empty; otherwise some values are
// nil, which is a programming error in the caller.
//
// Example:
//
//	if len(registry.WaitingOn(runID)) == 0 {
//	    outputs := registry.Aggregate(runID)
//	    // outputs["site-a"], outputs["site-b"], ...
//	}
func (r *ClientRegistry) Aggregate(runID string) map[string]json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	outputs := make(map[string]json.RawMessage)
	for _, id := range r.order {
		slot, ok := r.clients[id].runs[runID]
		if !ok {
			continue
		}
		outputs[id] = slot.current
		slot.previous = slot.current
		slot.current = nil
	}
	return outputs
}

// Discard clears every current output recorded for runID without
// aggregating it. Used when a run fails mid-exchange.
func (r *ClientRegistry) Discard(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.clients {
		if slot, ok := c.runs[runID]; ok {
			slot.current = nil
		}
	}
}

// MarkDisconnected marks the client owning sessionID as disconnected and
// stores the reason. Run slots are left untouched: a disconnect is not a
// run failure.
//
// Returns:
//   - The client ID and true if a client owned the session
//   - "" and false for sessions that never registered or were replaced
func (r *ClientRegistry) MarkDisconnected(sessionID, reason string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.order {
		c := r.clients[id]
		if c.sessionID == sessionID && c.status == StatusConnected {
			c.status = StatusDisconnected
			c.errReason = reason
			return id, true
		}
	}
	return "", false
}

// Participants returns the clients taking part in runID, in registration order.
func (r *ClientRegistry) Participants(runID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for _, id := range r.order {
		if _, ok := r.clients[id].runs[runID]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Sessions returns the current session of every connected participant of runID.
func (r *ClientRegistry) Sessions(runID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sessions []string
	for _, id := range r.order {
		c := r.clients[id]
		if _, ok := c.runs[runID]; ok && c.status == StatusConnected && c.sessionID != "" {
			sessions = append(sessions, c.sessionID)
		}
	}
	return sessions
}

// HasReported reports whether clientID already has a current output for runID.
func (r *ClientRegistry) HasReported(clientID, runID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[clientID]
	if !ok {
		return false
	}
	slot, ok := c.runs[runID]
	return ok && slot.current != nil
}

// PreviousOutput returns the output consumed for clientID by the last
// aggregation of runID.
func (r *ClientRegistry) PreviousOutput(clientID, runID string) (json.RawMessage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[clientID]
	if !ok {
		return nil, false
	}
	slot, ok := c.runs[runID]
	if !ok || slot.previous == nil {
		return nil, false
	}
	return slices.Clone(slot.previous), true
}

// Get returns a snapshot of one client.
func (r *ClientRegistry) Get(clientID string) (ClientInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[clientID]
	if !ok {
		return ClientInfo{}, false
	}
	return c.info(), true
}

// List returns a snapshot of every client in registration order.
func (r *ClientRegistry) List() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ClientInfo, 0, len(r.order))
	for _, id := range r.order {
		infos = append(infos, r.clients[id].info())
	}
	return infos
}

func (c *remoteClient) info() ClientInfo {
	runs := make([]string, 0, len(c.runs))
	for runID := range c.runs {
		runs = append(runs, runID)
	}
	slices.Sort(runs)
	return ClientInfo{
		ID:        c.id,
		Status:    c.status,
		SessionID: c.sessionID,
		LastSeen:  c.lastSeen,
		Error:     c.errReason,
		Runs:      runs,
	}
}
