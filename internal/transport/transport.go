// Package transport carries run messages between the coordinator and its
// participants over websockets.
//
// The coordinator runs a Server; every participant runs a Client dialing it.
// On connect the server sends hello, the client answers with register, and
// from then on both sides exchange run messages:
//
//	participant                       coordinator
//	    │ ───────── dial ?id=site-a ───────▶ │
//	    │ ◀──────── hello ────────────────── │
//	    │ ───────── register {id} ─────────▶ │
//	    │ ───────── run {id,runId,output} ─▶ │
//	    │ ◀──────── run {runId,output} ───── │
//
// Both roles implement Adapter so a node can treat its link uniformly.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/dreamware/consortium/internal/cluster"
)

// writeTimeout bounds a single websocket write.
const writeTimeout = 10 * time.Second

var (
	// ErrUnknownSession is returned when sending to a session that is gone.
	ErrUnknownSession = errors.New("unknown session")
	// ErrClosed is returned when using an adapter after Close.
	ErrClosed = errors.New("transport closed")
)

// Adapter is one end of the coordinator link.
type Adapter interface {
	// Start connects or begins listening. It returns once the adapter is
	// usable; background work stops when ctx is done or Close is called.
	Start(ctx context.Context) error
	// Send delivers msg. A Server sends to each listed session; a Client
	// ignores sessions and sends to the coordinator.
	Send(msg cluster.RunMessage, sessions ...string) error
	Close() error
}

// Handler receives the events of a Server.
type Handler interface {
	HandleRegister(sessionID, clientID string)
	HandleRun(sessionID string, msg cluster.RunMessage)
	HandleDisconnect(sessionID, reason string)
}
