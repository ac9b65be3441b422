// Package cluster defines the logical message set exchanged between the
// coordinator node and participant nodes of a decentralized pipeline run,
// together with the framing used to carry it over the real-time channel and
// small JSON helpers for the HTTP API.
//
// # Overview
//
// The cluster follows a hub-and-spoke model. One coordinator ("remote" mode)
// accepts many participant connections ("local" mode); every participant runs
// the same pipeline over its own partition of data and exchanges partial
// outputs with the coordinator once per iteration:
//
//	              ┌──────────────┐
//	              │ Coordinator  │
//	              │  - registry  │
//	              │  - barrier   │
//	              │  - aggregate │
//	              └──────┬───────┘
//	                     │ websocket
//	      ┌──────────────┼──────────────┐
//	      │              │              │
//	┌─────▼─────┐  ┌─────▼─────┐  ┌─────▼─────┐
//	│  site-a   │  │  site-b   │  │  site-c   │
//	└───────────┘  └───────────┘  └───────────┘
//
// # Message Set
//
//	direction       type      payload
//	server→client   hello     {status: "connected"}
//	client→server   register  {id}
//	either          run       {id?, runId, output?, error?, step, iteration, replay?}
//
// Disconnection is not a message; the transport reports it to its handler
// with the close reason.
//
// # Framing
//
// Every frame is a JSON Envelope {"type": ..., "data": ...}. Encode wraps a
// payload, Decode parses the envelope and leaves Data raw so the receiver can
// dispatch on Type before unmarshalling with Payload.
//
// # Errors On The Wire
//
// Errors travel as ErrorPayload with a human readable message and the
// original error text. Receivers wrap them with the context of who reported
// them; see the run package.
package cluster
