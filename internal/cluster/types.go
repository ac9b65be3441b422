package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// MessageType names a logical message on the real-time channel.
type MessageType string

const (
	// MsgHello is sent by the coordinator when a connection is accepted.
	MsgHello MessageType = "hello"
	// MsgRegister is sent by a participant in answer to hello.
	MsgRegister MessageType = "register"
	// MsgRun carries a run's output or error in either direction.
	MsgRun MessageType = "run"
)

// StatusConnected is the status reported in a hello message.
const StatusConnected = "connected"

// ErrEmptyRunID is returned when a run message has no run identifier.
var ErrEmptyRunID = errors.New("run message without runId")

// Envelope frames every message on the wire.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Hello greets a freshly accepted connection.
type Hello struct {
	Status string `json:"status"`
}

// Register announces the participant identity owning a connection.
type Register struct {
	ID string `json:"id"`
}

// ErrorPayload is the wire form of an error reported by a peer.
type ErrorPayload struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// RunMessage carries one exchange of a run. Exactly one of Output and Error
// is expected to be set. ID is the sending participant and is empty on
// messages from the coordinator. Step and Iteration locate the exchange in
// the sender's pipeline; Replay marks a resend from the missed-message cache.
type RunMessage struct {
	Error     *ErrorPayload   `json:"error,omitempty"`
	ID        string          `json:"id,omitempty"`
	RunID     string          `json:"runId"`
	Output    json.RawMessage `json:"output,omitempty"`
	Step      int             `json:"step"`
	Iteration int             `json:"iteration"`
	Replay    bool            `json:"replay,omitempty"`
}

// Validate checks the fields every run message must carry.
func (m RunMessage) Validate() error {
	if m.RunID == "" {
		return ErrEmptyRunID
	}
	return nil
}

// Encode wraps data in an envelope of the given type.
func Encode(msgType MessageType, data any) ([]byte, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msgType, err)
	}
	return json.Marshal(Envelope{Type: msgType, Data: b})
}

// Decode parses an envelope; the payload is left raw for the caller.
func Decode(b []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode failed: %w", err)
	}
	if env.Type == "" {
		return nil, errors.New("decode failed: missing message type")
	}
	return &env, nil
}

// Payload unmarshals the envelope data into out.
func (e *Envelope) Payload(out any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("%s: %w", e.Type, err)
	}
	return nil
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON posts body as JSON to url and decodes the response into out when
// out is non-nil.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetJSON fetches url and decodes the JSON response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
