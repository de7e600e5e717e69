// Package relay moves requests, replies and events between the isolated
// execution contexts of the wallet (caller, relay, engine, approval UI).
// The host transport only offers fire-and-forget sends and long-lived ports;
// request/response correlation is layered on top by Messenger.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ContextID names an execution context.
type ContextID string

const (
	ContextCaller   ContextID = "caller"
	ContextRelay    ContextID = "relay"
	ContextEngine   ContextID = "engine"
	ContextApproval ContextID = "approval"
)

// Kind distinguishes the three message shapes.
type Kind string

const (
	KindRequest Kind = "request"
	KindReply   Kind = "reply"
	KindEvent   Kind = "event"
)

// Message is the envelope carried by every transport.
type Message struct {
	Kind    Kind            `json:"kind"`
	Topic   string          `json:"topic"`
	ID      string          `json:"id,omitempty"`
	From    ContextID       `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *RemoteError    `json:"error,omitempty"`
}

// Standard error codes used when a handler error carries none.
const (
	CodeInternal       = -32603
	CodeMethodNotFound = -32601
)

var (
	// ErrOrphaned is returned to calls pending when their own context is
	// torn down.
	ErrOrphaned = errors.New("relay: sender context closed")
	// ErrAbandoned is returned to calls pending when the port carrying
	// them disconnects.
	ErrAbandoned = errors.New("relay: peer disconnected")
	// ErrProtocol is returned for replies that cannot be decoded.
	ErrProtocol = errors.New("relay: malformed reply")
	// ErrClosed is returned when sending on a closed messenger or port.
	ErrClosed = errors.New("relay: closed")
)

// RemoteError is an error produced by the handler on the other side.
type RemoteError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// ErrorCode implements Coder.
func (e *RemoteError) ErrorCode() int { return e.Code }

// Coder is implemented by errors that carry a caller-facing code. Handler
// errors implementing it keep their code across the relay.
type Coder interface {
	ErrorCode() int
}

// toRemote converts a handler error for the wire.
func toRemote(err error) *RemoteError {
	var re *RemoteError
	if errors.As(err, &re) {
		return re
	}
	code := CodeInternal
	var c Coder
	if errors.As(err, &c) {
		code = c.ErrorCode()
	}
	return &RemoteError{Code: code, Message: err.Error()}
}

func encodePayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return data, nil
	}
}
