// Package hwbridge runs signing requests for hardware-backed accounts through
// the approval UI, the only context that can reach a device.
package hwbridge

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Klingon-tech/klingnet-vault/internal/relay"
	"github.com/Klingon-tech/klingnet-vault/pkg/crypto"
	"github.com/Klingon-tech/klingnet-vault/pkg/types"
)

// TopicSign is the relay topic carrying signing requests.
const TopicSign = "hw.sign"

// Action is what the device is asked to sign.
type Action string

const (
	ActionSignTransaction Action = "signTransaction"
	ActionSignMessage     Action = "signMessage"
	ActionSignTypedData   Action = "signTypedData"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionSignTransaction, ActionSignMessage, ActionSignTypedData:
		return true
	default:
		return false
	}
}

// Request is sent from the engine to the approval UI.
type Request struct {
	ID      string          `json:"id"`
	Action  Action          `json:"action"`
	Vendor  types.Vendor    `json:"vendor"`
	Path    string          `json:"path"`
	Payload json.RawMessage `json:"payload"`
}

// Validate checks the tagged fields.
func (r *Request) Validate() error {
	if !r.Action.Valid() {
		return fmt.Errorf("unknown action %q", r.Action)
	}
	switch r.Vendor {
	case types.VendorLedger, types.VendorTrezor:
	case types.VendorNone:
		return fmt.Errorf("missing vendor")
	default:
		return fmt.Errorf("unknown vendor %v", r.Vendor)
	}
	if r.Path == "" {
		return fmt.Errorf("missing derivation path")
	}
	if len(r.Payload) == 0 {
		return fmt.Errorf("missing payload")
	}
	return nil
}

// Response answers a Request: either a signature or a device error.
type Response struct {
	ID        string `json:"id"`
	Signature string `json:"signature,omitempty"`
	Error     string `json:"error,omitempty"`
}

// TypedData is the signTypedData payload.
type TypedData struct {
	Domain  json.RawMessage `json:"domain"`
	Message json.RawMessage `json:"message"`
}

// Digest computes the 32-byte hash a signer commits to for action over
// payload. Local and device signers share it so signatures verify the same
// way regardless of where the key lives.
//
//   - signTransaction: payload is the transaction JSON, hashed as is.
//   - signMessage: payload is a JSON string, 0x-hex bytes or UTF-8 text.
//   - signTypedData: payload is TypedData.
func Digest(action Action, payload json.RawMessage) (types.Hash, error) {
	switch action {
	case ActionSignTransaction:
		return crypto.Hash(payload), nil
	case ActionSignMessage:
		msg, err := MessageBytes(payload)
		if err != nil {
			return types.Hash{}, err
		}
		return crypto.HashMessage(msg), nil
	case ActionSignTypedData:
		var td TypedData
		if err := json.Unmarshal(payload, &td); err != nil {
			return types.Hash{}, fmt.Errorf("typed data: %w", err)
		}
		if len(td.Domain) == 0 || len(td.Message) == 0 {
			return types.Hash{}, fmt.Errorf("typed data: domain and message required")
		}
		return crypto.HashTypedData(td.Domain, td.Message), nil
	default:
		return types.Hash{}, fmt.Errorf("unknown action %q", action)
	}
}

// MessageBytes decodes a personal message payload.
func MessageBytes(payload json.RawMessage) ([]byte, error) {
	var s string
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("message must be a string: %w", err)
	}
	if strings.HasPrefix(s, "0x") {
		if b, err := hex.DecodeString(s[2:]); err == nil {
			return b, nil
		}
	}
	return []byte(s), nil
}

// DeviceRejectedError is an explicit error reported by the device or its
// driver, such as the user declining on the device.
type DeviceRejectedError struct {
	Reason string
}

func (e *DeviceRejectedError) Error() string {
	return "device rejected: " + e.Reason
}

// ErrorCode implements relay.Coder; device rejection surfaces as a user
// rejection.
func (e *DeviceRejectedError) ErrorCode() int { return 4001 }

var (
	// ErrAbandoned is returned when the approval UI goes away, or was never
	// there, while a request is outstanding.
	ErrAbandoned = relay.ErrAbandoned
	// ErrProtocol is returned for responses that do not fit the protocol.
	ErrProtocol = relay.ErrProtocol
)
