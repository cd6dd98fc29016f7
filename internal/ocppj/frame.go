// Package ocppj implements the OCPP-J wire framing and the persistent,
// correlated outbound message queue of spec.md §4.D and §6: Call/CallResult/
// CallError encoding, UUID-v4 correlation, one-in-flight-per-link, tiered
// FIFO persistence, retry-on-timeout, and registration gating.
package ocppj

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"chargepoint/internal/ocpptype"
)

// MessageTypeID values from spec.md §6.
const (
	TypeCall       = 2
	TypeCallResult = 3
	TypeCallError  = 4
)

// MaxUniqueIDBytes is the wire limit from spec.md §6.
const MaxUniqueIDBytes = 36

// NewUniqueID returns a fresh UUID v4 string, matching spec.md §6's
// "uniqueId is UTF-8, <=36 bytes" and §4.D's "fresh unique_id (UUID-v4
// string)". github.com/google/uuid replaces a hand-rolled random-ID
// generator, following the pack's own idiom for protocol correlation IDs.
func NewUniqueID() string {
	return uuid.NewString()
}

// Call is an outbound or inbound OCPP-J request: [2, uniqueId, action, payload].
type Call struct {
	UniqueID string
	Action   string
	Payload  json.RawMessage
}

// CallResult is a successful reply: [3, uniqueId, payload].
type CallResult struct {
	UniqueID string
	Payload  json.RawMessage
}

// CallError is an error reply: [4, uniqueId, errorCode, errorDescription, errorDetails].
type CallError struct {
	UniqueID         string
	ErrorCode        ocpptype.ErrorCode
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrorCode, e.ErrorDescription)
}

// Frame is the decoded result of ParseFrame: exactly one of Call, Result or
// Err is non-nil.
type Frame struct {
	Call   *Call
	Result *CallResult
	Err    *CallError
}

var (
	// ErrMalformed corresponds to a FormationViolation per spec.md §4.D
	// ("Unknown IDs or malformed payloads produce a CallError").
	ErrMalformed = errors.New("ocppj: malformed frame")
	// ErrUnknownType corresponds to a NotSupported CallError.
	ErrUnknownType = errors.New("ocppj: unknown message type id")
)

// Encode renders a Call to its wire array form.
func (c *Call) Encode() ([]byte, error) {
	return json.Marshal([]any{TypeCall, c.UniqueID, c.Action, rawOrEmptyObject(c.Payload)})
}

func (r *CallResult) Encode() ([]byte, error) {
	return json.Marshal([]any{TypeCallResult, r.UniqueID, rawOrEmptyObject(r.Payload)})
}

func (e *CallError) Encode() ([]byte, error) {
	details := e.ErrorDetails
	if len(details) == 0 {
		details = json.RawMessage("{}")
	}
	return json.Marshal([]any{TypeCallError, e.UniqueID, string(e.ErrorCode), e.ErrorDescription, details})
}

func rawOrEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

// ParseFrame decodes a raw text frame into a Frame, or returns ErrMalformed /
// ErrUnknownType for the CallError cases spec.md §4.D calls out.
func ParseFrame(raw []byte) (*Frame, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(arr) < 3 {
		return nil, ErrMalformed
	}
	var typeID int
	if err := json.Unmarshal(arr[0], &typeID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var uniqueID string
	if err := json.Unmarshal(arr[1], &uniqueID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch typeID {
	case TypeCall:
		if len(arr) != 4 {
			return nil, ErrMalformed
		}
		var action string
		if err := json.Unmarshal(arr[2], &action); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return &Frame{Call: &Call{UniqueID: uniqueID, Action: action, Payload: arr[3]}}, nil

	case TypeCallResult:
		if len(arr) != 3 {
			return nil, ErrMalformed
		}
		return &Frame{Result: &CallResult{UniqueID: uniqueID, Payload: arr[2]}}, nil

	case TypeCallError:
		if len(arr) != 5 {
			return nil, ErrMalformed
		}
		var code, desc string
		if err := json.Unmarshal(arr[2], &code); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if err := json.Unmarshal(arr[3], &desc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return &Frame{Err: &CallError{UniqueID: uniqueID, ErrorCode: ocpptype.ErrorCode(code), ErrorDescription: desc, ErrorDetails: arr[4]}}, nil

	default:
		return nil, ErrUnknownType
	}
}
