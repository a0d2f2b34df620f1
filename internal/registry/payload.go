// Package registry implements the quorum-gated payload processing core: the
// append-only payload store, the attestation quorum tracker, the pre-execution
// update engine, and the execution engine that runs vault operations with
// per-item fault isolation and builds acknowledgement messages.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
)

// State is the lifecycle state of a stored payload.
type State uint8

const (
	// StateUnknown indicates an uninitialized state; stored payloads never
	// carry it.
	StateUnknown State = iota

	// StatePending is the initial state after a payload is stored.
	StatePending

	// StateUpdated means the body was amended by the updater; deposits must
	// reach this state before execution.
	StateUpdated

	// StateProcessed is terminal; further processing attempts fail.
	StateProcessed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateUpdated:
		return "updated"
	case StateProcessed:
		return "processed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// MarshalJSON implements json.Marshaler.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseState(str)
	return nil
}

// ParseState converts a string to State.
func ParseState(s string) State {
	switch s {
	case "pending":
		return StatePending
	case "updated":
		return StateUpdated
	case "processed":
		return StateProcessed
	default:
		return StateUnknown
	}
}

// CanUpdate returns true if a payload in this state accepts a body update.
// A payload may be updated at most once, and never after processing.
func (s State) CanUpdate() bool { return s == StatePending }

// CanProcess returns true if a payload in this state may be executed.
func (s State) CanProcess() bool { return s == StatePending || s == StateUpdated }

// Record is one stored payload with its lifecycle state.
type Record struct {
	ID         uint64       `json:"id"`
	Header     *uint256.Int `json:"header"`
	Body       []byte       `json:"body"`
	State      State        `json:"state"`
	ReceivedAt time.Time    `json:"received_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Error taxonomy. State and quorum violations abort the whole call with no
// state change; vault execution failures are caught and converted into
// compensating data instead (see Engine).
var (
	// ErrInvalidPayloadID marks a lookup beyond the stored payload count.
	ErrInvalidPayloadID = errors.New("registry: invalid payload id")

	// ErrAlreadyProcessed marks an operation on a terminal payload.
	ErrAlreadyProcessed = errors.New("registry: payload already processed")

	// ErrAlreadyUpdated marks a second update attempt.
	ErrAlreadyUpdated = errors.New("registry: payload already updated")

	// ErrNotUpdated marks a deposit execution before the amount update.
	ErrNotUpdated = errors.New("registry: payload not updated")

	// ErrQuorumNotReached marks insufficient attestations for the payload's
	// current content.
	ErrQuorumNotReached = errors.New("registry: quorum not reached")

	// ErrUpdateLength marks an update whose item count differs from the
	// stored batch size.
	ErrUpdateLength = errors.New("registry: update length mismatch")

	// ErrSlippageOutOfBounds marks a final amount outside the payload's
	// slippage band.
	ErrSlippageOutOfBounds = errors.New("registry: slippage out of bounds")

	// ErrInvalidRoute marks route data that failed re-validation.
	ErrInvalidRoute = errors.New("registry: invalid liquidity route")

	// ErrRouteNotUpdated marks a withdraw that declares a liquidity token but
	// never received route calldata.
	ErrRouteNotUpdated = errors.New("registry: withdraw route not updated")

	// ErrBridgeTokensPending marks a deposit whose bridged tokens have not
	// arrived in custody yet.
	ErrBridgeTokensPending = errors.New("registry: bridged tokens pending")

	// ErrInvalidRescue marks rescue input that does not match the residue.
	ErrInvalidRescue = errors.New("registry: invalid rescue data")

	// ErrInvalidUpdateRequest marks an update against a payload whose kind or
	// callback does not admit that update.
	ErrInvalidUpdateRequest = errors.New("registry: invalid payload update request")
)
