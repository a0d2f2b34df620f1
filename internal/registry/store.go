package registry

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Store is the persistence contract for the registry: the append-only payload
// table, the content-hash-keyed attestation counts, and the failed-deposit
// residue. Implementations are the in-memory store below and the postgres
// store in registry/postgres.
//
// Payload ids are assigned sequentially starting at 1 and never reused.
// Headers and bodies are never deleted; StateProcessed is a flag, not a
// removal.
type Store interface {
	// AppendPayload stores a new payload in StatePending and returns its id.
	AppendPayload(ctx context.Context, header *uint256.Int, body []byte) (uint64, error)

	// GetPayload returns the payload with the given id, or ErrInvalidPayloadID.
	GetPayload(ctx context.Context, id uint64) (Record, error)

	// ReplaceBody swaps the payload body and sets the new state.
	ReplaceBody(ctx context.Context, id uint64, body []byte, state State) error

	// SetState updates only the lifecycle state.
	SetState(ctx context.Context, id uint64, state State) error

	// PayloadCount returns the number of stored payloads.
	PayloadCount(ctx context.Context) (uint64, error)

	// RecordAttestation increments the attestation count for a content hash
	// and returns the new count.
	RecordAttestation(ctx context.Context, hash common.Hash) (uint64, error)

	// AttestationCount returns the recorded count for a content hash.
	AttestationCount(ctx context.Context, hash common.Hash) (uint64, error)

	// MoveAttestations deletes the record for the old hash and sets the new
	// hash's count to the old count. This is the quorum carry-forward used by
	// body updates; it must be atomic.
	MoveAttestations(ctx context.Context, from, to common.Hash) error

	// PutResidue appends position ids to the failed-deposit residue of a
	// payload.
	PutResidue(ctx context.Context, payloadID uint64, positions []*uint256.Int) error

	// Residue returns the residue for a payload without consuming it.
	Residue(ctx context.Context, payloadID uint64) ([]*uint256.Int, error)

	// TakeResidue returns and clears the residue for a payload.
	TakeResidue(ctx context.Context, payloadID uint64) ([]*uint256.Int, error)
}
