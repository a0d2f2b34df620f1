package registry

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MemoryStore is a thread-safe in-memory Store. It backs tests and
// single-node simulation deployments; durable deployments use the postgres
// store.
type MemoryStore struct {
	mu           sync.RWMutex
	payloads     []Record
	attestations map[common.Hash]uint64
	residues     map[uint64][]*uint256.Int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		attestations: make(map[common.Hash]uint64),
		residues:     make(map[uint64][]*uint256.Int),
	}
}

// AppendPayload implements Store.
func (m *MemoryStore) AppendPayload(_ context.Context, header *uint256.Int, body []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	rec := Record{
		ID:         uint64(len(m.payloads)) + 1,
		Header:     new(uint256.Int).Set(header),
		Body:       append([]byte(nil), body...),
		State:      StatePending,
		ReceivedAt: now,
		UpdatedAt:  now,
	}
	m.payloads = append(m.payloads, rec)
	return rec.ID, nil
}

// GetPayload implements Store.
func (m *MemoryStore) GetPayload(_ context.Context, id uint64) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if id == 0 || id > uint64(len(m.payloads)) {
		return Record{}, ErrInvalidPayloadID
	}
	return cloneRecord(m.payloads[id-1]), nil
}

// ReplaceBody implements Store.
func (m *MemoryStore) ReplaceBody(_ context.Context, id uint64, body []byte, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id == 0 || id > uint64(len(m.payloads)) {
		return ErrInvalidPayloadID
	}
	rec := &m.payloads[id-1]
	rec.Body = append([]byte(nil), body...)
	rec.State = state
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// SetState implements Store.
func (m *MemoryStore) SetState(_ context.Context, id uint64, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id == 0 || id > uint64(len(m.payloads)) {
		return ErrInvalidPayloadID
	}
	rec := &m.payloads[id-1]
	rec.State = state
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// PayloadCount implements Store.
func (m *MemoryStore) PayloadCount(context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.payloads)), nil
}

// RecordAttestation implements Store.
func (m *MemoryStore) RecordAttestation(_ context.Context, hash common.Hash) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attestations[hash]++
	return m.attestations[hash], nil
}

// AttestationCount implements Store.
func (m *MemoryStore) AttestationCount(_ context.Context, hash common.Hash) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attestations[hash], nil
}

// MoveAttestations implements Store.
func (m *MemoryStore) MoveAttestations(_ context.Context, from, to common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := m.attestations[from]
	delete(m.attestations, from)
	m.attestations[to] = count
	return nil
}

// PutResidue implements Store.
func (m *MemoryStore) PutResidue(_ context.Context, payloadID uint64, positions []*uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range positions {
		m.residues[payloadID] = append(m.residues[payloadID], new(uint256.Int).Set(p))
	}
	return nil
}

// Residue implements Store.
func (m *MemoryStore) Residue(_ context.Context, payloadID uint64) ([]*uint256.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clonePositions(m.residues[payloadID]), nil
}

// TakeResidue implements Store.
func (m *MemoryStore) TakeResidue(_ context.Context, payloadID uint64) ([]*uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := clonePositions(m.residues[payloadID])
	delete(m.residues, payloadID)
	return out, nil
}

func cloneRecord(rec Record) Record {
	rec.Header = new(uint256.Int).Set(rec.Header)
	rec.Body = append([]byte(nil), rec.Body...)
	return rec
}

func clonePositions(src []*uint256.Int) []*uint256.Int {
	if len(src) == 0 {
		return nil
	}
	out := make([]*uint256.Int, len(src))
	for i, p := range src {
		out[i] = new(uint256.Int).Set(p)
	}
	return out
}
