package vault

import (
	"errors"
	"sync"

	"github.com/holiman/uint256"

	"github.com/omnivault-network/coordinator/internal/relay"
)

// ErrUnknownContinuation is returned when finalizing a continuation that does
// not exist or was already consumed.
var ErrUnknownContinuation = errors.New("vault: unknown or consumed continuation")

// Continuation is a scheduled re-entry for a delayed-unlock withdrawal. It is
// keyed by a monotonic nonce and consumed exactly once; a finalize attempt
// that finds the cooldown still running restores it under the same nonce.
type Continuation struct {
	Nonce     uint64
	PayloadID uint64
	Header    *uint256.Int
	Body      []byte
	Ack       relay.AckParams
}

// TimelockQueue stores pending withdrawal continuations for delayed-unlock
// vaults. Push assigns the nonce; Take removes and returns the continuation,
// so a second Take for the same nonce fails.
type TimelockQueue struct {
	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]Continuation
}

// NewTimelockQueue creates an empty queue.
func NewTimelockQueue() *TimelockQueue {
	return &TimelockQueue{nextID: 1, pending: make(map[uint64]Continuation)}
}

// Push schedules a continuation and returns its nonce.
func (q *TimelockQueue) Push(c Continuation) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	c.Nonce = q.nextID
	q.nextID++
	q.pending[c.Nonce] = c
	return c.Nonce
}

// Take consumes the continuation with the given nonce.
func (q *TimelockQueue) Take(nonce uint64) (Continuation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.pending[nonce]
	if !ok {
		return Continuation{}, ErrUnknownContinuation
	}
	delete(q.pending, nonce)
	return c, nil
}

// Restore re-inserts a taken continuation under its original nonce, for
// finalize attempts that found the vault still locked.
func (q *TimelockQueue) Restore(c Continuation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[c.Nonce] = c
}

// Len reports how many continuations are pending.
func (q *TimelockQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
