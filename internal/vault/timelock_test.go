package vault

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

func TestTimelockQueueLifecycle(t *testing.T) {
	q := NewTimelockQueue()

	n1 := q.Push(Continuation{PayloadID: 10, Header: uint256.NewInt(1)})
	n2 := q.Push(Continuation{PayloadID: 20, Header: uint256.NewInt(2)})
	if n1 != 1 || n2 != 2 {
		t.Fatalf("nonces = %d, %d, want 1, 2", n1, n2)
	}
	if q.Len() != 2 {
		t.Fatalf("len = %d, want 2", q.Len())
	}

	c, err := q.Take(n1)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if c.PayloadID != 10 || c.Nonce != n1 {
		t.Errorf("continuation = %+v", c)
	}

	if _, err := q.Take(n1); !errors.Is(err, ErrUnknownContinuation) {
		t.Fatalf("double take: got %v, want ErrUnknownContinuation", err)
	}
}

func TestTimelockQueueRestore(t *testing.T) {
	q := NewTimelockQueue()
	nonce := q.Push(Continuation{PayloadID: 10})

	c, err := q.Take(nonce)
	if err != nil {
		t.Fatalf("take: %v", err)
	}

	// A finalize attempt that found the vault locked puts it back under the
	// same nonce.
	q.Restore(c)
	again, err := q.Take(nonce)
	if err != nil {
		t.Fatalf("take after restore: %v", err)
	}
	if again.PayloadID != 10 {
		t.Errorf("restored continuation = %+v", again)
	}

	// Restores never collide with fresh nonces.
	if next := q.Push(Continuation{PayloadID: 30}); next != 2 {
		t.Errorf("next nonce = %d, want 2", next)
	}
}
