// Package relay abstracts the message-relay networks (AMBs) that carry
// envelopes between chains. Each relay delivers independently with no
// ordering guarantee across relays; the registry's quorum tracker is what
// turns several independent deliveries into trust.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownRelay is returned when dispatch names a relay id that was never
// registered.
var ErrUnknownRelay = errors.New("relay: unknown relay id")

// ErrNoRelays is returned when dispatch is requested with an empty relay
// list.
var ErrNoRelays = errors.New("relay: no relay ids supplied")

// Relayer is one outbound message-relay network.
type Relayer interface {
	// ID returns the relay's stable identifier.
	ID() uint8

	// Dispatch hands a serialized message to the relay for delivery on the
	// destination chain.
	Dispatch(ctx context.Context, dstChainID uint64, payload []byte, gasLimit uint64, extra []byte) error
}

// AckParams carries the per-relay delivery parameters for one
// acknowledgement: which relays to use, and per-relay gas budgets and opaque
// extra bytes. Index 0 names the primary relay; the rest carry redundant
// proofs.
type AckParams struct {
	RelayIDs  []uint8
	GasLimits []uint64
	Extra     [][]byte
}

// Gas returns the gas budget for the i-th relay, zero when unspecified.
func (p AckParams) Gas(i int) uint64 {
	if i < len(p.GasLimits) {
		return p.GasLimits[i]
	}
	return 0
}

// ExtraFor returns the extra bytes for the i-th relay, nil when unspecified.
func (p AckParams) ExtraFor(i int) []byte {
	if i < len(p.Extra) {
		return p.Extra[i]
	}
	return nil
}

// Validate checks the parameter shape.
func (p AckParams) Validate() error {
	if len(p.RelayIDs) == 0 {
		return ErrNoRelays
	}
	seen := make(map[uint8]bool, len(p.RelayIDs))
	for _, id := range p.RelayIDs {
		if seen[id] {
			return fmt.Errorf("relay: duplicate relay id %d", id)
		}
		seen[id] = true
	}
	return nil
}

// Delivery is one message captured by the Loopback relay.
type Delivery struct {
	RelayID    uint8
	DstChainID uint64
	Payload    []byte
	GasLimit   uint64
	Extra      []byte
}

// Loopback is an in-memory Relayer that records everything dispatched
// through it. It backs tests and simulation deployments.
type Loopback struct {
	id uint8

	mu         sync.Mutex
	deliveries []Delivery

	// FailAll makes every dispatch fail.
	FailAll bool
}

// NewLoopback creates a loopback relay with the given id.
func NewLoopback(id uint8) *Loopback { return &Loopback{id: id} }

// ID implements Relayer.
func (l *Loopback) ID() uint8 { return l.id }

// Dispatch implements Relayer.
func (l *Loopback) Dispatch(_ context.Context, dstChainID uint64, payload []byte, gasLimit uint64, extra []byte) error {
	if l.FailAll {
		return fmt.Errorf("relay %d: dispatch failed", l.id)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deliveries = append(l.deliveries, Delivery{
		RelayID:    l.id,
		DstChainID: dstChainID,
		Payload:    append([]byte(nil), payload...),
		GasLimit:   gasLimit,
		Extra:      append([]byte(nil), extra...),
	})
	return nil
}

// Deliveries returns everything dispatched so far.
func (l *Loopback) Deliveries() []Delivery {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Delivery, len(l.deliveries))
	copy(out, l.deliveries)
	return out
}
