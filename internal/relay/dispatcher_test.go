package relay

import (
	"context"
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/omnivault-network/coordinator/internal/codec"
	"github.com/omnivault-network/coordinator/internal/events"
)

func testEnvelope() *codec.Envelope {
	return &codec.Envelope{TxInfo: uint256.NewInt(42), Params: []byte("ack body")}
}

func TestDispatchAckSingleRelay(t *testing.T) {
	lb := NewLoopback(1)
	eventLog := events.NewRingBuffer(8)
	d := NewDispatcher([]Relayer{lb}, zerolog.Nop(), eventLog, nil)

	env := testEnvelope()
	if err := d.DispatchAck(context.Background(), 5, env, AckParams{RelayIDs: []uint8{1}, GasLimits: []uint64{300000}}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	deliveries := lb.Deliveries()
	if len(deliveries) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(deliveries))
	}
	if deliveries[0].DstChainID != 5 || deliveries[0].GasLimit != 300000 {
		t.Errorf("delivery = %+v", deliveries[0])
	}

	got, err := codec.DecodeEnvelope(deliveries[0].Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.TxInfo.Eq(env.TxInfo) {
		t.Error("envelope corrupted in transit")
	}

	// Single-relay acks show up in the event feed like fan-out acks do.
	recorded := eventLog.RecentByType(events.TypeAckDispatched, 10)
	if len(recorded) != 1 || recorded[0].ChainID != 5 {
		t.Errorf("ack events = %+v, want one for chain 5", recorded)
	}
}

func TestDispatchAckProofFanOut(t *testing.T) {
	primary := NewLoopback(1)
	second := NewLoopback(2)
	third := NewLoopback(3)
	d := NewDispatcher([]Relayer{primary, second, third}, zerolog.Nop(), nil, nil)

	env := testEnvelope()
	p := AckParams{RelayIDs: []uint8{1, 2, 3}}
	if err := d.DispatchAck(context.Background(), 5, env, p); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// The full envelope travels once; every other relay carries only the
	// content hash.
	if len(primary.Deliveries()) != 1 {
		t.Fatalf("primary deliveries = %d, want 1", len(primary.Deliveries()))
	}
	wantHash := codec.ContentHash(env.TxInfo, env.Params)
	for _, lb := range []*Loopback{second, third} {
		deliveries := lb.Deliveries()
		if len(deliveries) != 1 {
			t.Fatalf("relay %d deliveries = %d, want 1", lb.ID(), len(deliveries))
		}
		proof, err := codec.DecodeProof(deliveries[0].Payload)
		if err != nil {
			t.Fatalf("relay %d payload is not a proof: %v", lb.ID(), err)
		}
		if proof.Hash != wantHash {
			t.Errorf("relay %d proof hash = %s, want %s", lb.ID(), proof.Hash.Hex(), wantHash.Hex())
		}
	}
}

func TestDispatchAckUnknownRelay(t *testing.T) {
	d := NewDispatcher([]Relayer{NewLoopback(1)}, zerolog.Nop(), nil, nil)
	err := d.DispatchAck(context.Background(), 5, testEnvelope(), AckParams{RelayIDs: []uint8{9}})
	if !errors.Is(err, ErrUnknownRelay) {
		t.Fatalf("got %v, want ErrUnknownRelay", err)
	}
}

func TestDispatchAckParamValidation(t *testing.T) {
	d := NewDispatcher([]Relayer{NewLoopback(1)}, zerolog.Nop(), nil, nil)

	err := d.DispatchAck(context.Background(), 5, testEnvelope(), AckParams{})
	if !errors.Is(err, ErrNoRelays) {
		t.Fatalf("empty relay list: got %v, want ErrNoRelays", err)
	}

	err = d.DispatchAck(context.Background(), 5, testEnvelope(), AckParams{RelayIDs: []uint8{1, 1}})
	if err == nil {
		t.Fatal("duplicate relay ids accepted")
	}
}

func TestDispatchAckPrimaryFailure(t *testing.T) {
	primary := NewLoopback(1)
	primary.FailAll = true
	second := NewLoopback(2)
	d := NewDispatcher([]Relayer{primary, second}, zerolog.Nop(), nil, nil)

	err := d.DispatchAck(context.Background(), 5, testEnvelope(), AckParams{RelayIDs: []uint8{1, 2}})
	if err == nil {
		t.Fatal("expected error from failing primary")
	}
	if len(second.Deliveries()) != 0 {
		t.Error("proof dispatched though the primary failed")
	}
}

func TestAckParamsAccessors(t *testing.T) {
	p := AckParams{
		RelayIDs:  []uint8{1, 2},
		GasLimits: []uint64{100},
		Extra:     [][]byte{{0x01}},
	}
	if p.Gas(0) != 100 || p.Gas(1) != 0 {
		t.Errorf("gas = %d/%d", p.Gas(0), p.Gas(1))
	}
	if p.ExtraFor(0) == nil || p.ExtraFor(1) != nil {
		t.Error("extra accessor out-of-range behavior wrong")
	}
}
