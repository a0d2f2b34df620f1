package relay

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/omnivault-network/coordinator/internal/codec"
	"github.com/omnivault-network/coordinator/internal/events"
	"github.com/omnivault-network/coordinator/internal/metrics"
)

// Dispatcher forwards acknowledgement envelopes back toward their source
// chain. The full envelope travels through the first listed relay; when more
// relays are listed, a hash-only proof travels through each of the remaining
// ones so the source chain's quorum tracker can count independent
// confirmations without trusting a single network.
type Dispatcher struct {
	relayers map[uint8]Relayer

	log     zerolog.Logger
	events  events.Log
	metrics metrics.Collector
}

// NewDispatcher creates a dispatcher over the given relays.
func NewDispatcher(relayers []Relayer, log zerolog.Logger, ev events.Log, mc metrics.Collector) *Dispatcher {
	if ev == nil {
		ev = events.NopLog{}
	}
	if mc == nil {
		mc = metrics.NopCollector{}
	}
	byID := make(map[uint8]Relayer, len(relayers))
	for _, r := range relayers {
		byID[r.ID()] = r
	}
	return &Dispatcher{
		relayers: byID,
		log:      log.With().Str("component", "dispatcher").Logger(),
		events:   ev,
		metrics:  mc,
	}
}

// DispatchAck serializes the envelope and sends it toward the destination
// chain per the ack parameters.
func (d *Dispatcher) DispatchAck(ctx context.Context, dstChainID uint64, env *codec.Envelope, p AckParams) error {
	if err := p.Validate(); err != nil {
		return err
	}

	payload, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode ack envelope: %w", err)
	}

	primary, ok := d.relayers[p.RelayIDs[0]]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownRelay, p.RelayIDs[0])
	}
	if err := d.dispatch(ctx, primary, dstChainID, payload, p, 0, "message"); err != nil {
		return err
	}

	hash := codec.ContentHash(env.TxInfo, env.Params)
	if len(p.RelayIDs) > 1 {
		proof, err := (&codec.Proof{Hash: hash}).Encode()
		if err != nil {
			return fmt.Errorf("encode ack proof: %w", err)
		}

		for i := 1; i < len(p.RelayIDs); i++ {
			r, ok := d.relayers[p.RelayIDs[i]]
			if !ok {
				return fmt.Errorf("%w: %d", ErrUnknownRelay, p.RelayIDs[i])
			}
			if err := d.dispatch(ctx, r, dstChainID, proof, p, i, "proof"); err != nil {
				return err
			}
		}
	}

	d.events.Record(events.Event{
		Type:        events.TypeAckDispatched,
		ChainID:     dstChainID,
		ContentHash: hash.Hex(),
		Message:     fmt.Sprintf("relays=%d", len(p.RelayIDs)),
	})
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, r Relayer, dstChainID uint64, payload []byte, p AckParams, i int, kind string) error {
	err := r.Dispatch(ctx, dstChainID, payload, p.Gas(i), p.ExtraFor(i))
	if err != nil {
		d.metrics.RecordAckDispatch(r.ID(), kind, "error")
		d.log.Error().Err(err).Uint8("relay", r.ID()).Uint64("dst_chain", dstChainID).Msg("ack dispatch failed")
		return fmt.Errorf("relay %d: %w", r.ID(), err)
	}
	d.metrics.RecordAckDispatch(r.ID(), kind, "ok")
	return nil
}
