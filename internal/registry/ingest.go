package registry

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/omnivault-network/coordinator/internal/codec"
	"github.com/omnivault-network/coordinator/internal/events"
	"github.com/omnivault-network/coordinator/internal/metrics"
)

// Ingest is the inbound edge of the registry: full envelopes arriving from
// the primary relay become stored payloads, and both the envelope and the
// hash-only proofs from redundant relays count toward the content hash's
// attestation tally.
type Ingest struct {
	store  Store
	quorum *Tracker

	log     zerolog.Logger
	events  events.Log
	metrics metrics.Collector
}

// NewIngest creates an inbound receiver.
func NewIngest(store Store, quorum *Tracker, log zerolog.Logger, ev events.Log, mc metrics.Collector) *Ingest {
	if ev == nil {
		ev = events.NopLog{}
	}
	if mc == nil {
		mc = metrics.NopCollector{}
	}
	return &Ingest{
		store:   store,
		quorum:  quorum,
		log:     log.With().Str("component", "ingest").Logger(),
		events:  ev,
		metrics: mc,
	}
}

// ReceiveMessage stores a full inbound envelope as a new pending payload and
// counts the delivering relay's attestation. It returns the assigned payload
// id.
func (in *Ingest) ReceiveMessage(ctx context.Context, header *uint256.Int, body []byte, relayID uint8) (uint64, error) {
	info := codec.UnpackTransactionInfo(header)
	hash := codec.ContentHash(header, body)

	id, err := in.store.AppendPayload(ctx, header, body)
	if err != nil {
		return 0, err
	}
	count, err := in.quorum.Record(ctx, hash)
	if err != nil {
		return 0, err
	}

	in.metrics.RecordPayloadReceived(info.SrcChainID)
	in.events.Record(events.Event{
		Type:        events.TypePayloadReceived,
		PayloadID:   id,
		ChainID:     info.SrcChainID,
		ContentHash: hash.Hex(),
	})
	in.log.Info().
		Uint64("payload_id", id).
		Uint64("src_chain", info.SrcChainID).
		Uint8("relay", relayID).
		Uint64("attestations", count).
		Str("hash", hash.Hex()).
		Msg("payload received")
	return id, nil
}

// ReceiveProof counts one redundant relay's attestation for a content hash.
// Proofs can land before, after, or without the envelope they vouch for; the
// tally is keyed by hash alone so ordering across relays does not matter.
func (in *Ingest) ReceiveProof(ctx context.Context, hash common.Hash, relayID uint8) (uint64, error) {
	count, err := in.quorum.Record(ctx, hash)
	if err != nil {
		return 0, err
	}

	in.events.Record(events.Event{
		Type:        events.TypeAttestationCounted,
		ContentHash: hash.Hex(),
	})
	in.log.Debug().
		Uint8("relay", relayID).
		Uint64("attestations", count).
		Str("hash", hash.Hex()).
		Msg("proof received")
	return count, nil
}
