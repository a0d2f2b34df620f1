package registry

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/omnivault-network/coordinator/internal/metrics"
)

// QuorumConfig supplies the per-source-chain attestation threshold.
type QuorumConfig interface {
	RequiredQuorum(chainID uint64) uint64
}

// StaticQuorum is a fixed per-chain threshold table with a default.
type StaticQuorum struct {
	Default  uint64
	PerChain map[uint64]uint64
}

// RequiredQuorum implements QuorumConfig.
func (q StaticQuorum) RequiredQuorum(chainID uint64) uint64 {
	if n, ok := q.PerChain[chainID]; ok {
		return n
	}
	return q.Default
}

// Tracker counts relay attestations per content hash and gates every
// state-changing registry operation. No payload content may be read or acted
// upon before its own content hash reaches the source chain's threshold, and
// the guarantee is re-earned after every content mutation.
type Tracker struct {
	store   Store
	cfg     QuorumConfig
	metrics metrics.Collector
}

// NewTracker creates a tracker over the given store and threshold config.
func NewTracker(store Store, cfg QuorumConfig, mc metrics.Collector) *Tracker {
	if mc == nil {
		mc = metrics.NopCollector{}
	}
	return &Tracker{store: store, cfg: cfg, metrics: mc}
}

// Record counts one accepted relay attestation for the content hash and
// returns the new count. Attestation de-duplication and signature checks are
// the relay channel's responsibility, not this tracker's.
func (t *Tracker) Record(ctx context.Context, hash common.Hash) (uint64, error) {
	count, err := t.store.RecordAttestation(ctx, hash)
	if err != nil {
		return 0, err
	}
	t.metrics.RecordAttestation()
	return count, nil
}

// Count returns the recorded attestation count for the content hash.
func (t *Tracker) Count(ctx context.Context, hash common.Hash) (uint64, error) {
	return t.store.AttestationCount(ctx, hash)
}

// Required returns the threshold for the given source chain.
func (t *Tracker) Required(chainID uint64) uint64 {
	return t.cfg.RequiredQuorum(chainID)
}

// Check fails with ErrQuorumNotReached unless the content hash has
// accumulated the source chain's required attestation count.
func (t *Tracker) Check(ctx context.Context, hash common.Hash, srcChainID uint64) error {
	count, err := t.store.AttestationCount(ctx, hash)
	if err != nil {
		return err
	}
	required := t.cfg.RequiredQuorum(srcChainID)
	if count < required {
		t.metrics.RecordQuorumFailure()
		return fmt.Errorf("%w: have %d of %d for %s", ErrQuorumNotReached, count, required, hash.Hex())
	}
	return nil
}
