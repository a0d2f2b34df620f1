package registry

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/omnivault-network/coordinator/internal/codec"
	"github.com/omnivault-network/coordinator/internal/events"
	"github.com/omnivault-network/coordinator/internal/metrics"
	"github.com/omnivault-network/coordinator/internal/vault"
)

const bpsDenominator = 10_000

// Updater amends pending payload bodies before execution: final
// on-chain-observed deposit amounts within the slippage band, and withdraw
// route calldata re-validated against the payload's declared endpoints.
//
// Every successful update deletes the old content hash's attestation record
// and carries its count forward onto the new hash. The update itself comes
// from the quorum-vetted updater role, so the already-proven quorum transfers
// instead of being re-earned from fresh attestations; this trades strict
// re-attestation for update latency and trusts the updater to amend honestly.
type Updater struct {
	store        Store
	quorum       *Tracker
	router       vault.Router
	localChainID uint64

	log     zerolog.Logger
	events  events.Log
	metrics metrics.Collector
}

// NewUpdater creates an update engine.
func NewUpdater(store Store, quorum *Tracker, router vault.Router, localChainID uint64, log zerolog.Logger, ev events.Log, mc metrics.Collector) *Updater {
	if ev == nil {
		ev = events.NopLog{}
	}
	if mc == nil {
		mc = metrics.NopCollector{}
	}
	return &Updater{
		store:        store,
		quorum:       quorum,
		router:       router,
		localChainID: localChainID,
		log:          log.With().Str("component", "updater").Logger(),
		events:       ev,
		metrics:      mc,
	}
}

// UpdateDepositAmounts replaces the requested amounts of a pending deposit
// payload with the final on-chain-observed ones. Single payloads take exactly
// one amount; batch payloads take one per item. Each final amount must lie
// within the item's slippage band around the originally requested amount.
func (u *Updater) UpdateDepositAmounts(ctx context.Context, id uint64, finalAmounts []*uint256.Int) error {
	err := u.update(ctx, id, codec.TxDeposit, func(info codec.TransactionInfo, body []byte) ([]byte, error) {
		for i, final := range finalAmounts {
			if final == nil {
				return nil, fmt.Errorf("%w: amount %d is nil", ErrInvalidUpdateRequest, i)
			}
		}

		if info.Multi {
			mb, err := codec.DecodeMultiVaultBody(body)
			if err != nil {
				return nil, err
			}
			if len(finalAmounts) != mb.Len() {
				return nil, fmt.Errorf("%w: got %d amounts for batch of %d", ErrUpdateLength, len(finalAmounts), mb.Len())
			}
			for i, final := range finalAmounts {
				if err := checkSlippage(mb.Amounts[i], final, mb.MaxSlippageBps[i]); err != nil {
					return nil, err
				}
				mb.Amounts[i] = new(uint256.Int).Set(final)
			}
			return mb.Encode()
		}

		sb, err := codec.DecodeSingleVaultBody(body)
		if err != nil {
			return nil, err
		}
		if len(finalAmounts) != 1 {
			return nil, fmt.Errorf("%w: got %d amounts for single payload", ErrUpdateLength, len(finalAmounts))
		}
		if err := checkSlippage(sb.Amount, finalAmounts[0], sb.MaxSlippageBps); err != nil {
			return nil, err
		}
		sb.Amount = new(uint256.Int).Set(finalAmounts[0])
		return sb.Encode()
	})

	u.recordOutcome("deposit_amounts", id, err)
	return err
}

// UpdateWithdrawRoutes supplies liquidity-route calldata for a pending
// withdraw payload, one entry per item. Empty entries leave the item
// untouched, but at least one entry must carry calldata. A route may only be
// supplied where the original had none, and is re-validated against the
// payload's declared recipient, chains, sender and token before being
// accepted.
func (u *Updater) UpdateWithdrawRoutes(ctx context.Context, id uint64, txData [][]byte) error {
	err := u.update(ctx, id, codec.TxWithdraw, func(info codec.TransactionInfo, body []byte) ([]byte, error) {
		// An update with no calldata at all would amend nothing yet still
		// consume the single allowed update.
		supplied := false
		for _, d := range txData {
			if len(d) != 0 {
				supplied = true
				break
			}
		}
		if !supplied {
			return nil, fmt.Errorf("%w: no route calldata supplied", ErrInvalidUpdateRequest)
		}

		if info.Multi {
			mb, err := codec.DecodeMultiVaultBody(body)
			if err != nil {
				return nil, err
			}
			if len(txData) != mb.Len() {
				return nil, fmt.Errorf("%w: got %d routes for batch of %d", ErrUpdateLength, len(txData), mb.Len())
			}
			for i := range txData {
				if err := u.amendRoute(ctx, &mb.Routes[i], txData[i], info); err != nil {
					return nil, err
				}
			}
			return mb.Encode()
		}

		sb, err := codec.DecodeSingleVaultBody(body)
		if err != nil {
			return nil, err
		}
		if len(txData) != 1 {
			return nil, fmt.Errorf("%w: got %d routes for single payload", ErrUpdateLength, len(txData))
		}
		if err := u.amendRoute(ctx, &sb.Route, txData[0], info); err != nil {
			return nil, err
		}
		return sb.Encode()
	})

	u.recordOutcome("withdraw_routes", id, err)
	return err
}

// update runs the shared preamble (lookup, quorum gate, state gate, kind
// gate), applies amend to produce the new body, and commits the body swap
// with the quorum carry-forward.
func (u *Updater) update(ctx context.Context, id uint64, want codec.TxKind, amend func(codec.TransactionInfo, []byte) ([]byte, error)) error {
	rec, err := u.store.GetPayload(ctx, id)
	if err != nil {
		return err
	}

	info := codec.UnpackTransactionInfo(rec.Header)
	oldHash := codec.ContentHash(rec.Header, rec.Body)

	if err := u.quorum.Check(ctx, oldHash, info.SrcChainID); err != nil {
		return err
	}

	switch rec.State {
	case StateProcessed:
		return ErrAlreadyProcessed
	case StateUpdated:
		return ErrAlreadyUpdated
	}

	if info.TxKind != want || info.Callback != codec.CallbackInit {
		return fmt.Errorf("%w: payload %d is %s/%s", ErrInvalidUpdateRequest, id, info.TxKind, info.Callback)
	}

	newBody, err := amend(info, rec.Body)
	if err != nil {
		return err
	}

	newHash := codec.ContentHash(rec.Header, newBody)
	if err := u.store.MoveAttestations(ctx, oldHash, newHash); err != nil {
		return err
	}
	if err := u.store.ReplaceBody(ctx, id, newBody, StateUpdated); err != nil {
		return err
	}

	u.log.Info().
		Uint64("payload_id", id).
		Str("old_hash", oldHash.Hex()).
		Str("new_hash", newHash.Hex()).
		Msg("payload updated")
	u.events.Record(events.Event{
		Type:        events.TypePayloadUpdated,
		PayloadID:   id,
		ChainID:     info.SrcChainID,
		ContentHash: newHash.Hex(),
	})
	return nil
}

// amendRoute applies one supplied calldata entry to a route in place.
func (u *Updater) amendRoute(ctx context.Context, route *codec.RouteRequest, data []byte, info codec.TransactionInfo) error {
	if len(data) == 0 {
		return nil
	}
	if len(route.TxData) != 0 {
		return fmt.Errorf("%w: route already has calldata", ErrInvalidRoute)
	}

	candidate := *route
	candidate.TxData = append([]byte(nil), data...)
	exp := vault.RouteExpectation{
		SrcChainID: u.localChainID,
		DstChainID: info.SrcChainID,
		Recipient:  route.Recipient,
		Sender:     info.SrcSender,
		Token:      route.Token,
	}
	if err := u.router.ValidateRoute(ctx, candidate, exp); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRoute, err)
	}

	route.TxData = candidate.TxData
	return nil
}

func (u *Updater) recordOutcome(kind string, id uint64, err error) {
	if err == nil {
		u.metrics.RecordUpdate(kind, "ok")
		return
	}
	u.metrics.RecordUpdate(kind, "error")
	u.events.Record(events.Event{
		Type:      events.TypePayloadUpdateFailed,
		Severity:  events.SeverityWarning,
		PayloadID: id,
		Message:   kind,
		Error:     err.Error(),
	})
}

// checkSlippage verifies that final lies within
// [requested*(1-bps/10000), requested*(1+bps/10000)].
func checkSlippage(requested, final *uint256.Int, bps uint64) error {
	if bps > bpsDenominator {
		bps = bpsDenominator
	}

	var lo, hi uint256.Int
	lo.Mul(requested, uint256.NewInt(bpsDenominator-bps))
	lo.Div(&lo, uint256.NewInt(bpsDenominator))

	_, overflow := hi.MulOverflow(requested, uint256.NewInt(bpsDenominator+bps))
	if overflow {
		return fmt.Errorf("%w: requested amount too large", ErrSlippageOutOfBounds)
	}
	hi.Div(&hi, uint256.NewInt(bpsDenominator))

	if final.Lt(&lo) || final.Gt(&hi) {
		return fmt.Errorf("%w: final %s outside [%s, %s]", ErrSlippageOutOfBounds, final.Dec(), lo.Dec(), hi.Dec())
	}
	return nil
}

// contentHashOf is a small helper for callers that need the current content
// identity of a record.
func contentHashOf(rec Record) common.Hash {
	return codec.ContentHash(rec.Header, rec.Body)
}
