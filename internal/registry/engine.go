package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/omnivault-network/coordinator/internal/codec"
	"github.com/omnivault-network/coordinator/internal/events"
	"github.com/omnivault-network/coordinator/internal/metrics"
	"github.com/omnivault-network/coordinator/internal/relay"
	"github.com/omnivault-network/coordinator/internal/vault"
)

// ErrUnlockNotReady is returned by Finalize when the vault's cooldown is
// still running; the continuation is restored and may be finalized later.
var ErrUnlockNotReady = errors.New("registry: unlock not ready")

// AckDispatcher forwards acknowledgement envelopes toward a destination
// chain. Implemented by relay.Dispatcher.
type AckDispatcher interface {
	DispatchAck(ctx context.Context, dstChainID uint64, env *codec.Envelope, p relay.AckParams) error
}

// Receipt reports what one processing call did. The zero-amount convention
// in acknowledgement bodies overloads "succeeded" with "requested zero", so
// in-process callers get an explicit per-item success mask as well; the wire
// shape is unchanged.
type Receipt struct {
	Path          string
	AckDispatched bool
	SuccessMask   []bool
	ResidueCount  int
	TimelockNonce uint64
}

// Engine is the payload execution engine: the single processing entry point
// that re-checks quorum, dispatches to the four execution paths, isolates
// per-item vault failures, tracks failed-deposit residue, and emits
// acknowledgements.
type Engine struct {
	store        Store
	quorum       *Tracker
	resolver     vault.Resolver
	router       vault.Router
	accountant   vault.Accountant
	custodian    vault.Custodian
	timelocks    *vault.TimelockQueue
	dispatcher   AckDispatcher
	localChainID uint64

	log     zerolog.Logger
	events  events.Log
	metrics metrics.Collector
}

// EngineDeps bundles the engine's collaborators.
type EngineDeps struct {
	Store        Store
	Quorum       *Tracker
	Resolver     vault.Resolver
	Router       vault.Router
	Accountant   vault.Accountant
	Custodian    vault.Custodian
	Timelocks    *vault.TimelockQueue
	Dispatcher   AckDispatcher
	LocalChainID uint64

	Log     zerolog.Logger
	Events  events.Log
	Metrics metrics.Collector
}

// NewEngine creates an execution engine.
func NewEngine(d EngineDeps) *Engine {
	if d.Events == nil {
		d.Events = events.NopLog{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NopCollector{}
	}
	if d.Timelocks == nil {
		d.Timelocks = vault.NewTimelockQueue()
	}
	return &Engine{
		store:        d.Store,
		quorum:       d.Quorum,
		resolver:     d.Resolver,
		router:       d.Router,
		accountant:   d.Accountant,
		custodian:    d.Custodian,
		timelocks:    d.Timelocks,
		dispatcher:   d.Dispatcher,
		localChainID: d.LocalChainID,
		log:          d.Log.With().Str("component", "engine").Logger(),
		events:       d.Events,
		metrics:      d.Metrics,
	}
}

// Process executes the payload with the given id. It fails without side
// effects on state violations, quorum shortfalls, and custody shortfalls;
// per-item vault failures inside the execution paths are caught and turned
// into compensating data (FAIL acknowledgements, residue entries) instead.
// On success the payload is terminally marked processed, whether or not an
// acknowledgement was produced.
func (e *Engine) Process(ctx context.Context, id uint64, ack relay.AckParams) (*Receipt, error) {
	start := time.Now()

	rec, err := e.store.GetPayload(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State == StateProcessed {
		return nil, fmt.Errorf("%w: payload %d", ErrAlreadyProcessed, id)
	}

	info := codec.UnpackTransactionInfo(rec.Header)
	hash := contentHashOf(rec)
	if err := e.quorum.Check(ctx, hash, info.SrcChainID); err != nil {
		return nil, err
	}

	receipt, ret, err := e.execute(ctx, rec, info, ack)
	if err != nil {
		e.metrics.RecordProcess(receipt.Path, "error", time.Since(start))
		e.events.Record(events.Event{
			Type:      events.TypePayloadProcessFailed,
			Severity:  events.SeverityWarning,
			PayloadID: id,
			ChainID:   info.SrcChainID,
			Error:     err.Error(),
		})
		return nil, err
	}

	if ret != nil {
		if err := e.dispatcher.DispatchAck(ctx, info.SrcChainID, ret, ack); err != nil {
			e.metrics.RecordProcess(receipt.Path, "error", time.Since(start))
			return nil, fmt.Errorf("dispatch ack for payload %d: %w", id, err)
		}
		receipt.AckDispatched = true
	}

	if err := e.store.SetState(ctx, id, StateProcessed); err != nil {
		return nil, err
	}

	e.metrics.RecordProcess(receipt.Path, "ok", time.Since(start))
	e.events.Record(events.Event{
		Type:        events.TypePayloadProcessed,
		PayloadID:   id,
		ChainID:     info.SrcChainID,
		ContentHash: hash.Hex(),
		Message:     receipt.Path,
	})
	e.log.Info().
		Uint64("payload_id", id).
		Str("path", receipt.Path).
		Bool("ack", receipt.AckDispatched).
		Msg("payload processed")
	return receipt, nil
}

// execute routes the payload to its execution path and returns the receipt
// plus the acknowledgement envelope to send, if any.
func (e *Engine) execute(ctx context.Context, rec Record, info codec.TransactionInfo, ack relay.AckParams) (*Receipt, *codec.Envelope, error) {
	switch info.Callback {
	case codec.CallbackReturn, codec.CallbackFail:
		// Closing leg of a round trip this registry's chain initiated:
		// forward to position accounting for mint / re-mint.
		env := &codec.Envelope{TxInfo: rec.Header, Params: rec.Body}
		var err error
		if info.Multi {
			err = e.accountant.SyncMulti(ctx, env)
		} else {
			err = e.accountant.SyncSingle(ctx, env)
		}
		return &Receipt{Path: "ack"}, nil, err

	case codec.CallbackInit:
		switch {
		case info.TxKind == codec.TxWithdraw && !info.Multi:
			return e.singleWithdraw(ctx, rec, info, ack)
		case info.TxKind == codec.TxWithdraw && info.Multi:
			return e.multiWithdraw(ctx, rec, info, ack)
		case info.TxKind == codec.TxDeposit && !info.Multi:
			return e.singleDeposit(ctx, rec, info)
		default:
			return e.multiDeposit(ctx, rec, info)
		}

	default:
		return &Receipt{Path: "unknown"}, nil, fmt.Errorf("%w: callback %d", ErrInvalidUpdateRequest, info.Callback)
	}
}

func (e *Engine) singleWithdraw(ctx context.Context, rec Record, info codec.TransactionInfo, ack relay.AckParams) (*Receipt, *codec.Envelope, error) {
	receipt := &Receipt{Path: "withdraw.single"}

	sb, err := codec.DecodeSingleVaultBody(rec.Body)
	if err != nil {
		return receipt, nil, err
	}

	// A declared liquidity token with no calldata means the route update
	// never happened; executing now would strand the redeemed tokens.
	if sb.Route.Token != (common.Address{}) && len(sb.Route.TxData) == 0 {
		return receipt, nil, fmt.Errorf("%w: payload %d", ErrRouteNotUpdated, rec.ID)
	}

	adapter, err := e.resolver.Resolve(ctx, sb.Position)
	if err != nil {
		return receipt, nil, err
	}

	if tl, ok := adapter.(vault.TimelockAdapter); ok {
		status, err := tl.CheckUnlock(ctx, sb.Position, sb.Amount)
		if err != nil {
			return receipt, nil, err
		}
		if status != vault.UnlockReady {
			if err := tl.InitiateUnlock(ctx, sb); err != nil {
				return receipt, nil, err
			}
			nonce := e.timelocks.Push(vault.Continuation{
				PayloadID: rec.ID,
				Header:    rec.Header,
				Body:      rec.Body,
				Ack:       ack,
			})
			receipt.TimelockNonce = nonce
			e.events.Record(events.Event{
				Type:      events.TypeUnlockScheduled,
				PayloadID: rec.ID,
				Message:   status.String(),
			})
			return receipt, nil, nil
		}
	}

	if _, err := adapter.WithdrawFrom(ctx, sb); err != nil {
		e.noteVaultFailure("withdraw", rec.ID, sb.Position, err)
		receipt.SuccessMask = []bool{false}
		return receipt, e.buildAck(rec, info, codec.CallbackFail, []*uint256.Int{sb.Amount}), nil
	}

	receipt.SuccessMask = []bool{true}
	return receipt, nil, nil
}

func (e *Engine) singleDeposit(ctx context.Context, rec Record, info codec.TransactionInfo) (*Receipt, *codec.Envelope, error) {
	receipt := &Receipt{Path: "deposit.single"}

	if rec.State != StateUpdated {
		return receipt, nil, fmt.Errorf("%w: payload %d", ErrNotUpdated, rec.ID)
	}

	sb, err := codec.DecodeSingleVaultBody(rec.Body)
	if err != nil {
		return receipt, nil, err
	}

	adapter, err := e.resolver.Resolve(ctx, sb.Position)
	if err != nil {
		return receipt, nil, err
	}

	asset := adapter.UnderlyingAsset()
	bal, err := e.custodian.Balance(ctx, asset)
	if err != nil {
		return receipt, nil, err
	}
	if bal.Lt(sb.Amount) {
		return receipt, nil, fmt.Errorf("%w: have %s of %s, need %s",
			ErrBridgeTokensPending, bal.Dec(), asset.Hex(), sb.Amount.Dec())
	}
	if err := e.custodian.Transfer(ctx, asset, adapter.Address(), sb.Amount); err != nil {
		return receipt, nil, err
	}

	dest, err := adapter.DepositInto(ctx, sb)
	if err != nil {
		e.noteVaultFailure("deposit", rec.ID, sb.Position, err)
		if err := e.store.PutResidue(ctx, rec.ID, []*uint256.Int{sb.Position}); err != nil {
			return receipt, nil, err
		}
		e.metrics.RecordResidueEntries(1)
		receipt.SuccessMask = []bool{false}
		receipt.ResidueCount = 1
		return receipt, nil, nil
	}

	receipt.SuccessMask = []bool{true}
	return receipt, e.buildAck(rec, info, codec.CallbackReturn, []*uint256.Int{dest}), nil
}

func (e *Engine) multiWithdraw(ctx context.Context, rec Record, info codec.TransactionInfo, ack relay.AckParams) (*Receipt, *codec.Envelope, error) {
	receipt := &Receipt{Path: "withdraw.multi"}

	mb, err := codec.DecodeMultiVaultBody(rec.Body)
	if err != nil {
		return receipt, nil, err
	}
	if err := mb.Validate(); err != nil {
		return receipt, nil, err
	}

	n := mb.Len()
	amounts := make([]*uint256.Int, n)
	mask := make([]bool, n)
	hadErrors := false

	for i := 0; i < n; i++ {
		amounts[i] = new(uint256.Int).Set(mb.Amounts[i])
		mask[i] = true

		item := &codec.SingleVaultBody{
			Position:       mb.Positions[i],
			Amount:         mb.Amounts[i],
			MaxSlippageBps: mb.MaxSlippageBps[i],
			Route:          mb.Routes[i],
			Extra:          mb.Extra,
		}

		itemErr := e.withdrawItem(ctx, rec, item, ack)
		if itemErr != nil {
			// One item's failure never blocks the rest of the batch; the
			// original amount stays in place so the source re-mints exactly
			// the failed share.
			e.noteVaultFailure("withdraw", rec.ID, item.Position, itemErr)
			mask[i] = false
			hadErrors = true
			continue
		}
		// Zero signals "no re-mint needed" for items that went through.
		amounts[i] = uint256.NewInt(0)
	}

	receipt.SuccessMask = mask
	if hadErrors {
		return receipt, e.buildAck(rec, info, codec.CallbackFail, amounts), nil
	}
	return receipt, nil, nil
}

// withdrawItem executes one withdraw of a batch, including the per-item
// route gate and the delayed-unlock branch.
func (e *Engine) withdrawItem(ctx context.Context, rec Record, item *codec.SingleVaultBody, ack relay.AckParams) error {
	if item.Route.Token != (common.Address{}) && len(item.Route.TxData) == 0 {
		return fmt.Errorf("%w: position %s", ErrRouteNotUpdated, item.Position.Hex())
	}

	adapter, err := e.resolver.Resolve(ctx, item.Position)
	if err != nil {
		return err
	}

	if tl, ok := adapter.(vault.TimelockAdapter); ok {
		status, err := tl.CheckUnlock(ctx, item.Position, item.Amount)
		if err != nil {
			return err
		}
		if status != vault.UnlockReady {
			if err := tl.InitiateUnlock(ctx, item); err != nil {
				return err
			}
			body, err := item.Encode()
			if err != nil {
				return err
			}
			// The continuation takes over; the batch treats this item as
			// handled and sends no FAIL share for it.
			e.timelocks.Push(vault.Continuation{
				PayloadID: rec.ID,
				Header:    rec.Header,
				Body:      body,
				Ack:       ack,
			})
			e.events.Record(events.Event{
				Type:      events.TypeUnlockScheduled,
				PayloadID: rec.ID,
				Message:   status.String(),
			})
			return nil
		}
	}

	_, err = adapter.WithdrawFrom(ctx, item)
	return err
}

func (e *Engine) multiDeposit(ctx context.Context, rec Record, info codec.TransactionInfo) (*Receipt, *codec.Envelope, error) {
	receipt := &Receipt{Path: "deposit.multi"}

	if rec.State != StateUpdated {
		return receipt, nil, fmt.Errorf("%w: payload %d", ErrNotUpdated, rec.ID)
	}

	mb, err := codec.DecodeMultiVaultBody(rec.Body)
	if err != nil {
		return receipt, nil, err
	}
	if err := mb.Validate(); err != nil {
		return receipt, nil, err
	}

	n := mb.Len()
	adapters := make([]vault.Adapter, n)
	for i := 0; i < n; i++ {
		if adapters[i], err = e.resolver.Resolve(ctx, mb.Positions[i]); err != nil {
			return receipt, nil, err
		}
	}

	// The whole batch's tokens must be custodied before any transfer begins:
	// transfers are irreversible once started, so a shortfall anywhere aborts
	// everything up front. This is deliberately stricter than the per-item
	// failure isolation below.
	required := make(map[common.Address]*uint256.Int)
	for i := 0; i < n; i++ {
		asset := adapters[i].UnderlyingAsset()
		sum, ok := required[asset]
		if !ok {
			sum = uint256.NewInt(0)
			required[asset] = sum
		}
		sum.Add(sum, mb.Amounts[i])
	}
	for asset, need := range required {
		bal, err := e.custodian.Balance(ctx, asset)
		if err != nil {
			return receipt, nil, err
		}
		if bal.Lt(need) {
			return receipt, nil, fmt.Errorf("%w: have %s of %s, need %s",
				ErrBridgeTokensPending, bal.Dec(), asset.Hex(), need.Dec())
		}
	}

	dest := make([]*uint256.Int, n)
	mask := make([]bool, n)
	var failedPositions []*uint256.Int
	anySuccess := false

	for i := 0; i < n; i++ {
		dest[i] = uint256.NewInt(0)

		item := &codec.SingleVaultBody{
			Position:       mb.Positions[i],
			Amount:         mb.Amounts[i],
			MaxSlippageBps: mb.MaxSlippageBps[i],
			Route:          mb.Routes[i],
			Extra:          mb.Extra,
		}

		asset := adapters[i].UnderlyingAsset()
		if err := e.custodian.Transfer(ctx, asset, adapters[i].Address(), item.Amount); err != nil {
			return receipt, nil, err
		}

		out, itemErr := adapters[i].DepositInto(ctx, item)
		if itemErr != nil {
			e.noteVaultFailure("deposit", rec.ID, item.Position, itemErr)
			failedPositions = append(failedPositions, item.Position)
			continue
		}
		dest[i] = out
		mask[i] = true
		anySuccess = true
	}

	if len(failedPositions) > 0 {
		if err := e.store.PutResidue(ctx, rec.ID, failedPositions); err != nil {
			return receipt, nil, err
		}
		e.metrics.RecordResidueEntries(len(failedPositions))
		receipt.ResidueCount = len(failedPositions)
	}

	receipt.SuccessMask = mask
	if anySuccess {
		return receipt, e.buildAck(rec, info, codec.CallbackReturn, dest), nil
	}
	return receipt, nil, nil
}

// RescueFailedDeposits routes the stranded funds of failed deposits back to
// the original sender. The supplied routes must match the residue list in
// count and order; every route is re-validated before anything is dispatched
// so the residue is either fully consumed or untouched.
func (e *Engine) RescueFailedDeposits(ctx context.Context, id uint64, routes []codec.RouteRequest) error {
	rec, err := e.store.GetPayload(ctx, id)
	if err != nil {
		return err
	}
	info := codec.UnpackTransactionInfo(rec.Header)

	residue, err := e.store.Residue(ctx, id)
	if err != nil {
		return err
	}
	if len(residue) == 0 || len(routes) != len(residue) {
		e.metrics.RecordRescue("invalid")
		return fmt.Errorf("%w: residue has %d entries, got %d routes", ErrInvalidRescue, len(residue), len(routes))
	}

	for i, position := range residue {
		adapter, err := e.resolver.Resolve(ctx, position)
		if err != nil {
			return err
		}
		// The funds never left this chain, so both route endpoints are local
		// and the recipient is the original sender.
		exp := vault.RouteExpectation{
			SrcChainID: e.localChainID,
			DstChainID: e.localChainID,
			Recipient:  info.SrcSender,
			Token:      adapter.UnderlyingAsset(),
		}
		if err := e.router.ValidateRoute(ctx, routes[i], exp); err != nil {
			e.metrics.RecordRescue("invalid")
			return fmt.Errorf("%w: route %d: %v", ErrInvalidRescue, i, err)
		}
	}

	if _, err := e.store.TakeResidue(ctx, id); err != nil {
		return err
	}
	for i := range routes {
		if err := e.router.Dispatch(ctx, routes[i]); err != nil {
			e.metrics.RecordRescue("error")
			return fmt.Errorf("dispatch rescue route %d: %w", i, err)
		}
	}

	e.metrics.RecordRescue("ok")
	e.events.Record(events.Event{
		Type:      events.TypeRescueCompleted,
		PayloadID: id,
		Message:   fmt.Sprintf("routes=%d", len(routes)),
	})
	return nil
}

// Finalize completes a delayed-unlock withdrawal scheduled earlier. The
// continuation is consumed exactly once; if the cooldown is still running it
// is restored under the same nonce and ErrUnlockNotReady is returned. An
// adapter failure at this stage produces a FAIL acknowledgement dispatched
// with the ack parameters captured when the unlock was scheduled.
func (e *Engine) Finalize(ctx context.Context, nonce uint64) error {
	c, err := e.timelocks.Take(nonce)
	if err != nil {
		return err
	}

	sb, err := codec.DecodeSingleVaultBody(c.Body)
	if err != nil {
		return err
	}
	adapter, err := e.resolver.Resolve(ctx, sb.Position)
	if err != nil {
		return err
	}
	tl, ok := adapter.(vault.TimelockAdapter)
	if !ok {
		return fmt.Errorf("position %s is not timelocked", sb.Position.Hex())
	}

	status, err := tl.CheckUnlock(ctx, sb.Position, sb.Amount)
	if err != nil {
		e.timelocks.Restore(c)
		return err
	}
	if status != vault.UnlockReady {
		e.timelocks.Restore(c)
		return fmt.Errorf("%w: %s", ErrUnlockNotReady, status)
	}

	info := codec.UnpackTransactionInfo(c.Header)
	if _, err := adapter.WithdrawFrom(ctx, sb); err != nil {
		e.noteVaultFailure("withdraw", c.PayloadID, sb.Position, err)
		rec := Record{ID: c.PayloadID, Header: c.Header}
		env := e.buildAck(rec, info, codec.CallbackFail, []*uint256.Int{sb.Amount})
		if dispErr := e.dispatcher.DispatchAck(ctx, info.SrcChainID, env, c.Ack); dispErr != nil {
			return fmt.Errorf("dispatch fail ack for payload %d: %w", c.PayloadID, dispErr)
		}
	}

	e.events.Record(events.Event{
		Type:      events.TypeUnlockFinalized,
		PayloadID: c.PayloadID,
	})
	return nil
}

// buildAck packs an acknowledgement envelope mirroring the inbound header
// with only the callback kind swapped, so the source chain can correlate the
// round trip.
func (e *Engine) buildAck(rec Record, info codec.TransactionInfo, callback codec.CallbackKind, amounts []*uint256.Int) *codec.Envelope {
	header := codec.TransactionInfo{
		TxKind:     info.TxKind,
		Callback:   callback,
		Multi:      info.Multi,
		RegistryID: info.RegistryID,
		SrcSender:  info.SrcSender,
		SrcChainID: info.SrcChainID,
	}
	body, err := (&codec.ReturnBody{PayloadID: rec.ID, Amounts: amounts}).Encode()
	if err != nil {
		// ReturnBody holds only integers; encoding cannot fail at runtime.
		panic(err)
	}
	return &codec.Envelope{TxInfo: header.Pack(), Params: body}
}

func (e *Engine) noteVaultFailure(op string, payloadID uint64, position *uint256.Int, err error) {
	e.metrics.RecordVaultFailure(op)
	t := events.TypeWithdrawFailed
	if op == "deposit" {
		t = events.TypeDepositFailed
	}
	e.events.Record(events.Event{
		Type:      t,
		Severity:  events.SeverityWarning,
		PayloadID: payloadID,
		Message:   position.Hex(),
		Error:     err.Error(),
	})
	e.log.Warn().
		Uint64("payload_id", payloadID).
		Str("position", position.Hex()).
		Err(err).
		Msgf("vault %s failed", op)
}
