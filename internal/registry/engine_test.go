package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/omnivault-network/coordinator/internal/codec"
	"github.com/omnivault-network/coordinator/internal/relay"
	"github.com/omnivault-network/coordinator/internal/vault"
)

var (
	adapterAddr1 = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	adapterAddr2 = common.HexToAddress("0x0000000000000000000000000000000000000a02")
	adapterAddr3 = common.HexToAddress("0x0000000000000000000000000000000000000a03")
	testToken    = common.HexToAddress("0x0000000000000000000000000000000000000c01")
)

func position(addr common.Address) *uint256.Int {
	return codec.Position{Adapter: addr, Kind: 1, ChainID: testLocalChain}.Pack()
}

type engineFixture struct {
	store      *MemoryStore
	tracker    *Tracker
	resolver   *vault.StaticResolver
	router     *vault.MemoryRouter
	custodian  *vault.MemoryCustodian
	accountant *vault.MemoryAccountant
	timelocks  *vault.TimelockQueue
	relay1     *relay.Loopback
	engine     *Engine
}

func newEngineFixture(quorum uint64) *engineFixture {
	store := NewMemoryStore()
	tracker := NewTracker(store, StaticQuorum{Default: quorum}, nil)
	f := &engineFixture{
		store:      store,
		tracker:    tracker,
		resolver:   vault.NewStaticResolver(),
		router:     vault.NewMemoryRouter(),
		custodian:  vault.NewMemoryCustodian(),
		accountant: vault.NewMemoryAccountant(),
		timelocks:  vault.NewTimelockQueue(),
		relay1:     relay.NewLoopback(1),
	}
	dispatcher := relay.NewDispatcher([]relay.Relayer{f.relay1}, zerolog.Nop(), nil, nil)
	f.engine = NewEngine(EngineDeps{
		Store:        store,
		Quorum:       tracker,
		Resolver:     f.resolver,
		Router:       f.router,
		Accountant:   f.accountant,
		Custodian:    f.custodian,
		Timelocks:    f.timelocks,
		Dispatcher:   dispatcher,
		LocalChainID: testLocalChain,
		Log:          zerolog.Nop(),
	})
	return f
}

func (f *engineFixture) seed(t *testing.T, header *uint256.Int, body []byte, attestations int) uint64 {
	t.Helper()
	ctx := context.Background()
	id, err := f.store.AppendPayload(ctx, header, body)
	if err != nil {
		t.Fatalf("append payload: %v", err)
	}
	hash := codec.ContentHash(header, body)
	for i := 0; i < attestations; i++ {
		if _, err := f.tracker.Record(ctx, hash); err != nil {
			t.Fatalf("record attestation: %v", err)
		}
	}
	return id
}

// markUpdated moves a payload to StateUpdated without changing its body, the
// way an identity amount update would.
func (f *engineFixture) markUpdated(t *testing.T, id uint64) {
	t.Helper()
	ctx := context.Background()
	rec, err := f.store.GetPayload(ctx, id)
	if err != nil {
		t.Fatalf("get payload: %v", err)
	}
	if err := f.store.ReplaceBody(ctx, id, rec.Body, StateUpdated); err != nil {
		t.Fatalf("mark updated: %v", err)
	}
}

func (f *engineFixture) lastAck(t *testing.T) (codec.TransactionInfo, *codec.ReturnBody) {
	t.Helper()
	deliveries := f.relay1.Deliveries()
	if len(deliveries) == 0 {
		t.Fatal("no acknowledgement dispatched")
	}
	env, err := codec.DecodeEnvelope(deliveries[len(deliveries)-1].Payload)
	if err != nil {
		t.Fatalf("decode ack envelope: %v", err)
	}
	body, err := codec.DecodeReturnBody(env.Params)
	if err != nil {
		t.Fatalf("decode return body: %v", err)
	}
	return codec.UnpackTransactionInfo(env.TxInfo), body
}

var testAck = relay.AckParams{RelayIDs: []uint8{1}}

func TestProcessQuorumGate(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(2)

	adapter := vault.NewMemoryAdapter(adapterAddr1, testToken)
	f.resolver.Register(position(adapterAddr1), adapter)

	body := singleBody(t, 1000, 100, codec.RouteRequest{})
	header := withdrawHeader(false)
	id := f.seed(t, header, body, 1)

	if _, err := f.engine.Process(ctx, id, testAck); !errors.Is(err, ErrQuorumNotReached) {
		t.Fatalf("below quorum: got %v, want ErrQuorumNotReached", err)
	}
	rec, _ := f.store.GetPayload(ctx, id)
	if rec.State != StatePending {
		t.Fatalf("failed process changed state to %s", rec.State)
	}

	// The missing attestation arrives; the same call now goes through.
	f.tracker.Record(ctx, codec.ContentHash(header, body))
	if _, err := f.engine.Process(ctx, id, testAck); err != nil {
		t.Fatalf("at quorum: %v", err)
	}
	rec, _ = f.store.GetPayload(ctx, id)
	if rec.State != StateProcessed {
		t.Errorf("state = %s, want processed", rec.State)
	}
}

func TestProcessIsTerminal(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(1)

	adapter := vault.NewMemoryAdapter(adapterAddr1, testToken)
	f.resolver.Register(position(adapterAddr1), adapter)

	id := f.seed(t, withdrawHeader(false), singleBody(t, 1000, 100, codec.RouteRequest{}), 1)
	if _, err := f.engine.Process(ctx, id, testAck); err != nil {
		t.Fatalf("first process: %v", err)
	}
	if _, err := f.engine.Process(ctx, id, testAck); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("second process: got %v, want ErrAlreadyProcessed", err)
	}
}

func TestSingleDepositRequiresUpdate(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(1)

	adapter := vault.NewMemoryAdapter(adapterAddr1, testToken)
	f.resolver.Register(position(adapterAddr1), adapter)

	id := f.seed(t, depositHeader(false), singleBody(t, 1000, 100, codec.RouteRequest{}), 1)
	if _, err := f.engine.Process(ctx, id, testAck); !errors.Is(err, ErrNotUpdated) {
		t.Fatalf("got %v, want ErrNotUpdated", err)
	}
}

func TestSingleDepositSuccess(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(1)

	adapter := vault.NewMemoryAdapter(adapterAddr1, testToken)
	adapter.DestDelta = 5
	f.resolver.Register(position(adapterAddr1), adapter)
	f.custodian.Credit(testToken, uint256.NewInt(1000))

	id := f.seed(t, depositHeader(false), singleBody(t, 1000, 100, codec.RouteRequest{}), 1)
	f.markUpdated(t, id)

	receipt, err := f.engine.Process(ctx, id, testAck)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if receipt.Path != "deposit.single" || !receipt.AckDispatched {
		t.Errorf("receipt = %+v", receipt)
	}

	info, ret := f.lastAck(t)
	if info.Callback != codec.CallbackReturn {
		t.Errorf("ack callback = %s, want return", info.Callback)
	}
	if info.SrcChainID != testSrcChain || info.SrcSender != testSender {
		t.Errorf("ack header does not mirror the request: %+v", info)
	}
	if ret.PayloadID != id {
		t.Errorf("ack payload id = %d, want %d", ret.PayloadID, id)
	}
	if len(ret.Amounts) != 1 || ret.Amounts[0].Uint64() != 1005 {
		t.Errorf("ack amounts = %v, want [1005]", ret.Amounts)
	}

	// Custody moved to the vault.
	bal, _ := f.custodian.Balance(ctx, testToken)
	if !bal.IsZero() {
		t.Errorf("custodian balance = %s after deposit, want 0", bal.Dec())
	}
	if adapter.TotalDeposited().Uint64() != 1005 {
		t.Errorf("vault deposited = %s", adapter.TotalDeposited().Dec())
	}
}

func TestSingleDepositBridgeTokensPending(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(1)

	adapter := vault.NewMemoryAdapter(adapterAddr1, testToken)
	f.resolver.Register(position(adapterAddr1), adapter)
	f.custodian.Credit(testToken, uint256.NewInt(999))

	id := f.seed(t, depositHeader(false), singleBody(t, 1000, 100, codec.RouteRequest{}), 1)
	f.markUpdated(t, id)

	if _, err := f.engine.Process(ctx, id, testAck); !errors.Is(err, ErrBridgeTokensPending) {
		t.Fatalf("got %v, want ErrBridgeTokensPending", err)
	}

	// Nothing happened: no transfer, no state change, retry works once the
	// tokens arrive.
	rec, _ := f.store.GetPayload(ctx, id)
	if rec.State != StateUpdated {
		t.Fatalf("state = %s after abort", rec.State)
	}
	f.custodian.Credit(testToken, uint256.NewInt(1))
	if _, err := f.engine.Process(ctx, id, testAck); err != nil {
		t.Fatalf("retry after funds arrived: %v", err)
	}
}

func TestSingleDepositFailureLeavesResidue(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(1)

	adapter := vault.NewMemoryAdapter(adapterAddr1, testToken)
	adapter.FailAlways()
	f.resolver.Register(position(adapterAddr1), adapter)
	f.custodian.Credit(testToken, uint256.NewInt(1000))

	id := f.seed(t, depositHeader(false), singleBody(t, 1000, 100, codec.RouteRequest{}), 1)
	f.markUpdated(t, id)

	receipt, err := f.engine.Process(ctx, id, testAck)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if receipt.AckDispatched {
		t.Error("failed single deposit dispatched an ack")
	}
	if receipt.ResidueCount != 1 {
		t.Errorf("residue count = %d, want 1", receipt.ResidueCount)
	}

	rec, _ := f.store.GetPayload(ctx, id)
	if rec.State != StateProcessed {
		t.Errorf("state = %s, want processed", rec.State)
	}
	residue, _ := f.store.Residue(ctx, id)
	if len(residue) != 1 || !residue[0].Eq(position(adapterAddr1)) {
		t.Errorf("residue = %v", residue)
	}
}

func TestSingleWithdrawSuccessNoAck(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(1)

	adapter := vault.NewMemoryAdapter(adapterAddr1, testToken)
	f.resolver.Register(position(adapterAddr1), adapter)

	id := f.seed(t, withdrawHeader(false), singleBody(t, 700, 100, codec.RouteRequest{}), 1)
	receipt, err := f.engine.Process(ctx, id, testAck)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if receipt.AckDispatched {
		t.Error("successful withdraw dispatched an ack")
	}
	if len(f.relay1.Deliveries()) != 0 {
		t.Error("relay saw traffic for a silent success")
	}
}

func TestSingleWithdrawFailureSendsFailAck(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(1)

	adapter := vault.NewMemoryAdapter(adapterAddr1, testToken)
	adapter.FailAlways()
	f.resolver.Register(position(adapterAddr1), adapter)

	id := f.seed(t, withdrawHeader(false), singleBody(t, 700, 100, codec.RouteRequest{}), 1)
	receipt, err := f.engine.Process(ctx, id, testAck)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !receipt.AckDispatched {
		t.Fatal("no FAIL ack for failed withdraw")
	}

	info, ret := f.lastAck(t)
	if info.Callback != codec.CallbackFail {
		t.Errorf("ack callback = %s, want fail", info.Callback)
	}
	if len(ret.Amounts) != 1 || ret.Amounts[0].Uint64() != 700 {
		t.Errorf("FAIL ack amounts = %v, want the original [700]", ret.Amounts)
	}

	rec, _ := f.store.GetPayload(ctx, id)
	if rec.State != StateProcessed {
		t.Errorf("state = %s, want processed", rec.State)
	}
}

func TestSingleWithdrawRouteNotUpdated(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(1)

	adapter := vault.NewMemoryAdapter(adapterAddr1, testToken)
	f.resolver.Register(position(adapterAddr1), adapter)

	// Declared liquidity token, no calldata: the route update never came.
	route := codec.RouteRequest{Token: testToken, SrcChainID: testLocalChain, DstChainID: testSrcChain}
	id := f.seed(t, withdrawHeader(false), singleBody(t, 700, 100, route), 1)

	if _, err := f.engine.Process(ctx, id, testAck); !errors.Is(err, ErrRouteNotUpdated) {
		t.Fatalf("got %v, want ErrRouteNotUpdated", err)
	}
	rec, _ := f.store.GetPayload(ctx, id)
	if rec.State != StatePending {
		t.Errorf("aborted process changed state to %s", rec.State)
	}
}

func multiWithdrawBody(t *testing.T, amounts ...uint64) []byte {
	t.Helper()
	addrs := []common.Address{adapterAddr1, adapterAddr2, adapterAddr3}
	body := &codec.MultiVaultBody{}
	for i, amount := range amounts {
		body.Positions = append(body.Positions, position(addrs[i]))
		body.Amounts = append(body.Amounts, uint256.NewInt(amount))
		body.MaxSlippageBps = append(body.MaxSlippageBps, 100)
		body.Routes = append(body.Routes, codec.RouteRequest{})
	}
	data, err := body.Encode()
	if err != nil {
		t.Fatalf("encode multi body: %v", err)
	}
	return data
}

func TestMultiWithdrawPartialFailure(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(1)

	good1 := vault.NewMemoryAdapter(adapterAddr1, testToken)
	bad := vault.NewMemoryAdapter(adapterAddr2, testToken)
	bad.FailAlways()
	good2 := vault.NewMemoryAdapter(adapterAddr3, testToken)
	f.resolver.Register(position(adapterAddr1), good1)
	f.resolver.Register(position(adapterAddr2), bad)
	f.resolver.Register(position(adapterAddr3), good2)

	id := f.seed(t, withdrawHeader(true), multiWithdrawBody(t, 100, 200, 300), 1)
	receipt, err := f.engine.Process(ctx, id, testAck)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	wantMask := []bool{true, false, true}
	if len(receipt.SuccessMask) != 3 {
		t.Fatalf("mask length = %d", len(receipt.SuccessMask))
	}
	for i, want := range wantMask {
		if receipt.SuccessMask[i] != want {
			t.Errorf("mask[%d] = %v, want %v", i, receipt.SuccessMask[i], want)
		}
	}

	info, ret := f.lastAck(t)
	if info.Callback != codec.CallbackFail || !info.Multi {
		t.Errorf("ack header = %+v, want multi fail", info)
	}
	// Zero marks succeeded items; failed items carry the original amount so
	// exactly the failed share is re-minted at the source.
	want := []uint64{0, 200, 0}
	for i, amount := range ret.Amounts {
		if amount.Uint64() != want[i] {
			t.Errorf("ack amounts[%d] = %s, want %d", i, amount.Dec(), want[i])
		}
	}

	rec, _ := f.store.GetPayload(ctx, id)
	if rec.State != StateProcessed {
		t.Errorf("state = %s, want processed", rec.State)
	}
}

func TestMultiWithdrawAllSucceedNoAck(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(1)

	f.resolver.Register(position(adapterAddr1), vault.NewMemoryAdapter(adapterAddr1, testToken))
	f.resolver.Register(position(adapterAddr2), vault.NewMemoryAdapter(adapterAddr2, testToken))

	id := f.seed(t, withdrawHeader(true), multiWithdrawBody(t, 100, 200), 1)
	receipt, err := f.engine.Process(ctx, id, testAck)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if receipt.AckDispatched {
		t.Error("clean batch dispatched an ack")
	}
}

func multiDepositBody(t *testing.T, amounts ...uint64) []byte {
	return multiWithdrawBody(t, amounts...)
}

func TestMultiDepositAggregateCustodyCheck(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(1)

	f.resolver.Register(position(adapterAddr1), vault.NewMemoryAdapter(adapterAddr1, testToken))
	f.resolver.Register(position(adapterAddr2), vault.NewMemoryAdapter(adapterAddr2, testToken))

	// Enough for either item alone, not for both: the batch must abort as a
	// whole before any transfer.
	f.custodian.Credit(testToken, uint256.NewInt(250))

	id := f.seed(t, depositHeader(true), multiDepositBody(t, 200, 100), 1)
	f.markUpdated(t, id)

	if _, err := f.engine.Process(ctx, id, testAck); !errors.Is(err, ErrBridgeTokensPending) {
		t.Fatalf("got %v, want ErrBridgeTokensPending", err)
	}
	bal, _ := f.custodian.Balance(ctx, testToken)
	if bal.Uint64() != 250 {
		t.Errorf("custody touched on abort: balance = %s", bal.Dec())
	}
}

func TestMultiDepositPartialFailure(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(1)

	good := vault.NewMemoryAdapter(adapterAddr1, testToken)
	bad := vault.NewMemoryAdapter(adapterAddr2, testToken)
	bad.FailAlways()
	f.resolver.Register(position(adapterAddr1), good)
	f.resolver.Register(position(adapterAddr2), bad)
	f.custodian.Credit(testToken, uint256.NewInt(300))

	id := f.seed(t, depositHeader(true), multiDepositBody(t, 200, 100), 1)
	f.markUpdated(t, id)

	receipt, err := f.engine.Process(ctx, id, testAck)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !receipt.AckDispatched {
		t.Fatal("partial success must still acknowledge the succeeded items")
	}
	if receipt.ResidueCount != 1 {
		t.Errorf("residue count = %d, want 1", receipt.ResidueCount)
	}

	info, ret := f.lastAck(t)
	if info.Callback != codec.CallbackReturn {
		t.Errorf("ack callback = %s, want return", info.Callback)
	}
	if ret.Amounts[0].Uint64() != 200 || ret.Amounts[1].Uint64() != 0 {
		t.Errorf("ack amounts = [%s, %s], want [200, 0]", ret.Amounts[0].Dec(), ret.Amounts[1].Dec())
	}

	residue, _ := f.store.Residue(ctx, id)
	if len(residue) != 1 || !residue[0].Eq(position(adapterAddr2)) {
		t.Errorf("residue = %v, want the failed position", residue)
	}
}

func TestRescueFailedDeposits(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(1)

	adapter := vault.NewMemoryAdapter(adapterAddr1, testToken)
	adapter.FailAlways()
	f.resolver.Register(position(adapterAddr1), adapter)
	f.custodian.Credit(testToken, uint256.NewInt(1000))

	id := f.seed(t, depositHeader(false), singleBody(t, 1000, 100, codec.RouteRequest{}), 1)
	f.markUpdated(t, id)
	if _, err := f.engine.Process(ctx, id, testAck); err != nil {
		t.Fatalf("process: %v", err)
	}

	goodRoute := codec.RouteRequest{
		TxData:     []byte{0x01},
		Token:      testToken,
		SrcChainID: testLocalChain,
		DstChainID: testLocalChain,
		Amount:     uint256.NewInt(1000),
		Recipient:  testSender,
	}

	t.Run("length mismatch rejected", func(t *testing.T) {
		err := f.engine.RescueFailedDeposits(ctx, id, []codec.RouteRequest{goodRoute, goodRoute})
		if !errors.Is(err, ErrInvalidRescue) {
			t.Fatalf("got %v, want ErrInvalidRescue", err)
		}
		residue, _ := f.store.Residue(ctx, id)
		if len(residue) != 1 {
			t.Error("failed rescue consumed the residue")
		}
	})

	t.Run("bad route rejected, residue intact", func(t *testing.T) {
		bad := goodRoute
		bad.Recipient = common.HexToAddress("0xdead")
		err := f.engine.RescueFailedDeposits(ctx, id, []codec.RouteRequest{bad})
		if !errors.Is(err, ErrInvalidRescue) {
			t.Fatalf("got %v, want ErrInvalidRescue", err)
		}
		residue, _ := f.store.Residue(ctx, id)
		if len(residue) != 1 {
			t.Error("failed rescue consumed the residue")
		}
	})

	t.Run("valid rescue dispatches and consumes", func(t *testing.T) {
		if err := f.engine.RescueFailedDeposits(ctx, id, []codec.RouteRequest{goodRoute}); err != nil {
			t.Fatalf("rescue: %v", err)
		}
		if got := len(f.router.Dispatched()); got != 1 {
			t.Errorf("dispatched routes = %d, want 1", got)
		}
		residue, _ := f.store.Residue(ctx, id)
		if len(residue) != 0 {
			t.Error("residue not consumed")
		}
	})

	t.Run("second rescue rejected", func(t *testing.T) {
		err := f.engine.RescueFailedDeposits(ctx, id, []codec.RouteRequest{goodRoute})
		if !errors.Is(err, ErrInvalidRescue) {
			t.Fatalf("got %v, want ErrInvalidRescue", err)
		}
	})
}

func TestTimelockWithdrawLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(1)

	adapter := vault.NewMemoryTimelockAdapter(adapterAddr1, testToken)
	f.resolver.Register(position(adapterAddr1), adapter)

	id := f.seed(t, withdrawHeader(false), singleBody(t, 500, 100, codec.RouteRequest{}), 1)
	receipt, err := f.engine.Process(ctx, id, testAck)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if receipt.TimelockNonce == 0 {
		t.Fatal("no continuation scheduled for locked vault")
	}
	if receipt.AckDispatched {
		t.Error("locked withdraw dispatched an ack")
	}
	if adapter.Initiations() != 1 {
		t.Errorf("unlock initiations = %d, want 1", adapter.Initiations())
	}
	// The payload itself is done; only the continuation remains.
	rec, _ := f.store.GetPayload(ctx, id)
	if rec.State != StateProcessed {
		t.Errorf("state = %s, want processed", rec.State)
	}

	nonce := receipt.TimelockNonce

	// Cooldown still running: the continuation survives for a later retry.
	if err := f.engine.Finalize(ctx, nonce); !errors.Is(err, ErrUnlockNotReady) {
		t.Fatalf("finalize during cooldown: got %v, want ErrUnlockNotReady", err)
	}
	if f.timelocks.Len() != 1 {
		t.Fatal("continuation lost after not-ready finalize")
	}

	adapter.Release()
	if err := f.engine.Finalize(ctx, nonce); err != nil {
		t.Fatalf("finalize after release: %v", err)
	}
	if f.timelocks.Len() != 0 {
		t.Error("continuation not consumed")
	}

	// Consume-once: the nonce is gone.
	if err := f.engine.Finalize(ctx, nonce); !errors.Is(err, vault.ErrUnknownContinuation) {
		t.Errorf("replayed finalize: got %v, want ErrUnknownContinuation", err)
	}
}

func TestFinalizeWithdrawFailureSendsFailAck(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(1)

	adapter := vault.NewMemoryTimelockAdapter(adapterAddr1, testToken)
	f.resolver.Register(position(adapterAddr1), adapter)

	id := f.seed(t, withdrawHeader(false), singleBody(t, 500, 100, codec.RouteRequest{}), 1)
	receipt, err := f.engine.Process(ctx, id, testAck)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	adapter.Release()
	adapter.FailAlways()
	if err := f.engine.Finalize(ctx, receipt.TimelockNonce); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	info, ret := f.lastAck(t)
	if info.Callback != codec.CallbackFail {
		t.Errorf("ack callback = %s, want fail", info.Callback)
	}
	if ret.PayloadID != id || ret.Amounts[0].Uint64() != 500 {
		t.Errorf("FAIL ack = %+v, want original amount for payload %d", ret, id)
	}
}

func TestProcessAckCallbacksSyncAccounting(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(1)

	returnHeader := codec.TransactionInfo{
		TxKind:     codec.TxDeposit,
		Callback:   codec.CallbackReturn,
		RegistryID: 1,
		SrcSender:  testSender,
		SrcChainID: testSrcChain,
	}.Pack()
	body, err := (&codec.ReturnBody{PayloadID: 4, Amounts: []*uint256.Int{uint256.NewInt(100)}}).Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	id := f.seed(t, returnHeader, body, 1)
	receipt, err := f.engine.Process(ctx, id, testAck)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if receipt.Path != "ack" {
		t.Errorf("path = %s, want ack", receipt.Path)
	}

	single, multi := f.accountant.Synced()
	if len(single) != 1 || len(multi) != 0 {
		t.Errorf("synced single=%d multi=%d, want 1/0", len(single), len(multi))
	}
}

func TestAckDispatchFailureLeavesPayloadRetryable(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(1)

	adapter := vault.NewMemoryAdapter(adapterAddr1, testToken)
	adapter.FailAlways()
	f.resolver.Register(position(adapterAddr1), adapter)
	f.relay1.FailAll = true

	id := f.seed(t, withdrawHeader(false), singleBody(t, 700, 100, codec.RouteRequest{}), 1)
	if _, err := f.engine.Process(ctx, id, testAck); err == nil {
		t.Fatal("expected dispatch error")
	}

	rec, _ := f.store.GetPayload(ctx, id)
	if rec.State == StateProcessed {
		t.Fatal("payload marked processed though the ack never left")
	}

	// The relay recovers; the retry completes the round.
	f.relay1.FailAll = false
	if _, err := f.engine.Process(ctx, id, testAck); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestProcessUnknownPositionAborts(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(1)

	id := f.seed(t, withdrawHeader(false), singleBody(t, 700, 100, codec.RouteRequest{}), 1)
	if _, err := f.engine.Process(ctx, id, testAck); !errors.Is(err, vault.ErrUnknownPosition) {
		t.Fatalf("got %v, want ErrUnknownPosition", err)
	}
	rec, _ := f.store.GetPayload(ctx, id)
	if rec.State != StatePending {
		t.Errorf("aborted process changed state to %s", rec.State)
	}
}
