package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/omnivault-network/coordinator/internal/codec"
)

// The in-memory suite backs the coordinator in simulation mode and doubles as
// the fixture set for the registry tests. Production deployments register
// chain-specific implementations instead.

// MemoryAdapter is an in-memory vault adapter. Deposits and withdrawals
// succeed unless a failure is injected with FailNext or FailAlways.
type MemoryAdapter struct {
	mu sync.Mutex

	addr  common.Address
	asset common.Address

	// DestDelta is added to (or, negative, subtracted from) the requested
	// amount to simulate vault-side price movement. Zero means 1:1.
	DestDelta int64

	failNext   bool
	failAlways bool
	deposited  *uint256.Int
	withdrawn  *uint256.Int
}

// NewMemoryAdapter creates an adapter for the given address and underlying
// asset.
func NewMemoryAdapter(addr, asset common.Address) *MemoryAdapter {
	return &MemoryAdapter{
		addr:      addr,
		asset:     asset,
		deposited: uint256.NewInt(0),
		withdrawn: uint256.NewInt(0),
	}
}

// FailNext makes the next vault operation fail.
func (a *MemoryAdapter) FailNext() { a.mu.Lock(); a.failNext = true; a.mu.Unlock() }

// FailAlways makes every vault operation fail.
func (a *MemoryAdapter) FailAlways() { a.mu.Lock(); a.failAlways = true; a.mu.Unlock() }

// Address implements Adapter.
func (a *MemoryAdapter) Address() common.Address { return a.addr }

// UnderlyingAsset implements Adapter.
func (a *MemoryAdapter) UnderlyingAsset() common.Address { return a.asset }

func (a *MemoryAdapter) execute(amount *uint256.Int, total *uint256.Int, op string) (*uint256.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.failAlways || a.failNext {
		a.failNext = false
		return nil, fmt.Errorf("adapter %s: %s rejected", a.addr.Hex(), op)
	}

	out := new(uint256.Int).Set(amount)
	if a.DestDelta > 0 {
		out.Add(out, uint256.NewInt(uint64(a.DestDelta)))
	} else if a.DestDelta < 0 {
		delta := uint256.NewInt(uint64(-a.DestDelta))
		if out.Lt(delta) {
			out.Clear()
		} else {
			out.Sub(out, delta)
		}
	}
	total.Add(total, out)
	return out, nil
}

// DepositInto implements Adapter.
func (a *MemoryAdapter) DepositInto(_ context.Context, body *codec.SingleVaultBody) (*uint256.Int, error) {
	return a.execute(body.Amount, a.deposited, "deposit")
}

// WithdrawFrom implements Adapter.
func (a *MemoryAdapter) WithdrawFrom(_ context.Context, body *codec.SingleVaultBody) (*uint256.Int, error) {
	return a.execute(body.Amount, a.withdrawn, "withdraw")
}

// TotalDeposited returns the cumulative deposited amount.
func (a *MemoryAdapter) TotalDeposited() *uint256.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return new(uint256.Int).Set(a.deposited)
}

// MemoryTimelockAdapter wraps MemoryAdapter with a delayed-unlock phase. It
// reports UnlockCooldown until Release is called.
type MemoryTimelockAdapter struct {
	*MemoryAdapter

	mu        sync.Mutex
	released  bool
	initiated int
}

// NewMemoryTimelockAdapter creates a timelocked in-memory adapter.
func NewMemoryTimelockAdapter(addr, asset common.Address) *MemoryTimelockAdapter {
	return &MemoryTimelockAdapter{MemoryAdapter: NewMemoryAdapter(addr, asset)}
}

// Release ends the simulated cooldown.
func (a *MemoryTimelockAdapter) Release() { a.mu.Lock(); a.released = true; a.mu.Unlock() }

// Initiations returns how many unlocks were started.
func (a *MemoryTimelockAdapter) Initiations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.initiated
}

// CheckUnlock implements TimelockAdapter.
func (a *MemoryTimelockAdapter) CheckUnlock(context.Context, *uint256.Int, *uint256.Int) (UnlockStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return UnlockReady, nil
	}
	return UnlockCooldown, nil
}

// InitiateUnlock implements TimelockAdapter.
func (a *MemoryTimelockAdapter) InitiateUnlock(context.Context, *codec.SingleVaultBody) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.initiated++
	return nil
}

// StaticResolver resolves positions from a fixed table.
type StaticResolver struct {
	mu       sync.RWMutex
	adapters map[common.Hash]Adapter
}

// NewStaticResolver creates an empty resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{adapters: make(map[common.Hash]Adapter)}
}

// Register binds a packed position identifier to an adapter.
func (r *StaticResolver) Register(position *uint256.Int, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[common.Hash(position.Bytes32())] = a
}

// Resolve implements Resolver.
func (r *StaticResolver) Resolve(_ context.Context, position *uint256.Int) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[common.Hash(position.Bytes32())]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPosition, position.Hex())
	}
	return a, nil
}

// MemoryRouter validates routes against expectations and records dispatches.
type MemoryRouter struct {
	mu         sync.Mutex
	dispatched []codec.RouteRequest

	// RejectAll makes every validation fail, for exercising the
	// invalid-route paths.
	RejectAll bool
}

// NewMemoryRouter creates a router with no dispatched routes.
func NewMemoryRouter() *MemoryRouter { return &MemoryRouter{} }

// ValidateRoute implements Router. A route is accepted when its declared
// endpoints match the expectation; empty calldata is never valid.
func (r *MemoryRouter) ValidateRoute(_ context.Context, route codec.RouteRequest, exp RouteExpectation) error {
	if r.RejectAll {
		return fmt.Errorf("router: route rejected")
	}
	if len(route.TxData) == 0 {
		return fmt.Errorf("router: empty route calldata")
	}
	if route.SrcChainID != exp.SrcChainID || route.DstChainID != exp.DstChainID {
		return fmt.Errorf("router: chain mismatch: route %d->%d, expected %d->%d",
			route.SrcChainID, route.DstChainID, exp.SrcChainID, exp.DstChainID)
	}
	if exp.Recipient != (common.Address{}) && route.Recipient != exp.Recipient {
		return fmt.Errorf("router: recipient mismatch")
	}
	if exp.Token != (common.Address{}) && route.Token != exp.Token {
		return fmt.Errorf("router: token mismatch")
	}
	return nil
}

// Dispatch implements Router.
func (r *MemoryRouter) Dispatch(_ context.Context, route codec.RouteRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatched = append(r.dispatched, route)
	return nil
}

// Dispatched returns the routes dispatched so far.
func (r *MemoryRouter) Dispatched() []codec.RouteRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]codec.RouteRequest, len(r.dispatched))
	copy(out, r.dispatched)
	return out
}

// MemoryCustodian tracks token balances in memory.
type MemoryCustodian struct {
	mu       sync.Mutex
	balances map[common.Address]*uint256.Int
}

// NewMemoryCustodian creates a custodian with no balances.
func NewMemoryCustodian() *MemoryCustodian {
	return &MemoryCustodian{balances: make(map[common.Address]*uint256.Int)}
}

// Credit adds custodied balance for a token, simulating bridged funds
// arriving from the route layer.
func (c *MemoryCustodian) Credit(token common.Address, amount *uint256.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bal, ok := c.balances[token]
	if !ok {
		bal = uint256.NewInt(0)
		c.balances[token] = bal
	}
	bal.Add(bal, amount)
}

// Balance implements Custodian.
func (c *MemoryCustodian) Balance(_ context.Context, token common.Address) (*uint256.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bal, ok := c.balances[token]; ok {
		return new(uint256.Int).Set(bal), nil
	}
	return uint256.NewInt(0), nil
}

// Transfer implements Custodian.
func (c *MemoryCustodian) Transfer(_ context.Context, token, to common.Address, amount *uint256.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	bal, ok := c.balances[token]
	if !ok || bal.Lt(amount) {
		return fmt.Errorf("custodian: insufficient balance of %s", token.Hex())
	}
	bal.Sub(bal, amount)
	return nil
}

// MemoryAccountant records the acknowledgement messages handed to it.
type MemoryAccountant struct {
	mu     sync.Mutex
	single []*codec.Envelope
	multi  []*codec.Envelope
}

// NewMemoryAccountant creates an empty accountant.
func NewMemoryAccountant() *MemoryAccountant { return &MemoryAccountant{} }

// SyncSingle implements Accountant.
func (a *MemoryAccountant) SyncSingle(_ context.Context, env *codec.Envelope) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.single = append(a.single, env)
	return nil
}

// SyncMulti implements Accountant.
func (a *MemoryAccountant) SyncMulti(_ context.Context, env *codec.Envelope) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.multi = append(a.multi, env)
	return nil
}

// Synced returns the recorded single and multi messages.
func (a *MemoryAccountant) Synced() (single, multi []*codec.Envelope) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*codec.Envelope(nil), a.single...), append([]*codec.Envelope(nil), a.multi...)
}
