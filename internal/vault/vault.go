// Package vault defines the collaborator capabilities the registry core
// executes against: vault adapters, the liquidity router, token custody,
// position accounting, and identifier resolution. The implementations live
// outside the core; this package fixes the contracts and supplies in-memory
// backends for development and tests.
package vault

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/omnivault-network/coordinator/internal/codec"
)

// ErrUnknownPosition is returned by a Resolver for identifiers it has no
// adapter for.
var ErrUnknownPosition = errors.New("vault: unknown position identifier")

// Adapter executes deposit and withdraw operations against one underlying
// vault. Errors from DepositInto and WithdrawFrom are an expected failure
// mode; the execution engine converts them into compensating data instead of
// aborting the surrounding batch.
type Adapter interface {
	// Address identifies the adapter on its chain.
	Address() common.Address

	// UnderlyingAsset returns the token the vault is denominated in.
	UnderlyingAsset() common.Address

	// DepositInto places the instruction's amount into the vault and returns
	// the amount credited on the destination side.
	DepositInto(ctx context.Context, body *codec.SingleVaultBody) (*uint256.Int, error)

	// WithdrawFrom redeems the instruction's amount from the vault and
	// returns the amount released.
	WithdrawFrom(ctx context.Context, body *codec.SingleVaultBody) (*uint256.Int, error)
}

// UnlockStatus reports whether a delayed-unlock vault can release shares now.
type UnlockStatus uint8

const (
	// UnlockReady means the requested shares are unlocked and withdrawable.
	UnlockReady UnlockStatus = iota

	// UnlockPendingShares means an unlock exists but covers fewer shares than
	// requested.
	UnlockPendingShares

	// UnlockCooldown means the vault's cooldown window is still running.
	UnlockCooldown
)

// String returns the string representation of the unlock status.
func (s UnlockStatus) String() string {
	switch s {
	case UnlockReady:
		return "ready"
	case UnlockPendingShares:
		return "pending-shares"
	case UnlockCooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// TimelockAdapter is the delayed-unlock variant of Adapter. Withdrawals run
// in two steps: initiate the unlock, then complete it through a scheduled
// continuation once the cooldown has elapsed.
type TimelockAdapter interface {
	Adapter

	// CheckUnlock reports whether the given amount can be withdrawn now.
	CheckUnlock(ctx context.Context, position, amount *uint256.Int) (UnlockStatus, error)

	// InitiateUnlock starts the vault's unlock clock for the instruction.
	InitiateUnlock(ctx context.Context, body *codec.SingleVaultBody) error
}

// Resolver maps a packed position identifier to its vault adapter.
type Resolver interface {
	Resolve(ctx context.Context, position *uint256.Int) (Adapter, error)
}

// RouteExpectation is what a route must match to be accepted: the declared
// endpoints of the payload it amends. Deposit routes move funds toward this
// chain, withdraw and rescue routes away from it.
type RouteExpectation struct {
	SrcChainID uint64
	DstChainID uint64
	Deposit    bool
	Recipient  common.Address
	Sender     common.Address
	Token      common.Address
}

// Router validates and dispatches liquidity routes.
type Router interface {
	// ValidateRoute checks the route's calldata against the expectation.
	ValidateRoute(ctx context.Context, route codec.RouteRequest, exp RouteExpectation) error

	// Dispatch initiates the token transfer the route describes.
	Dispatch(ctx context.Context, route codec.RouteRequest) error
}

// Accountant is the position-accounting collaborator on the source chain; it
// mints or re-mints receipt tokens from acknowledgement messages.
type Accountant interface {
	SyncSingle(ctx context.Context, env *codec.Envelope) error
	SyncMulti(ctx context.Context, env *codec.Envelope) error
}

// Custodian tracks the tokens this registry holds on behalf of in-flight
// payloads.
type Custodian interface {
	// Balance returns the custodied balance of the token.
	Balance(ctx context.Context, token common.Address) (*uint256.Int, error)

	// Transfer moves custodied tokens to a recipient, typically an adapter
	// about to deposit them.
	Transfer(ctx context.Context, token, to common.Address, amount *uint256.Int) error
}
