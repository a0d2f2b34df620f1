// Package codec implements the cross-chain wire representation shared by
// every chain in the system: the packed transaction-metadata word, the packed
// position identifier, and the RLP envelope carrying vault instructions.
// Packing is deterministic and byte-identical across chains; it is the
// interoperability contract the registry and relay layers depend on.
package codec

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// TxKind classifies the vault operation a payload requests.
type TxKind uint8

const (
	TxDeposit  TxKind = 0
	TxWithdraw TxKind = 1
)

// String returns the string representation of the transaction kind.
func (k TxKind) String() string {
	switch k {
	case TxDeposit:
		return "deposit"
	case TxWithdraw:
		return "withdraw"
	default:
		return fmt.Sprintf("txkind(%d)", uint8(k))
	}
}

// CallbackKind classifies where a payload sits in the request/response
// round trip between source and destination chains.
type CallbackKind uint8

const (
	// CallbackInit marks a fresh instruction awaiting execution on the
	// destination chain.
	CallbackInit CallbackKind = 0

	// CallbackReturn marks a success acknowledgement travelling back to the
	// source chain.
	CallbackReturn CallbackKind = 1

	// CallbackFail marks a failure acknowledgement; the source chain re-mints
	// the amounts it carries.
	CallbackFail CallbackKind = 2
)

// String returns the string representation of the callback kind.
func (k CallbackKind) String() string {
	switch k {
	case CallbackInit:
		return "init"
	case CallbackReturn:
		return "return"
	case CallbackFail:
		return "fail"
	default:
		return fmt.Sprintf("callback(%d)", uint8(k))
	}
}

// TransactionInfo is the unpacked form of a payload header word.
type TransactionInfo struct {
	TxKind     TxKind
	Callback   CallbackKind
	Multi      bool
	RegistryID uint8
	SrcSender  common.Address
	SrcChainID uint64
}

// Bit layout of the packed header word, least significant bits first:
//
//	[0,8)    transaction kind
//	[8,16)   callback kind
//	[16,24)  batch flag (0 = single, 1 = multi)
//	[24,32)  originating registry id
//	[32,192) originating sender address
//	[192,256) originating chain id
const (
	senderShift = 32
	chainShift  = 192
)

// Pack encodes the transaction info into a single 256-bit word.
func (t TransactionInfo) Pack() *uint256.Int {
	w := new(uint256.Int).SetUint64(t.SrcChainID)
	w.Lsh(w, chainShift-senderShift)

	var sender uint256.Int
	sender.SetBytes(t.SrcSender.Bytes())
	w.Or(w, &sender)
	w.Lsh(w, senderShift)

	multi := uint64(0)
	if t.Multi {
		multi = 1
	}
	low := uint64(t.TxKind) | uint64(t.Callback)<<8 | multi<<16 | uint64(t.RegistryID)<<24
	return w.Or(w, uint256.NewInt(low))
}

// UnpackTransactionInfo decodes a packed header word.
func UnpackTransactionInfo(w *uint256.Int) TransactionInfo {
	low := w.Uint64()

	var sender uint256.Int
	sender.Rsh(w, senderShift)
	addr := common.Address(sender.Bytes20())

	var chain uint256.Int
	chain.Rsh(w, chainShift)

	return TransactionInfo{
		TxKind:     TxKind(low & 0xff),
		Callback:   CallbackKind(low >> 8 & 0xff),
		Multi:      low>>16&0xff != 0,
		RegistryID: uint8(low >> 24 & 0xff),
		SrcSender:  addr,
		SrcChainID: chain.Uint64(),
	}
}
