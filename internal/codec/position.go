package codec

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Position is the unpacked form of a position identifier. A position resolves
// to one vault adapter of a given kind on a given chain; the packed form is
// globally unique per (adapter, chain) pair.
type Position struct {
	Adapter common.Address
	Kind    uint32
	ChainID uint64
}

// Bit layout of the packed position identifier, least significant bits first:
//
//	[0,160)   adapter address
//	[160,192) adapter kind
//	[192,256) chain id
const (
	kindShift     = 160
	posChainShift = 192
)

// Pack encodes the position into a single 256-bit word.
func (p Position) Pack() *uint256.Int {
	w := new(uint256.Int).SetUint64(p.ChainID)
	w.Lsh(w, posChainShift-kindShift)
	w.Or(w, uint256.NewInt(uint64(p.Kind)))
	w.Lsh(w, kindShift)

	var adapter uint256.Int
	adapter.SetBytes(p.Adapter.Bytes())
	return w.Or(w, &adapter)
}

// UnpackPosition decodes a packed position identifier.
func UnpackPosition(w *uint256.Int) Position {
	addr := common.Address(w.Bytes20())

	var kind uint256.Int
	kind.Rsh(w, kindShift)

	var chain uint256.Int
	chain.Rsh(w, posChainShift)

	return Position{
		Adapter: addr,
		Kind:    uint32(kind.Uint64() & 0xffffffff),
		ChainID: chain.Uint64(),
	}
}
