package codec

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// Envelope is one relayed message: the packed header word plus the opaque,
// RLP-encoded instruction body.
type Envelope struct {
	TxInfo *uint256.Int
	Params []byte
}

// Encode returns the canonical RLP representation of the envelope.
func (e *Envelope) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(e)
}

// DecodeEnvelope parses an RLP-encoded envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := rlp.DecodeBytes(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &e, nil
}

// ContentHash binds a header word and body into the identity the quorum
// tracker counts attestations against. Any mutation of either changes the
// hash.
func ContentHash(txInfo *uint256.Int, params []byte) common.Hash {
	word := txInfo.Bytes32()
	return crypto.Keccak256Hash(word[:], params)
}

// Proof is the hash-only redundant copy of an envelope, dispatched through
// secondary relays so the destination can accumulate independent
// attestations without re-sending the full body.
type Proof struct {
	Hash common.Hash
}

// Encode returns the canonical RLP representation of the proof.
func (p *Proof) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(p)
}

// DecodeProof parses an RLP-encoded proof.
func DecodeProof(data []byte) (*Proof, error) {
	var p Proof
	if err := rlp.DecodeBytes(data, &p); err != nil {
		return nil, fmt.Errorf("decode proof: %w", err)
	}
	return &p, nil
}

// RouteRequest carries the liquidity-routing instructions attached to a vault
// operation: where tokens go, through what, and with what calldata.
type RouteRequest struct {
	Target       common.Address
	TxData       []byte
	Token        common.Address
	SrcChainID   uint64
	DstChainID   uint64
	Amount       *uint256.Int
	NativeAmount *uint256.Int
	Recipient    common.Address
	Permit       []byte
}

// SingleVaultBody is the instruction body for a single-vault payload.
type SingleVaultBody struct {
	Position       *uint256.Int
	Amount         *uint256.Int
	MaxSlippageBps uint64
	Route          RouteRequest
	Extra          []byte
}

// Encode returns the canonical RLP representation of the body.
func (b *SingleVaultBody) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(b)
}

// DecodeSingleVaultBody parses an RLP-encoded single-vault body.
func DecodeSingleVaultBody(data []byte) (*SingleVaultBody, error) {
	var b SingleVaultBody
	if err := rlp.DecodeBytes(data, &b); err != nil {
		return nil, fmt.Errorf("decode single vault body: %w", err)
	}
	return &b, nil
}

// MultiVaultBody is the instruction body for a batch payload. The slices are
// parallel: index i describes one vault operation end to end.
type MultiVaultBody struct {
	Positions      []*uint256.Int
	Amounts        []*uint256.Int
	MaxSlippageBps []uint64
	Routes         []RouteRequest
	Extra          []byte
}

// Len returns the batch size.
func (b *MultiVaultBody) Len() int { return len(b.Positions) }

// Validate checks that the parallel slices agree on the batch size.
func (b *MultiVaultBody) Validate() error {
	n := len(b.Positions)
	if n == 0 {
		return fmt.Errorf("empty batch")
	}
	if len(b.Amounts) != n || len(b.MaxSlippageBps) != n || len(b.Routes) != n {
		return fmt.Errorf("batch arrays disagree: positions=%d amounts=%d slippages=%d routes=%d",
			n, len(b.Amounts), len(b.MaxSlippageBps), len(b.Routes))
	}
	return nil
}

// Encode returns the canonical RLP representation of the body.
func (b *MultiVaultBody) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(b)
}

// DecodeMultiVaultBody parses an RLP-encoded multi-vault body.
func DecodeMultiVaultBody(data []byte) (*MultiVaultBody, error) {
	var b MultiVaultBody
	if err := rlp.DecodeBytes(data, &b); err != nil {
		return nil, fmt.Errorf("decode multi vault body: %w", err)
	}
	return &b, nil
}

// ReturnBody is the instruction body of an acknowledgement travelling back to
// the source chain. Amounts holds destination amounts for RETURN callbacks
// and the original requested amounts for FAIL callbacks; batch messages carry
// one entry per item, zero marking items that need no accounting action.
type ReturnBody struct {
	PayloadID uint64
	Amounts   []*uint256.Int
}

// Encode returns the canonical RLP representation of the body.
func (b *ReturnBody) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(b)
}

// DecodeReturnBody parses an RLP-encoded return body.
func DecodeReturnBody(data []byte) (*ReturnBody, error) {
	var b ReturnBody
	if err := rlp.DecodeBytes(data, &b); err != nil {
		return nil, fmt.Errorf("decode return body: %w", err)
	}
	return &b, nil
}
