// Copyright (c) 2024 Anchor Project
// This is an alpha (internal) release and is not suitable for production. This source code is provided 'as is' and no
// warranties are given as to title or non-infringement, merchantability or fitness for purpose and, to the extent
// permitted by law, all liability for your use of the code is disclaimed. This source code is governed by Apache
// License 2.0 that can be found in the LICENSE file.

// Package operation implements the fixed-layout binary codec for L2
// operations embedded in a block's public data blob. Every operation is a
// tag-prefixed, big-endian record padded with zero bytes to a multiple of
// the 8-byte chunk unit, so the total length of a payload is fully
// determined by the tags it contains.
package operation

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// OpType is the one-byte tag identifying an operation inside a payload.
type OpType uint8

// operation tags
const (
	Noop         OpType = 0x00
	Deposit      OpType = 0x01
	Transfer     OpType = 0x02
	PartialExit  OpType = 0x03
	FullExit     OpType = 0x06
	ChangePubKey OpType = 0x07
	ForcedExit   OpType = 0x08
)

// field widths in bytes
const (
	// ChunkBytes is the chunk unit every record is padded to a multiple of
	ChunkBytes = 8
	// AccountIDBytes is the width of an L2 account id
	AccountIDBytes = 4
	// TokenIDBytes is the width of a token id
	TokenIDBytes = 2
	// AmountBytes is the width of a full (unpacked) amount
	AmountBytes = 16
	// AddressBytes is the width of an L1 address
	AddressBytes = common.AddressLength
	// PubKeyHashBytes is the width of an L2 signing key hash
	PubKeyHashBytes = 20
	// NonceBytes is the width of an account nonce
	NonceBytes = 4
)

// semantic bounds on decoded fields
const (
	// MaxAccountID is the largest valid L2 account id (24-bit address space in the state tree)
	MaxAccountID = 1<<24 - 1
	// MaxTokenID is the largest valid token id
	MaxTokenID = 1<<10 - 1
)

var (
	// ErrUnknownOpType indicates the payload contains an unrecognized operation tag
	ErrUnknownOpType = errors.New("unknown operation type")
	// ErrPayloadTooShort indicates the payload ends before the operation's declared length
	ErrPayloadTooShort = errors.New("payload too short for operation")
	// ErrFieldOverflow indicates a decoded field exceeds its declared bit width
	ErrFieldOverflow = errors.New("operation field exceeds allowed range")
	// ErrDirtyPadding indicates non-zero bytes in an operation's zero padding
	ErrDirtyPadding = errors.New("non-zero bytes in operation padding")
	// ErrNotChunkAligned indicates the payload length is not a multiple of the chunk unit
	ErrNotChunkAligned = errors.New("payload is not chunk aligned")
)

// Op is one decoded L2 operation.
type Op interface {
	// Type returns the operation tag
	Type() OpType
	// Chunks returns the number of chunks the encoded operation occupies
	Chunks() int
	// Encode serializes the operation to its padded wire form
	Encode() []byte
}

type (
	// NoopOp fills the unused tail of a payload.
	NoopOp struct{}

	// DepositOp mints funds on L2 that were escrowed on L1. It acknowledges a
	// Deposit priority request.
	DepositOp struct {
		AccountID uint32
		TokenID   uint16
		Amount    *big.Int
		Owner     common.Address
	}

	// TransferOp moves funds between two existing L2 accounts. It has no
	// on-chain effect and is decoded for payload integrity only.
	TransferOp struct {
		FromID  uint32
		ToID    uint32
		TokenID uint16
		Amount  *big.Int
	}

	// PartialExitOp withdraws part of an L2 balance to an L1 address.
	PartialExitOp struct {
		AccountID uint32
		TokenID   uint16
		Amount    *big.Int
		Owner     common.Address
	}

	// FullExitOp empties an account's balance of one token to its L1 owner.
	// It acknowledges a FullExit priority request; the amount is resolved by
	// the operator at commit time and is zero if the account holds nothing.
	FullExitOp struct {
		AccountID uint32
		Owner     common.Address
		TokenID   uint16
		Amount    *big.Int
	}

	// ChangePubKeyOp rotates an account's L2 signing key. Key management is
	// an L2 concern; on-chain it is only length- and range-checked.
	ChangePubKeyOp struct {
		AccountID  uint32
		PubKeyHash [PubKeyHashBytes]byte
		Nonce      uint32
	}

	// ForcedExitOp lets one account force another unowned account's balance
	// out to its L1 address.
	ForcedExitOp struct {
		InitiatorID uint32
		TargetID    uint32
		TokenID     uint16
		Amount      *big.Int
		Target      common.Address
	}
)

// raw (unpadded) record lengths, tag byte included
const (
	_noopLength         = 1
	_depositLength      = 1 + AccountIDBytes + TokenIDBytes + AmountBytes + AddressBytes
	_transferLength     = 1 + AccountIDBytes + AccountIDBytes + TokenIDBytes + AmountBytes
	_partialExitLength  = 1 + AccountIDBytes + TokenIDBytes + AmountBytes + AddressBytes
	_fullExitLength     = 1 + AccountIDBytes + AddressBytes + TokenIDBytes + AmountBytes
	_changePubKeyLength = 1 + PubKeyHashBytes + NonceBytes + AccountIDBytes
	_forcedExitLength   = 1 + AccountIDBytes + AccountIDBytes + TokenIDBytes + AmountBytes + AddressBytes
)

func chunksOf(rawLength int) int {
	return (rawLength + ChunkBytes - 1) / ChunkBytes
}

// ChunksByType returns the number of chunks an operation of the given type
// occupies, or an ErrUnknownOpType error.
func ChunksByType(t OpType) (int, error) {
	switch t {
	case Noop:
		return chunksOf(_noopLength), nil
	case Deposit:
		return chunksOf(_depositLength), nil
	case Transfer:
		return chunksOf(_transferLength), nil
	case PartialExit:
		return chunksOf(_partialExitLength), nil
	case FullExit:
		return chunksOf(_fullExitLength), nil
	case ChangePubKey:
		return chunksOf(_changePubKeyLength), nil
	case ForcedExit:
		return chunksOf(_forcedExitLength), nil
	default:
		return 0, errors.Wrapf(ErrUnknownOpType, "tag = %#x", uint8(t))
	}
}

// IsPriorityOp returns true for operation types that must be matched against
// a priority request in strict FIFO order at commit time.
func IsPriorityOp(t OpType) bool {
	return t == Deposit || t == FullExit
}

// IsProcessableOnChain returns true for operation types that mutate the
// pending balance ledger at execute time.
func IsProcessableOnChain(t OpType) bool {
	return t == PartialExit || t == ForcedExit || t == FullExit
}

func (NoopOp) Type() OpType         { return Noop }
func (DepositOp) Type() OpType      { return Deposit }
func (TransferOp) Type() OpType     { return Transfer }
func (PartialExitOp) Type() OpType  { return PartialExit }
func (FullExitOp) Type() OpType     { return FullExit }
func (ChangePubKeyOp) Type() OpType { return ChangePubKey }
func (ForcedExitOp) Type() OpType   { return ForcedExit }

func (NoopOp) Chunks() int         { return chunksOf(_noopLength) }
func (DepositOp) Chunks() int      { return chunksOf(_depositLength) }
func (TransferOp) Chunks() int     { return chunksOf(_transferLength) }
func (PartialExitOp) Chunks() int  { return chunksOf(_partialExitLength) }
func (FullExitOp) Chunks() int     { return chunksOf(_fullExitLength) }
func (ChangePubKeyOp) Chunks() int { return chunksOf(_changePubKeyLength) }
func (ForcedExitOp) Chunks() int   { return chunksOf(_forcedExitLength) }
