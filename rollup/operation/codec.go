// Copyright (c) 2024 Anchor Project
// This is an alpha (internal) release and is not suitable for production. This source code is provided 'as is' and no
// warranties are given as to title or non-infringement, merchantability or fitness for purpose and, to the extent
// permitted by law, all liability for your use of the code is disclaimed. This source code is governed by Apache
// License 2.0 that can be found in the LICENSE file.

package operation

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// encoder is a cursor over a fixed-size record being written.
type encoder struct {
	buf []byte
	off int
}

func newEncoder(t OpType, rawLength int) *encoder {
	chunks := chunksOf(rawLength)
	e := &encoder{buf: make([]byte, chunks*ChunkBytes)}
	e.buf[0] = byte(t)
	e.off = 1
	return e
}

func (e *encoder) uint16(v uint16) {
	e.buf[e.off] = byte(v >> 8)
	e.buf[e.off+1] = byte(v)
	e.off += TokenIDBytes
}

func (e *encoder) uint32(v uint32) {
	for i := 0; i < AccountIDBytes; i++ {
		e.buf[e.off+i] = byte(v >> (8 * (AccountIDBytes - 1 - i)))
	}
	e.off += AccountIDBytes
}

func (e *encoder) amount(v *big.Int) {
	if v != nil {
		b := v.Bytes()
		copy(e.buf[e.off+AmountBytes-len(b):], b)
	}
	e.off += AmountBytes
}

func (e *encoder) bytes(b []byte) {
	copy(e.buf[e.off:], b)
	e.off += len(b)
}

// decoder is a cursor over a fixed-size record being read.
type decoder struct {
	buf []byte
	off int
}

func (d *decoder) uint16() uint16 {
	v := uint16(d.buf[d.off])<<8 | uint16(d.buf[d.off+1])
	d.off += TokenIDBytes
	return v
}

func (d *decoder) uint32() uint32 {
	var v uint32
	for i := 0; i < AccountIDBytes; i++ {
		v = v<<8 | uint32(d.buf[d.off+i])
	}
	d.off += AccountIDBytes
	return v
}

func (d *decoder) amount() *big.Int {
	v := new(big.Int).SetBytes(d.buf[d.off : d.off+AmountBytes])
	d.off += AmountBytes
	return v
}

func (d *decoder) address() common.Address {
	var a common.Address
	copy(a[:], d.buf[d.off:d.off+AddressBytes])
	d.off += AddressBytes
	return a
}

// Encode serializes the operation to its padded wire form
func (op NoopOp) Encode() []byte {
	return newEncoder(Noop, _noopLength).buf
}

// Encode serializes the operation to its padded wire form
func (op DepositOp) Encode() []byte {
	e := newEncoder(Deposit, _depositLength)
	e.uint32(op.AccountID)
	e.uint16(op.TokenID)
	e.amount(op.Amount)
	e.bytes(op.Owner[:])
	return e.buf
}

// Encode serializes the operation to its padded wire form
func (op TransferOp) Encode() []byte {
	e := newEncoder(Transfer, _transferLength)
	e.uint32(op.FromID)
	e.uint32(op.ToID)
	e.uint16(op.TokenID)
	e.amount(op.Amount)
	return e.buf
}

// Encode serializes the operation to its padded wire form
func (op PartialExitOp) Encode() []byte {
	e := newEncoder(PartialExit, _partialExitLength)
	e.uint32(op.AccountID)
	e.uint16(op.TokenID)
	e.amount(op.Amount)
	e.bytes(op.Owner[:])
	return e.buf
}

// Encode serializes the operation to its padded wire form
func (op FullExitOp) Encode() []byte {
	e := newEncoder(FullExit, _fullExitLength)
	e.uint32(op.AccountID)
	e.bytes(op.Owner[:])
	e.uint16(op.TokenID)
	e.amount(op.Amount)
	return e.buf
}

// Encode serializes the operation to its padded wire form
func (op ChangePubKeyOp) Encode() []byte {
	e := newEncoder(ChangePubKey, _changePubKeyLength)
	e.bytes(op.PubKeyHash[:])
	e.uint32(op.Nonce)
	e.uint32(op.AccountID)
	return e.buf
}

// Encode serializes the operation to its padded wire form
func (op ForcedExitOp) Encode() []byte {
	e := newEncoder(ForcedExit, _forcedExitLength)
	e.uint32(op.InitiatorID)
	e.uint32(op.TargetID)
	e.uint16(op.TokenID)
	e.amount(op.Amount)
	e.bytes(op.Target[:])
	return e.buf
}

// PriorityData returns the canonical priority-comparable encoding of a
// Deposit. The account id is zeroed since the operator assigns it only when
// the deposit enters a block.
func (op DepositOp) PriorityData() []byte {
	cp := op
	cp.AccountID = 0
	return cp.Encode()
}

// PriorityData returns the canonical priority-comparable encoding of a
// FullExit. The amount is zeroed since the actual exit amount is only
// resolved at commit time.
func (op FullExitOp) PriorityData() []byte {
	cp := op
	cp.Amount = nil
	return cp.Encode()
}

// DecodeOp decodes the operation starting at the given offset of the blob and
// returns the typed record plus the number of bytes consumed. Decoding fails
// on an unrecognized tag, a blob shorter than the operation's declared
// length, a semantically bound field out of range, or dirty padding.
func DecodeOp(blob []byte, offset int) (Op, int, error) {
	if offset >= len(blob) {
		return nil, 0, errors.Wrapf(ErrPayloadTooShort, "offset = %d, length = %d", offset, len(blob))
	}
	t := OpType(blob[offset])
	chunks, err := ChunksByType(t)
	if err != nil {
		return nil, 0, err
	}
	size := chunks * ChunkBytes
	if offset+size > len(blob) {
		return nil, 0, errors.Wrapf(ErrPayloadTooShort, "operation %#x needs %d bytes, %d remain", uint8(t), size, len(blob)-offset)
	}
	record := blob[offset : offset+size]
	op, rawLength, err := decodeRecord(t, record)
	if err != nil {
		return nil, 0, err
	}
	for _, b := range record[rawLength:] {
		if b != 0 {
			return nil, 0, errors.Wrapf(ErrDirtyPadding, "operation %#x", uint8(t))
		}
	}
	return op, size, nil
}

func decodeRecord(t OpType, record []byte) (Op, int, error) {
	d := &decoder{buf: record, off: 1}
	switch t {
	case Noop:
		return NoopOp{}, _noopLength, nil
	case Deposit:
		op := DepositOp{}
		op.AccountID = d.uint32()
		op.TokenID = d.uint16()
		op.Amount = d.amount()
		op.Owner = d.address()
		if err := checkAccountID(op.AccountID); err != nil {
			return nil, 0, err
		}
		if err := checkTokenID(op.TokenID); err != nil {
			return nil, 0, err
		}
		return op, _depositLength, nil
	case Transfer:
		op := TransferOp{}
		op.FromID = d.uint32()
		op.ToID = d.uint32()
		op.TokenID = d.uint16()
		op.Amount = d.amount()
		if err := checkAccountID(op.FromID); err != nil {
			return nil, 0, err
		}
		if err := checkAccountID(op.ToID); err != nil {
			return nil, 0, err
		}
		if err := checkTokenID(op.TokenID); err != nil {
			return nil, 0, err
		}
		return op, _transferLength, nil
	case PartialExit:
		op := PartialExitOp{}
		op.AccountID = d.uint32()
		op.TokenID = d.uint16()
		op.Amount = d.amount()
		op.Owner = d.address()
		if err := checkAccountID(op.AccountID); err != nil {
			return nil, 0, err
		}
		if err := checkTokenID(op.TokenID); err != nil {
			return nil, 0, err
		}
		return op, _partialExitLength, nil
	case FullExit:
		op := FullExitOp{}
		op.AccountID = d.uint32()
		op.Owner = d.address()
		op.TokenID = d.uint16()
		op.Amount = d.amount()
		if err := checkAccountID(op.AccountID); err != nil {
			return nil, 0, err
		}
		if err := checkTokenID(op.TokenID); err != nil {
			return nil, 0, err
		}
		return op, _fullExitLength, nil
	case ChangePubKey:
		op := ChangePubKeyOp{}
		copy(op.PubKeyHash[:], d.buf[d.off:d.off+PubKeyHashBytes])
		d.off += PubKeyHashBytes
		op.Nonce = d.uint32()
		op.AccountID = d.uint32()
		if err := checkAccountID(op.AccountID); err != nil {
			return nil, 0, err
		}
		return op, _changePubKeyLength, nil
	case ForcedExit:
		op := ForcedExitOp{}
		op.InitiatorID = d.uint32()
		op.TargetID = d.uint32()
		op.TokenID = d.uint16()
		op.Amount = d.amount()
		op.Target = d.address()
		if err := checkAccountID(op.InitiatorID); err != nil {
			return nil, 0, err
		}
		if err := checkAccountID(op.TargetID); err != nil {
			return nil, 0, err
		}
		if err := checkTokenID(op.TokenID); err != nil {
			return nil, 0, err
		}
		return op, _forcedExitLength, nil
	default:
		return nil, 0, errors.Wrapf(ErrUnknownOpType, "tag = %#x", uint8(t))
	}
}

func checkAccountID(id uint32) error {
	if id > MaxAccountID {
		return errors.Wrapf(ErrFieldOverflow, "account id = %d", id)
	}
	return nil
}

func checkTokenID(id uint16) error {
	if id > MaxTokenID {
		return errors.Wrapf(ErrFieldOverflow, "token id = %d", id)
	}
	return nil
}

// DecodeBlob walks the whole payload and returns the decoded operations in
// payload order. The total consumed byte count must equal the blob length
// exactly; a crafted blob can therefore never desynchronize the parse.
func DecodeBlob(blob []byte) ([]Op, error) {
	if len(blob)%ChunkBytes != 0 {
		return nil, errors.Wrapf(ErrNotChunkAligned, "length = %d", len(blob))
	}
	var ops []Op
	for offset := 0; offset < len(blob); {
		op, consumed, err := DecodeOp(blob, offset)
		if err != nil {
			return nil, errors.Wrapf(err, "at offset %d", offset)
		}
		ops = append(ops, op)
		offset += consumed
	}
	return ops, nil
}
