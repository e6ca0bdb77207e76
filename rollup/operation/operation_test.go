// Copyright (c) 2024 Anchor Project
// This is an alpha (internal) release and is not suitable for production. This source code is provided 'as is' and no
// warranties are given as to title or non-infringement, merchantability or fitness for purpose and, to the extent
// permitted by law, all liability for your use of the code is disclaimed. This source code is governed by Apache
// License 2.0 that can be found in the LICENSE file.

package operation

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

var (
	_testOwner  = common.HexToAddress("0x3144d9885e57e6931cf270d0cf620f1a31cc41fd")
	_testTarget = common.HexToAddress("0x97f2b16fa9b558f4296f5b7c9ba9853ba9925e89")
)

func TestDepositRoundTrip(t *testing.T) {
	r := require.New(t)

	op := DepositOp{
		AccountID: 57,
		TokenID:   1,
		Amount:    big.NewInt(100),
		Owner:     _testOwner,
	}
	raw := op.Encode()
	r.Len(raw, op.Chunks()*ChunkBytes)
	r.Equal(byte(Deposit), raw[0])

	decoded, consumed, err := DecodeOp(raw, 0)
	r.NoError(err)
	r.Equal(len(raw), consumed)
	dep, ok := decoded.(DepositOp)
	r.True(ok)
	r.Equal(op.AccountID, dep.AccountID)
	r.Equal(op.TokenID, dep.TokenID)
	r.Zero(op.Amount.Cmp(dep.Amount))
	r.Equal(op.Owner, dep.Owner)
	r.Equal(raw, dep.Encode())
}

func TestFullExitRoundTrip(t *testing.T) {
	r := require.New(t)

	op := FullExitOp{
		AccountID: 12,
		Owner:     _testOwner,
		TokenID:   3,
		Amount:    new(big.Int).Lsh(big.NewInt(1), 100),
	}
	raw := op.Encode()
	decoded, consumed, err := DecodeOp(raw, 0)
	r.NoError(err)
	r.Equal(len(raw), consumed)
	fe, ok := decoded.(FullExitOp)
	r.True(ok)
	r.Equal(raw, fe.Encode())

	// the priority-comparable form zeroes the operator-resolved amount
	want := FullExitOp{AccountID: 12, Owner: _testOwner, TokenID: 3}
	r.Equal(want.Encode(), fe.PriorityData())
}

func TestChangePubKeyRoundTrip(t *testing.T) {
	r := require.New(t)

	op := ChangePubKeyOp{AccountID: 42, Nonce: 7}
	copy(op.PubKeyHash[:], []byte("fresh-signing-key-ha"))
	raw := op.Encode()
	r.Equal(byte(ChangePubKey), raw[0])
	// wire order is pubkey hash, nonce, account
	r.Equal(op.PubKeyHash[:], raw[1:1+PubKeyHashBytes])
	r.Equal(op.Nonce, uint32(raw[1+PubKeyHashBytes+3]))
	r.Equal(op.AccountID, uint32(raw[1+PubKeyHashBytes+NonceBytes+3]))

	decoded, consumed, err := DecodeOp(raw, 0)
	r.NoError(err)
	r.Equal(len(raw), consumed)
	cpk, ok := decoded.(ChangePubKeyOp)
	r.True(ok)
	r.Equal(op, cpk)
}

func TestDepositPriorityData(t *testing.T) {
	r := require.New(t)

	// the account id is assigned by the operator, so two deposits that differ
	// only in account id are priority-equivalent
	a := DepositOp{AccountID: 5, TokenID: 1, Amount: big.NewInt(100), Owner: _testOwner}
	b := DepositOp{AccountID: 9, TokenID: 1, Amount: big.NewInt(100), Owner: _testOwner}
	r.Equal(a.PriorityData(), b.PriorityData())

	c := DepositOp{AccountID: 5, TokenID: 1, Amount: big.NewInt(101), Owner: _testOwner}
	r.NotEqual(a.PriorityData(), c.PriorityData())
}

func TestDecodeBlob(t *testing.T) {
	r := require.New(t)

	var blob []byte
	blob = append(blob, DepositOp{AccountID: 1, TokenID: 1, Amount: big.NewInt(7), Owner: _testOwner}.Encode()...)
	blob = append(blob, TransferOp{FromID: 1, ToID: 2, TokenID: 1, Amount: big.NewInt(3)}.Encode()...)
	blob = append(blob, PartialExitOp{AccountID: 2, TokenID: 1, Amount: big.NewInt(2), Owner: _testOwner}.Encode()...)
	blob = append(blob, NoopOp{}.Encode()...)
	blob = append(blob, NoopOp{}.Encode()...)

	ops, err := DecodeBlob(blob)
	r.NoError(err)
	r.Len(ops, 5)
	r.Equal(Deposit, ops[0].Type())
	r.Equal(Transfer, ops[1].Type())
	r.Equal(PartialExit, ops[2].Type())
	r.Equal(Noop, ops[3].Type())
	r.Equal(Noop, ops[4].Type())
}

func TestDecodeRejections(t *testing.T) {
	r := require.New(t)

	t.Run("unknown tag", func(t *testing.T) {
		blob := make([]byte, ChunkBytes)
		blob[0] = 0x7f
		_, _, err := DecodeOp(blob, 0)
		r.Equal(ErrUnknownOpType, errors.Cause(err))
		_, err = DecodeBlob(blob)
		r.Equal(ErrUnknownOpType, errors.Cause(err))
	})

	t.Run("truncated operation", func(t *testing.T) {
		raw := DepositOp{TokenID: 1, Amount: big.NewInt(1), Owner: _testOwner}.Encode()
		_, _, err := DecodeOp(raw[:len(raw)-ChunkBytes], 0)
		r.Equal(ErrPayloadTooShort, errors.Cause(err))
	})

	t.Run("not chunk aligned", func(t *testing.T) {
		raw := NoopOp{}.Encode()
		_, err := DecodeBlob(raw[:ChunkBytes-1])
		r.Equal(ErrNotChunkAligned, errors.Cause(err))
	})

	t.Run("token id out of range", func(t *testing.T) {
		raw := DepositOp{TokenID: MaxTokenID + 1, Amount: big.NewInt(1), Owner: _testOwner}.Encode()
		_, _, err := DecodeOp(raw, 0)
		r.Equal(ErrFieldOverflow, errors.Cause(err))
	})

	t.Run("account id out of range", func(t *testing.T) {
		raw := PartialExitOp{AccountID: MaxAccountID + 1, TokenID: 1, Amount: big.NewInt(1), Owner: _testOwner}.Encode()
		_, _, err := DecodeOp(raw, 0)
		r.Equal(ErrFieldOverflow, errors.Cause(err))
	})

	t.Run("dirty padding", func(t *testing.T) {
		raw := ChangePubKeyOp{AccountID: 1, Nonce: 4}.Encode()
		raw[len(raw)-1] = 0xff
		_, _, err := DecodeOp(raw, 0)
		r.Equal(ErrDirtyPadding, errors.Cause(err))
	})

	t.Run("empty blob decodes to nothing", func(t *testing.T) {
		ops, err := DecodeBlob(nil)
		r.NoError(err)
		r.Empty(ops)
	})
}

func TestOpPredicates(t *testing.T) {
	r := require.New(t)

	r.True(IsPriorityOp(Deposit))
	r.True(IsPriorityOp(FullExit))
	r.False(IsPriorityOp(PartialExit))
	r.False(IsPriorityOp(Transfer))

	r.True(IsProcessableOnChain(PartialExit))
	r.True(IsProcessableOnChain(ForcedExit))
	r.True(IsProcessableOnChain(FullExit))
	r.False(IsProcessableOnChain(Deposit))
	r.False(IsProcessableOnChain(Noop))
}

func TestChunksByType(t *testing.T) {
	r := require.New(t)

	for _, op := range []Op{
		NoopOp{},
		DepositOp{Amount: big.NewInt(0)},
		TransferOp{Amount: big.NewInt(0)},
		PartialExitOp{Amount: big.NewInt(0)},
		FullExitOp{Amount: big.NewInt(0)},
		ChangePubKeyOp{},
		ForcedExitOp{Amount: big.NewInt(0)},
	} {
		chunks, err := ChunksByType(op.Type())
		r.NoError(err)
		r.Equal(op.Chunks(), chunks)
		r.Equal(chunks*ChunkBytes, len(op.Encode()))
	}

	_, err := ChunksByType(OpType(0x44))
	r.Equal(ErrUnknownOpType, errors.Cause(err))
}
