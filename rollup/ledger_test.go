// Copyright (c) 2024 Anchor Project
// This is an alpha (internal) release and is not suitable for production. This source code is provided 'as is' and no
// warranties are given as to title or non-infringement, merchantability or fitness for purpose and, to the extent
// permitted by law, all liability for your use of the code is disclaimed. This source code is governed by Apache
// License 2.0 that can be found in the LICENSE file.

package rollup

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/facebookgo/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/anchorproject/anchor-core/db"
	"github.com/anchorproject/anchor-core/pkg/hash"
	"github.com/anchorproject/anchor-core/rollup/operation"
	"github.com/anchorproject/anchor-core/rollup/pendingstore"
)

var (
	_producer = common.HexToAddress("0x0cbb2e3232f2e40a36f42e0098a4402b0b6d254b")
	_intruder = common.HexToAddress("0xffed6d1b1eb2b7b4c7a4b23c41bbcb145e820f08")
	_alice    = common.HexToAddress("0x3144d9885e57e6931cf270d0cf620f1a31cc41fd")
	_bob      = common.HexToAddress("0x8c66ec44a6d01a81b7a275bbba8c454cdb141e87")
)

// the mock clock starts at the unix epoch; shift it two days so the
// staleness window has room on both sides
const _testTimestamp = uint64(48 * 60 * 60)

type (
	testChain    struct{ height uint64 }
	testVerifier struct{ reject bool }
	testAccess   struct{ producer common.Address }

	transferCall struct {
		tokenID uint16
		to      common.Address
		amount  *big.Int
	}
	testTransfer struct {
		refuse map[common.Address]bool
		calls  []transferCall
	}

	testEnv struct {
		ledger   *Ledger
		kv       db.KVStore
		chain    *testChain
		verifier *testVerifier
		transfer *testTransfer
		clk      *clock.Mock
	}
)

func (c *testChain) Height() uint64 { return c.height }

func (v *testVerifier) Verify(hash.Hash256, []byte) bool { return !v.reject }

func (a *testAccess) IsAuthorizedProducer(caller common.Address) bool { return caller == a.producer }

func (tr *testTransfer) Transfer(_ context.Context, tokenID uint16, to common.Address, amount *big.Int) error {
	if tr.refuse[to] {
		return errors.New("recipient refused the transfer")
	}
	tr.calls = append(tr.calls, transferCall{tokenID: tokenID, to: to, amount: new(big.Int).Set(amount)})
	return nil
}

func newTestEnv(t *testing.T) *testEnv {
	r := require.New(t)
	env := &testEnv{
		kv:       db.NewMemKVStore(),
		chain:    &testChain{height: 1000},
		verifier: &testVerifier{},
		transfer: &testTransfer{refuse: map[common.Address]bool{}},
		clk:      clock.NewMock(),
	}
	env.clk.Add(time.Duration(_testTimestamp) * time.Second)
	env.ledger = NewLedger(
		DefaultConfig,
		env.kv,
		env.chain,
		env.verifier,
		env.transfer,
		&testAccess{producer: _producer},
		WithClock(env.clk),
	)
	r.NoError(env.ledger.Start(context.Background()))
	t.Cleanup(func() { r.NoError(env.ledger.Stop(context.Background())) })
	return env
}

func testRoot(n byte) hash.Hash256 {
	var h hash.Hash256
	h[0] = n
	return h
}

func encodeOps(ops ...operation.Op) []byte {
	var payload []byte
	for _, op := range ops {
		payload = append(payload, op.Encode()...)
	}
	return payload
}

func processableOf(ops ...operation.Op) []byte {
	var processable []byte
	for _, op := range ops {
		if operation.IsProcessableOnChain(op.Type()) {
			processable = append(processable, op.Encode()...)
		}
	}
	return processable
}

func (env *testEnv) descriptor(prev BlockHeader, ops ...operation.Op) BlockDescriptor {
	return BlockDescriptor{
		Height:       prev.Height + 1,
		Timestamp:    _testTimestamp + prev.Height + 1,
		NewStateRoot: testRoot(byte(prev.Height + 1)),
		Payload:      encodeOps(ops...),
	}
}

func (env *testEnv) commit(t *testing.T, prev BlockHeader, ops ...operation.Op) BlockHeader {
	header, err := env.ledger.Commit(_producer, prev, env.descriptor(prev, ops...))
	require.NoError(t, err)
	return header
}

func TestEnqueueValidation(t *testing.T) {
	r := require.New(t)
	env := newTestEnv(t)

	_, err := env.ledger.EnqueueDeposit(1, nil, _alice)
	r.Equal(ErrInvalidRequest, errors.Cause(err))
	_, err = env.ledger.EnqueueDeposit(1, big.NewInt(0), _alice)
	r.Equal(ErrInvalidRequest, errors.Cause(err))
	_, err = env.ledger.EnqueueDeposit(1, big.NewInt(-5), _alice)
	r.Equal(ErrInvalidRequest, errors.Cause(err))
	huge := new(big.Int).Lsh(big.NewInt(1), operation.AmountBytes*8)
	_, err = env.ledger.EnqueueDeposit(1, huge, _alice)
	r.Equal(ErrInvalidRequest, errors.Cause(err))
	_, err = env.ledger.EnqueueDeposit(operation.MaxTokenID+1, big.NewInt(100), _alice)
	r.Equal(ErrInvalidRequest, errors.Cause(err))
	_, err = env.ledger.EnqueueFullExit(_bob, operation.MaxAccountID+1, 1)
	r.Equal(ErrInvalidRequest, errors.Cause(err))
	_, err = env.ledger.EnqueueFullExit(_bob, 7, operation.MaxTokenID+1)
	r.Equal(ErrInvalidRequest, errors.Cause(err))
	r.Zero(env.ledger.OpenPriorityRequests())

	id0, err := env.ledger.EnqueueDeposit(1, big.NewInt(500), _alice)
	r.NoError(err)
	id1, err := env.ledger.EnqueueFullExit(_bob, 7, 1)
	r.NoError(err)
	r.Equal(id0+1, id1)
	r.Equal(uint64(2), env.ledger.OpenPriorityRequests())
}

func TestExecutePayoutIsolation(t *testing.T) {
	r := require.New(t)
	env := newTestEnv(t)
	ctx := context.Background()

	aliceExit := operation.PartialExitOp{AccountID: 3, TokenID: 1, Amount: big.NewInt(400), Owner: _alice}
	bobExit := operation.PartialExitOp{AccountID: 4, TokenID: 1, Amount: big.NewInt(300), Owner: _bob}
	header := env.commit(t, GenesisHeader(), aliceExit, bobExit)
	r.NoError(env.ledger.Verify(header, []byte("proof")))

	// alice's payout fails, bob's succeeds; the failure must not leak into
	// bob's entry nor lose alice's funds
	env.transfer.refuse[_alice] = true
	r.NoError(env.ledger.Execute(ctx, header, processableOf(aliceExit, bobExit)))

	r.Equal(big.NewInt(400), env.ledger.PendingBalance(_alice, 1))
	r.Zero(env.ledger.PendingBalance(_bob, 1).Sign())
	r.Zero(env.ledger.QueuedWithdrawals())
	r.Len(env.transfer.calls, 1)
	r.Equal(_bob, env.transfer.calls[0].to)
	r.Equal(big.NewInt(300), env.transfer.calls[0].amount)

	// the failed payout stays claimable through the direct path
	err := env.ledger.Withdraw(ctx, _alice, 1, big.NewInt(400))
	r.Equal(ErrTransferFailed, errors.Cause(err))
	r.Equal(big.NewInt(400), env.ledger.PendingBalance(_alice, 1))

	delete(env.transfer.refuse, _alice)
	r.NoError(env.ledger.Withdraw(ctx, _alice, 1, big.NewInt(400)))
	r.Zero(env.ledger.PendingBalance(_alice, 1).Sign())

	err = env.ledger.Withdraw(ctx, _alice, 1, big.NewInt(1))
	r.Equal(pendingstore.ErrInsufficientBalance, errors.Cause(err))
}

// faultyKV injects a failure into the next WriteBatch call.
type faultyKV struct {
	db.KVStore
	failNext bool
}

func (f *faultyKV) WriteBatch(b db.KVStoreBatch) error {
	if f.failNext {
		f.failNext = false
		return errors.New("disk write failed")
	}
	return f.KVStore.WriteBatch(b)
}

func TestFailedWriteLeavesStateRetryable(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	fkv := &faultyKV{KVStore: db.NewMemKVStore()}
	chain := &testChain{height: 1000}
	clk := clock.NewMock()
	clk.Add(time.Duration(_testTimestamp) * time.Second)
	ledger := NewLedger(
		DefaultConfig,
		fkv,
		chain,
		&testVerifier{},
		&testTransfer{refuse: map[common.Address]bool{}},
		&testAccess{producer: _producer},
		WithClock(clk),
	)
	r.NoError(ledger.Start(ctx))
	defer func() { r.NoError(ledger.Stop(ctx)) }()

	// a failed enqueue write must not burn the request id
	fkv.failNext = true
	_, err := ledger.EnqueueDeposit(1, big.NewInt(500), _alice)
	r.Error(err)
	r.Zero(ledger.OpenPriorityRequests())
	id, err := ledger.EnqueueDeposit(1, big.NewInt(500), _alice)
	r.NoError(err)
	r.Zero(id)

	// a failed commit write must leave the identical honest commit retryable,
	// the committed cursor may not run ahead of the persisted state
	deposit := operation.DepositOp{AccountID: 3, TokenID: 1, Amount: big.NewInt(500), Owner: _alice}
	desc := BlockDescriptor{
		Height:       1,
		Timestamp:    _testTimestamp + 1,
		NewStateRoot: testRoot(1),
		Payload:      encodeOps(deposit),
	}
	fkv.failNext = true
	_, err = ledger.Commit(_producer, GenesisHeader(), desc)
	r.Error(err)
	r.Zero(ledger.TotalCommitted())
	header, err := ledger.Commit(_producer, GenesisHeader(), desc)
	r.NoError(err)
	r.Equal(uint32(1), header.PriorityOpsCount)

	r.NoError(ledger.Verify(header, []byte("proof")))
	r.NoError(ledger.Execute(ctx, header, nil))
	r.Equal(uint64(1), ledger.TotalExecuted())

	// everything staged through the failed writes reloads cleanly
	reopened := NewLedger(
		DefaultConfig,
		fkv.KVStore,
		chain,
		&testVerifier{},
		&testTransfer{refuse: map[common.Address]bool{}},
		&testAccess{producer: _producer},
		WithClock(clk),
	)
	r.NoError(reopened.Start(ctx))
	defer func() { r.NoError(reopened.Stop(ctx)) }()
	r.Equal(uint64(1), reopened.TotalCommitted())
	r.Zero(reopened.OpenPriorityRequests())
}

func TestRestartRestoresState(t *testing.T) {
	r := require.New(t)
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.ledger.EnqueueDeposit(1, big.NewInt(500), _alice)
	r.NoError(err)
	deposit := operation.DepositOp{AccountID: 3, TokenID: 1, Amount: big.NewInt(500), Owner: _alice}
	header1 := env.commit(t, GenesisHeader(), deposit)
	header2 := env.commit(t, header1)
	r.NoError(env.ledger.Verify(header1, []byte("proof")))
	r.NoError(env.ledger.Stop(ctx))

	reopened := NewLedger(
		DefaultConfig,
		env.kv,
		env.chain,
		env.verifier,
		env.transfer,
		&testAccess{producer: _producer},
		WithClock(env.clk),
	)
	r.NoError(reopened.Start(ctx))
	defer func() { r.NoError(reopened.Stop(ctx)) }()

	r.Equal(uint64(2), reopened.TotalCommitted())
	r.Equal(uint64(1), reopened.TotalVerified())
	r.Zero(reopened.TotalExecuted())
	r.Equal(uint64(1), reopened.OpenPriorityRequests())
	h, err := reopened.HeaderHashByHeight(1)
	r.NoError(err)
	r.Equal(header1.Hash(), h)
	r.False(reopened.ExodusActive())

	// the reopened ledger picks up exactly where the old one stopped
	r.NoError(reopened.Verify(header2, []byte("proof")))
	r.NoError(reopened.Execute(ctx, header1, nil))
	r.NoError(reopened.Execute(ctx, header2, nil))
	r.Equal(uint64(2), reopened.TotalExecuted())
	r.Equal(testRoot(2), reopened.LastExecutedRoot())
	r.Zero(reopened.OpenPriorityRequests())
}
