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

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/anchorproject/anchor-core/rollup/operation"
	"github.com/anchorproject/anchor-core/rollup/priorityqueue"
)

func TestCommitVerifyExecuteFlow(t *testing.T) {
	r := require.New(t)
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.ledger.EnqueueDeposit(1, big.NewInt(500), _alice)
	r.NoError(err)
	_, err = env.ledger.EnqueueFullExit(_bob, 7, 1)
	r.NoError(err)
	r.Equal(uint64(2), env.ledger.OpenPriorityRequests())

	deposit := operation.DepositOp{AccountID: 3, TokenID: 1, Amount: big.NewInt(500), Owner: _alice}
	fullExit := operation.FullExitOp{AccountID: 7, Owner: _bob, TokenID: 1, Amount: big.NewInt(250)}
	transfer := operation.TransferOp{FromID: 3, ToID: 4, TokenID: 1, Amount: big.NewInt(10)}

	header, err := env.ledger.Commit(_producer, GenesisHeader(), env.descriptor(GenesisHeader(), deposit, transfer, fullExit, operation.NoopOp{}))
	r.NoError(err)
	r.Equal(uint64(1), header.Height)
	r.Equal(uint32(2), header.PriorityOpsCount)
	r.Equal(uint64(1), env.ledger.TotalCommitted())
	r.Zero(env.ledger.TotalVerified())
	// commit matches requests without closing them
	r.Equal(uint64(2), env.ledger.OpenPriorityRequests())

	r.NoError(env.ledger.Verify(header, []byte("proof")))
	r.Equal(uint64(1), env.ledger.TotalVerified())

	r.NoError(env.ledger.Execute(ctx, header, processableOf(fullExit)))
	r.Equal(uint64(1), env.ledger.TotalExecuted())
	r.Zero(env.ledger.OpenPriorityRequests())
	r.Equal(testRoot(1), env.ledger.LastExecutedRoot())

	// the full exit was paid out immediately
	r.Len(env.transfer.calls, 1)
	r.Equal(_bob, env.transfer.calls[0].to)
	r.Equal(big.NewInt(250), env.transfer.calls[0].amount)
	r.Zero(env.ledger.PendingBalance(_bob, 1).Sign())
	r.Zero(env.ledger.QueuedWithdrawals())
}

func TestCommitRejectsBadPreconditions(t *testing.T) {
	r := require.New(t)
	env := newTestEnv(t)
	genesis := GenesisHeader()
	desc := env.descriptor(genesis)

	_, err := env.ledger.Commit(_intruder, genesis, desc)
	r.Equal(ErrNotAuthorized, errors.Cause(err))

	stale := genesis
	stale.Timestamp = 42
	_, err = env.ledger.Commit(_producer, stale, desc)
	r.Equal(ErrHeaderMismatch, errors.Cause(err))

	wrongPrev := genesis
	wrongPrev.Height = 5
	_, err = env.ledger.Commit(_producer, wrongPrev, desc)
	r.Equal(ErrHeightMismatch, errors.Cause(err))

	skipped := desc
	skipped.Height = 3
	_, err = env.ledger.Commit(_producer, genesis, skipped)
	r.Equal(ErrHeightMismatch, errors.Cause(err))

	tooOld := desc
	tooOld.Timestamp = 100
	_, err = env.ledger.Commit(_producer, genesis, tooOld)
	r.Equal(ErrBadTimestamp, errors.Cause(err))

	tooNew := desc
	tooNew.Timestamp = _testTimestamp + 3600
	_, err = env.ledger.Commit(_producer, genesis, tooNew)
	r.Equal(ErrBadTimestamp, errors.Cause(err))

	garbage := desc
	garbage.Payload = []byte{0xff, 0, 0, 0, 0, 0, 0, 0}
	_, err = env.ledger.Commit(_producer, genesis, garbage)
	r.Equal(operation.ErrUnknownOpType, errors.Cause(err))

	r.Zero(env.ledger.TotalCommitted())

	// a committed block's timestamp can never move backwards
	header := env.commit(t, genesis)
	backwards := env.descriptor(header)
	backwards.Timestamp = header.Timestamp - 1
	_, err = env.ledger.Commit(_producer, header, backwards)
	r.Equal(ErrBadTimestamp, errors.Cause(err))
}

func TestCommitEnforcesPriorityOrder(t *testing.T) {
	r := require.New(t)
	env := newTestEnv(t)
	genesis := GenesisHeader()

	_, err := env.ledger.EnqueueDeposit(1, big.NewInt(500), _alice)
	r.NoError(err)
	_, err = env.ledger.EnqueueFullExit(_bob, 7, 1)
	r.NoError(err)

	deposit := operation.DepositOp{TokenID: 1, Amount: big.NewInt(500), Owner: _alice}
	fullExit := operation.FullExitOp{AccountID: 7, Owner: _bob, TokenID: 1, Amount: big.NewInt(0)}

	// acknowledging the requests out of order is rejected
	_, err = env.ledger.Commit(_producer, genesis, env.descriptor(genesis, fullExit, deposit))
	r.Equal(priorityqueue.ErrPriorityMismatch, errors.Cause(err))

	// so is a deposit whose fields disagree with the request
	tampered := deposit
	tampered.Amount = big.NewInt(499)
	_, err = env.ledger.Commit(_producer, genesis, env.descriptor(genesis, tampered, fullExit))
	r.Equal(priorityqueue.ErrPriorityMismatch, errors.Cause(err))

	// and a block claiming more priority operations than are open
	extra := operation.DepositOp{TokenID: 1, Amount: big.NewInt(1), Owner: _alice}
	_, err = env.ledger.Commit(_producer, genesis, env.descriptor(genesis, deposit, fullExit, extra))
	r.Equal(priorityqueue.ErrNoOpenRequest, errors.Cause(err))

	r.Zero(env.ledger.TotalCommitted())
	r.Equal(uint64(2), env.ledger.OpenPriorityRequests())

	header := env.commit(t, genesis, deposit, fullExit)
	r.Equal(uint32(2), header.PriorityOpsCount)

	// both requests are spoken for; the next block cannot re-acknowledge them
	_, err = env.ledger.Commit(_producer, header, env.descriptor(header, extra))
	r.Equal(priorityqueue.ErrNoOpenRequest, errors.Cause(err))
}

func TestVerifyGates(t *testing.T) {
	r := require.New(t)
	env := newTestEnv(t)

	header1 := env.commit(t, GenesisHeader())
	header2 := env.commit(t, header1)

	r.Equal(ErrHeightMismatch, errors.Cause(env.ledger.Verify(header2, []byte("proof"))))

	forged := header1
	forged.NewStateRoot = testRoot(9)
	r.Equal(ErrHeaderMismatch, errors.Cause(env.ledger.Verify(forged, []byte("proof"))))

	env.verifier.reject = true
	r.Equal(ErrProofRejected, errors.Cause(env.ledger.Verify(header1, []byte("proof"))))
	r.Zero(env.ledger.TotalVerified())

	env.verifier.reject = false
	r.NoError(env.ledger.Verify(header1, []byte("proof")))
	r.Equal(ErrHeightMismatch, errors.Cause(env.ledger.Verify(header1, []byte("proof"))))

	beyond := BlockHeader{Height: 3}
	r.Equal(ErrHeightMismatch, errors.Cause(env.ledger.Verify(beyond, []byte("proof"))))
}

func TestExecuteGates(t *testing.T) {
	r := require.New(t)
	env := newTestEnv(t)
	ctx := context.Background()

	exit := operation.PartialExitOp{AccountID: 3, TokenID: 1, Amount: big.NewInt(400), Owner: _alice}
	header := env.commit(t, GenesisHeader(), exit)

	r.Equal(ErrNotVerified, errors.Cause(env.ledger.Execute(ctx, header, processableOf(exit))))
	r.NoError(env.ledger.Verify(header, []byte("proof")))

	forged := header
	forged.PriorityOpsCount = 7
	r.Equal(ErrHeaderMismatch, errors.Cause(env.ledger.Execute(ctx, forged, processableOf(exit))))

	tampered := operation.PartialExitOp{AccountID: 3, TokenID: 1, Amount: big.NewInt(9999), Owner: _alice}
	r.Equal(ErrDigestMismatch, errors.Cause(env.ledger.Execute(ctx, header, processableOf(tampered))))
	r.Zero(env.ledger.TotalExecuted())
	r.Zero(env.ledger.PendingBalance(_alice, 1).Sign())

	r.NoError(env.ledger.Execute(ctx, header, processableOf(exit)))
	r.Equal(ErrHeightMismatch, errors.Cause(env.ledger.Execute(ctx, header, processableOf(exit))))
}

func TestRevertReopensPriorityRequests(t *testing.T) {
	r := require.New(t)
	env := newTestEnv(t)

	_, err := env.ledger.EnqueueDeposit(1, big.NewInt(500), _alice)
	r.NoError(err)
	_, err = env.ledger.EnqueueDeposit(2, big.NewInt(700), _bob)
	r.NoError(err)

	deposit1 := operation.DepositOp{AccountID: 3, TokenID: 1, Amount: big.NewInt(500), Owner: _alice}
	deposit2 := operation.DepositOp{AccountID: 4, TokenID: 2, Amount: big.NewInt(700), Owner: _bob}
	header1 := env.commit(t, GenesisHeader(), deposit1)
	header2 := env.commit(t, header1, deposit2)
	r.NoError(env.ledger.Verify(header1, []byte("proof")))

	r.Equal(ErrNotAuthorized, errors.Cause(env.ledger.Revert(_intruder, []BlockHeader{header2})))
	r.Equal(ErrRevertTooEarly, errors.Cause(env.ledger.Revert(_producer, []BlockHeader{header2})))

	env.chain.height += DefaultConfig.RevertGrace

	forged := header2
	forged.Timestamp++
	r.Equal(ErrHeaderMismatch, errors.Cause(env.ledger.Revert(_producer, []BlockHeader{forged})))
	r.Equal(ErrHeightMismatch, errors.Cause(env.ledger.Revert(_producer, []BlockHeader{header1})))

	// the verified block1 bounds the revert even if its header is supplied
	r.NoError(env.ledger.Revert(_producer, []BlockHeader{header2, header1}))
	r.Equal(uint64(1), env.ledger.TotalCommitted())
	r.Equal(uint64(1), env.ledger.TotalVerified())
	_, err = env.ledger.HeaderHashByHeight(2)
	r.Error(err)

	r.Equal(ErrNothingToRevert, errors.Cause(env.ledger.Revert(_producer, nil)))

	// deposit2's request reopened and can be acknowledged again
	header2again := env.commit(t, header1, deposit2)
	r.Equal(uint32(1), header2again.PriorityOpsCount)
	r.NotEqual(header2.Hash(), header2again.Hash())
}
