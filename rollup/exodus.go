// Copyright (c) 2024 Anchor Project
// This is an alpha (internal) release and is not suitable for production. This source code is provided 'as is' and no
// warranties are given as to title or non-infringement, merchantability or fitness for purpose and, to the extent
// permitted by law, all liability for your use of the code is disclaimed. This source code is governed by Apache
// License 2.0 that can be found in the LICENSE file.

package rollup

import (
	"crypto/sha256"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/anchorproject/anchor-core/db"
	"github.com/anchorproject/anchor-core/pkg/hash"
	"github.com/anchorproject/anchor-core/pkg/log"
	"github.com/anchorproject/anchor-core/pkg/util/byteutil"
	"github.com/anchorproject/anchor-core/rollup/operation"
	"github.com/anchorproject/anchor-core/rollup/pendingstore"
)

// TriggerExodus trips exodus mode if the oldest open priority request has
// expired without being serviced. Anybody can call it; the transition is
// permanent and there is no reverse operation.
func (l *Ledger) TriggerExodus() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.exodus {
		return nil
	}
	if !l.queue.CheckExpiry(l.chain.Height()) {
		return ErrNoExpiredRequest
	}

	b := db.NewBatch()
	b.Put(Namespace, _exodusKey, []byte{1}, "failed to put exodus flag")
	if err := l.kv.WriteBatch(b); err != nil {
		return err
	}
	l.exodus = true
	_exodusMtc.Set(1)
	log.L().Warn("Exodus mode activated.",
		zap.Uint64("chainHeight", l.chain.Height()),
		zap.Uint64("openRequests", l.queue.OpenCount()))
	return nil
}

// ExodusSelfExit lets an account owner reclaim a single (account, asset)
// balance against the last executed state root once exodus mode is active.
// The proof is checked against a commitment binding the root and the claimed
// balance; each pair can exit exactly once.
func (l *Ledger) ExodusSelfExit(proof []byte, accountID uint32, tokenID uint16, amount *big.Int, owner common.Address) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if !l.exodus {
		return ErrExodusNotActive
	}
	if accountID > operation.MaxAccountID {
		return errors.Wrapf(ErrInvalidRequest, "account id = %d", accountID)
	}
	if tokenID > operation.MaxTokenID {
		return errors.Wrapf(ErrInvalidRequest, "token id = %d", tokenID)
	}
	if amount == nil || amount.Sign() < 0 || amount.BitLen() > operation.AmountBytes*8 {
		return errors.Wrap(ErrInvalidRequest, "invalid exit amount")
	}
	if l.store.HasExited(accountID, tokenID) {
		return errors.Wrapf(pendingstore.ErrAlreadyExited, "account = %d, token = %d", accountID, tokenID)
	}
	if !l.verifier.Verify(exitCommitment(l.executedRoot, accountID, tokenID, amount, owner), proof) {
		_rejectionMtc.WithLabelValues("proof_rejected").Inc()
		return errors.Wrapf(ErrProofRejected, "exit of account %d, token %d", accountID, tokenID)
	}

	snap := l.store.Snapshot()
	b := db.NewBatch()
	if err := l.store.MarkExited(b, accountID, tokenID); err != nil {
		return err
	}
	if amount.Sign() > 0 {
		l.store.Credit(b, owner, tokenID, amount)
		l.store.EnqueueWithdrawal(b, owner, tokenID)
	}
	if err := l.kv.WriteBatch(b); err != nil {
		l.store.Revert(snap)
		return err
	}
	log.L().Info("Exodus self-exit accepted.",
		zap.Uint32("accountID", accountID),
		zap.Uint16("tokenID", tokenID),
		zap.String("owner", owner.Hex()),
		zap.String("amount", amount.String()))
	return nil
}

// CancelExpiredDeposits removes up to n expired open priority requests under
// exodus mode and makes the escrowed deposit values claimable again by their
// owners. FullExit requests escrowed nothing and are simply discarded.
func (l *Ledger) CancelExpiredDeposits(n uint64) (uint64, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if !l.exodus {
		return 0, ErrExodusNotActive
	}
	open := l.queue.OpenCount()
	if open == 0 {
		return 0, ErrNoExpiredRequest
	}
	if n > open {
		n = open
	}

	queueSnap := l.queue.Snapshot()
	storeSnap := l.store.Snapshot()
	b := db.NewBatch()
	refunds, err := l.queue.DrainExpired(b, n)
	if err != nil {
		l.queue.Revert(queueSnap)
		return 0, err
	}
	for _, refund := range refunds {
		l.store.Credit(b, refund.Owner, refund.TokenID, refund.Amount)
		l.store.EnqueueWithdrawal(b, refund.Owner, refund.TokenID)
	}
	if err := l.kv.WriteBatch(b); err != nil {
		l.queue.Revert(queueSnap)
		l.store.Revert(storeSnap)
		return 0, err
	}
	_priorityMtc.WithLabelValues("expired").Add(float64(n))
	log.L().Info("Expired priority requests cancelled.",
		zap.Uint64("removed", n),
		zap.Int("refunds", len(refunds)))
	return n, nil
}

// exitCommitment binds a self-exit claim to the frozen state root.
func exitCommitment(root hash.Hash256, accountID uint32, tokenID uint16, amount *big.Int, owner common.Address) hash.Hash256 {
	d := sha256.New()
	d.Write(root[:])
	d.Write(byteutil.Uint32ToBytesBigEndian(accountID))
	d.Write(byteutil.Uint16ToBytesBigEndian(tokenID))
	d.Write(amount.FillBytes(make([]byte, operation.AmountBytes)))
	d.Write(owner.Bytes())
	return hash.BytesToHash256(d.Sum(nil))
}
