// Copyright (c) 2024 Anchor Project
// This is an alpha (internal) release and is not suitable for production. This source code is provided 'as is' and no
// warranties are given as to title or non-infringement, merchantability or fitness for purpose and, to the extent
// permitted by law, all liability for your use of the code is disclaimed. This source code is governed by Apache
// License 2.0 that can be found in the LICENSE file.

package rollup

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/anchorproject/anchor-core/db"
	"github.com/anchorproject/anchor-core/pkg/log"
	"github.com/anchorproject/anchor-core/pkg/util/byteutil"
	"github.com/anchorproject/anchor-core/rollup/operation"
)

// Commit accepts the next block of the chain. The caller supplies the entire
// previous header, which is validated against the stored hash chain, so a
// producer can chain several commits in a row from the headers Commit
// returns without re-reading ledger state.
func (l *Ledger) Commit(caller common.Address, prevHeader BlockHeader, desc BlockDescriptor) (BlockHeader, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.exodus {
		_rejectionMtc.WithLabelValues("exodus").Inc()
		return BlockHeader{}, ErrExodusActive
	}
	if !l.access.IsAuthorizedProducer(caller) {
		_rejectionMtc.WithLabelValues("unauthorized").Inc()
		return BlockHeader{}, errors.Wrapf(ErrNotAuthorized, "caller = %s", caller.Hex())
	}
	if prevHeader.Height != l.totalCommitted {
		return BlockHeader{}, errors.Wrapf(ErrHeightMismatch, "previous header is at %d, chain tip is %d", prevHeader.Height, l.totalCommitted)
	}
	if l.hashChain[prevHeader.Height] != prevHeader.Hash() {
		_rejectionMtc.WithLabelValues("header_mismatch").Inc()
		return BlockHeader{}, errors.Wrapf(ErrHeaderMismatch, "at height %d", prevHeader.Height)
	}
	if desc.Height != prevHeader.Height+1 {
		return BlockHeader{}, errors.Wrapf(ErrHeightMismatch, "descriptor is at %d, expected %d", desc.Height, prevHeader.Height+1)
	}
	if err := l.checkTimestamp(prevHeader, desc); err != nil {
		return BlockHeader{}, err
	}

	ops, processable, err := splitPayload(desc.Payload)
	if err != nil {
		_rejectionMtc.WithLabelValues("bad_payload").Inc()
		return BlockHeader{}, err
	}

	// validate phase: every priority-derived operation must match an open
	// request in strict FIFO order before anything mutates
	var priorityOpsCount uint32
	for _, op := range ops {
		if !operation.IsPriorityOp(op.Type()) {
			continue
		}
		var data []byte
		switch op := op.(type) {
		case operation.DepositOp:
			data = op.PriorityData()
		case operation.FullExitOp:
			data = op.PriorityData()
		}
		if _, err := l.queue.PeekMatch(uint64(priorityOpsCount), op.Type(), data); err != nil {
			_rejectionMtc.WithLabelValues("priority_mismatch").Inc()
			return BlockHeader{}, err
		}
		priorityOpsCount++
	}

	header := BlockHeader{
		Height:             desc.Height,
		PriorityOpsCount:   priorityOpsCount,
		ProcessedOpsDigest: processedOpsDigest(processable),
		Timestamp:          desc.Timestamp,
		NewStateRoot:       desc.NewStateRoot,
		CommitmentHash:     blockCommitment(desc, prevHeader.NewStateRoot, priorityOpsCount),
	}
	headerHash := header.Hash()
	meta := blockMeta{priorityOpsCount: priorityOpsCount, committedAt: l.chain.Height()}

	snap := l.queue.Snapshot()
	b := db.NewBatch()
	b.Put(Namespace, headerHashKey(desc.Height), headerHash[:], "failed to put header hash at %d", desc.Height)
	b.Put(Namespace, blockMetaKey(desc.Height), encodeBlockMeta(meta), "failed to put block meta at %d", desc.Height)
	b.Put(Namespace, _totalCommittedKey, byteutil.Uint64ToBytesBigEndian(l.totalCommitted+1), "failed to put total committed")
	l.queue.ConsumeCommitted(b, uint64(priorityOpsCount))
	if err := l.kv.WriteBatch(b); err != nil {
		// memory must not run ahead of disk, an identical retry has to pass
		l.queue.Revert(snap)
		return BlockHeader{}, err
	}
	l.totalCommitted++
	l.hashChain[desc.Height] = headerHash
	l.blockMetas[desc.Height] = meta

	_blockMtc.WithLabelValues("committed").Inc()
	_priorityMtc.WithLabelValues("matched").Add(float64(priorityOpsCount))
	log.L().Info("Block committed.",
		zap.Uint64("height", desc.Height),
		zap.Uint32("priorityOps", priorityOpsCount),
		zap.String("hash", headerHash.String()))
	return header, nil
}

func (l *Ledger) checkTimestamp(prevHeader BlockHeader, desc BlockDescriptor) error {
	if desc.Timestamp < prevHeader.Timestamp {
		return errors.Wrapf(ErrBadTimestamp, "timestamp %d is before previous block's %d", desc.Timestamp, prevHeader.Timestamp)
	}
	now := l.clock.Now()
	if max := now.Add(l.cfg.MaxTimestampAhead); desc.Timestamp > uint64(max.Unix()) {
		return errors.Wrapf(ErrBadTimestamp, "timestamp %d is too far in the future", desc.Timestamp)
	}
	if min := now.Add(-l.cfg.MaxTimestampBehind); min.Unix() > 0 && desc.Timestamp < uint64(min.Unix()) {
		return errors.Wrapf(ErrBadTimestamp, "timestamp %d is stale", desc.Timestamp)
	}
	return nil
}

// Verify attests the correctness of the next unverified block. It performs no
// balance mutation; that is Execute's job.
func (l *Ledger) Verify(header BlockHeader, proof []byte) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.exodus {
		_rejectionMtc.WithLabelValues("exodus").Inc()
		return ErrExodusActive
	}
	height := l.totalVerified + 1
	if header.Height != height {
		return errors.Wrapf(ErrHeightMismatch, "header is at %d, next unverified is %d", header.Height, height)
	}
	if height > l.totalCommitted {
		return errors.Wrapf(ErrHeightMismatch, "height %d is not committed yet", height)
	}
	if l.hashChain[height] != header.Hash() {
		_rejectionMtc.WithLabelValues("header_mismatch").Inc()
		return errors.Wrapf(ErrHeaderMismatch, "at height %d", height)
	}
	if !l.verifier.Verify(header.CommitmentHash, proof) {
		_rejectionMtc.WithLabelValues("proof_rejected").Inc()
		return errors.Wrapf(ErrProofRejected, "at height %d", height)
	}

	b := db.NewBatch()
	b.Put(Namespace, _totalVerifiedKey, byteutil.Uint64ToBytesBigEndian(height), "failed to put total verified")
	if err := l.kv.WriteBatch(b); err != nil {
		return err
	}
	l.totalVerified = height

	_blockMtc.WithLabelValues("verified").Inc()
	log.L().Info("Block verified.", zap.Uint64("height", height))
	return nil
}

// Execute finalizes the next verified-but-unexecuted block: it re-walks the
// block's processable operations (exits, not deposits or transfers), credits
// the pending balance ledger, consumes the block's priority requests and then
// attempts immediate payout of the newly queued withdrawals.
func (l *Ledger) Execute(ctx context.Context, header BlockHeader, processableOps []byte) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.exodus {
		_rejectionMtc.WithLabelValues("exodus").Inc()
		return ErrExodusActive
	}
	height := l.totalExecuted + 1
	if header.Height != height {
		return errors.Wrapf(ErrHeightMismatch, "header is at %d, next unexecuted is %d", header.Height, height)
	}
	if height > l.totalVerified {
		return errors.Wrapf(ErrNotVerified, "height %d", height)
	}
	if l.hashChain[height] != header.Hash() {
		_rejectionMtc.WithLabelValues("header_mismatch").Inc()
		return errors.Wrapf(ErrHeaderMismatch, "at height %d", height)
	}
	if processedOpsDigest(processableOps) != header.ProcessedOpsDigest {
		_rejectionMtc.WithLabelValues("digest_mismatch").Inc()
		return errors.Wrapf(ErrDigestMismatch, "at height %d", height)
	}
	ops, err := operation.DecodeBlob(processableOps)
	if err != nil {
		return err
	}

	queueSnap := l.queue.Snapshot()
	storeSnap := l.store.Snapshot()
	b := db.NewBatch()
	var queued uint64
	for _, op := range ops {
		switch op := op.(type) {
		case operation.PartialExitOp:
			l.store.Credit(b, op.Owner, op.TokenID, op.Amount)
			l.store.EnqueueWithdrawal(b, op.Owner, op.TokenID)
			queued++
		case operation.ForcedExitOp:
			l.store.Credit(b, op.Target, op.TokenID, op.Amount)
			l.store.EnqueueWithdrawal(b, op.Target, op.TokenID)
			queued++
		case operation.FullExitOp:
			if op.Amount.Sign() > 0 {
				l.store.Credit(b, op.Owner, op.TokenID, op.Amount)
				l.store.EnqueueWithdrawal(b, op.Owner, op.TokenID)
				queued++
			}
		default:
			l.store.Revert(storeSnap)
			return errors.Wrapf(ErrDigestMismatch, "operation %#x is not processable", uint8(op.Type()))
		}
	}
	meta := l.blockMetas[height]
	if err := l.queue.AdvanceOpen(b, uint64(meta.priorityOpsCount)); err != nil {
		l.store.Revert(storeSnap)
		return err
	}
	b.Put(Namespace, _totalExecutedKey, byteutil.Uint64ToBytesBigEndian(height), "failed to put total executed")
	b.Put(Namespace, _executedRootKey, header.NewStateRoot[:], "failed to put executed root")
	b.Delete(Namespace, blockMetaKey(height), "failed to delete block meta at %d", height)
	if err := l.kv.WriteBatch(b); err != nil {
		l.queue.Revert(queueSnap)
		l.store.Revert(storeSnap)
		return err
	}
	l.totalExecuted = height
	l.executedRoot = header.NewStateRoot
	delete(l.blockMetas, height)

	_blockMtc.WithLabelValues("executed").Inc()
	log.L().Info("Block executed.",
		zap.Uint64("height", height),
		zap.Uint64("queuedWithdrawals", queued))

	// best-effort immediate payout; failures stay claimable
	if queued > 0 {
		if _, err := l.drainWithdrawals(ctx, queued); err != nil {
			log.L().Error("Failed to drain withdrawals after execute.", zap.Error(err))
		}
	}
	return nil
}

// Revert rolls back committed-but-unproven blocks after the proving grace
// period lapsed. The caller supplies the headers being reverted, newest
// first; each is validated against the stored hash chain before deletion.
// Blocks at or below the verified boundary are final and can never be
// reverted.
func (l *Ledger) Revert(caller common.Address, headers []BlockHeader) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.exodus {
		_rejectionMtc.WithLabelValues("exodus").Inc()
		return ErrExodusActive
	}
	if !l.access.IsAuthorizedProducer(caller) {
		_rejectionMtc.WithLabelValues("unauthorized").Inc()
		return errors.Wrapf(ErrNotAuthorized, "caller = %s", caller.Hex())
	}
	if l.totalCommitted == l.totalVerified {
		return ErrNothingToRevert
	}
	oldest := l.blockMetas[l.totalVerified+1]
	if l.chain.Height() < oldest.committedAt+l.cfg.RevertGrace {
		return errors.Wrapf(ErrRevertTooEarly, "oldest unverified block committed at %d, current height %d", oldest.committedAt, l.chain.Height())
	}

	b := db.NewBatch()
	var (
		reverted     uint64
		reopenedPrio uint64
		height       = l.totalCommitted
	)
	for _, header := range headers {
		if height == l.totalVerified {
			break
		}
		if header.Height != height {
			return errors.Wrapf(ErrHeightMismatch, "header is at %d, expected %d", header.Height, height)
		}
		if l.hashChain[height] != header.Hash() {
			_rejectionMtc.WithLabelValues("header_mismatch").Inc()
			return errors.Wrapf(ErrHeaderMismatch, "at height %d", height)
		}
		meta := l.blockMetas[height]
		b.Delete(Namespace, headerHashKey(height), "failed to delete header hash at %d", height)
		b.Delete(Namespace, blockMetaKey(height), "failed to delete block meta at %d", height)
		reopenedPrio += uint64(meta.priorityOpsCount)
		reverted++
		height--
	}
	if reverted == 0 {
		return ErrNothingToRevert
	}
	snap := l.queue.Snapshot()
	if err := l.queue.Uncommit(b, reopenedPrio); err != nil {
		return err
	}
	b.Put(Namespace, _totalCommittedKey, byteutil.Uint64ToBytesBigEndian(height), "failed to put total committed")
	if err := l.kv.WriteBatch(b); err != nil {
		l.queue.Revert(snap)
		return err
	}
	for h := l.totalCommitted; h > height; h-- {
		delete(l.hashChain, h)
		delete(l.blockMetas, h)
	}
	l.totalCommitted = height

	_blockMtc.WithLabelValues("reverted").Add(float64(reverted))
	log.L().Warn("Blocks reverted.",
		zap.Uint64("count", reverted),
		zap.Uint64("newTip", height),
		zap.Uint64("reopenedPriorityRequests", reopenedPrio))
	return nil
}
