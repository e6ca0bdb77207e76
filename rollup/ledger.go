// Copyright (c) 2024 Anchor Project
// This is an alpha (internal) release and is not suitable for production. This source code is provided 'as is' and no
// warranties are given as to title or non-infringement, merchantability or fitness for purpose and, to the extent
// permitted by law, all liability for your use of the code is disclaimed. This source code is governed by Apache
// License 2.0 that can be found in the LICENSE file.

// Package rollup implements the on-chain settlement ledger of the rollup: the
// commit/verify/execute block pipeline over a hash-chained header sequence,
// the priority request window bookkeeping, and the exodus safety valve.
//
// Every mutating operation is an atomic, serialized transition: it either
// fully applies its effects (staged in one write batch) or fully rejects with
// no observable intermediate state. Racing callers lose by precondition, not
// by lock contention.
package rollup

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/facebookgo/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/anchorproject/anchor-core/db"
	"github.com/anchorproject/anchor-core/pkg/hash"
	"github.com/anchorproject/anchor-core/pkg/log"
	"github.com/anchorproject/anchor-core/pkg/util/byteutil"
	"github.com/anchorproject/anchor-core/rollup/operation"
	"github.com/anchorproject/anchor-core/rollup/pendingstore"
	"github.com/anchorproject/anchor-core/rollup/priorityqueue"
)

// Namespace is the KVStore namespace holding the pipeline's state
const Namespace = "blockPipeline"

var (
	_totalCommittedKey = []byte("totalCommitted")
	_totalVerifiedKey  = []byte("totalVerified")
	_totalExecutedKey  = []byte("totalExecuted")
	_exodusKey         = []byte("exodusMode")
	_executedRootKey   = []byte("executedRoot")
	_headerHashPrefix  = []byte("h")
	_blockMetaPrefix   = []byte("m")
)

// precondition violations: rejected synchronously, no state change, the
// caller can re-derive correct arguments
var (
	// ErrExodusActive indicates the transition is refused because exodus mode is active
	ErrExodusActive = errors.New("exodus mode is active")
	// ErrExodusNotActive indicates the operation is only available under exodus mode
	ErrExodusNotActive = errors.New("exodus mode is not active")
	// ErrNotAuthorized indicates the caller is not an authorized block producer
	ErrNotAuthorized = errors.New("caller is not an authorized block producer")
	// ErrHeightMismatch indicates a block at an unexpected height
	ErrHeightMismatch = errors.New("unexpected block height")
	// ErrHeaderMismatch indicates a supplied header does not hash to the stored chain entry
	ErrHeaderMismatch = errors.New("header does not match stored hash chain")
	// ErrBadTimestamp indicates a committed block's declared timestamp is out of bounds
	ErrBadTimestamp = errors.New("block timestamp out of bounds")
	// ErrNotVerified indicates an execute attempt past the verified boundary
	ErrNotVerified = errors.New("block is not verified yet")
	// ErrNothingToRevert indicates no committed-but-unverified block exists
	ErrNothingToRevert = errors.New("no committed block to revert")
	// ErrRevertTooEarly indicates the revert grace period has not passed
	ErrRevertTooEarly = errors.New("revert grace period has not passed")
	// ErrNoExpiredRequest indicates the exodus trigger found nothing expired
	ErrNoExpiredRequest = errors.New("no expired priority request")
	// ErrInvalidRequest indicates a malformed priority request submission
	ErrInvalidRequest = errors.New("invalid priority request")
)

// cross-check failures: a misbehaving or malicious block producer, the
// category operators must alarm on
var (
	// ErrProofRejected indicates the external verifier rejected the proof
	ErrProofRejected = errors.New("proof rejected by verifier")
	// ErrDigestMismatch indicates the supplied operations do not hash to the header's digest
	ErrDigestMismatch = errors.New("processed operations digest mismatch")
)

// ErrTransferFailed indicates the external asset transfer failed; the debited
// balance has been restored
var ErrTransferFailed = errors.New("asset transfer failed")

type (
	// ProofVerifier is the external proof-verification capability. It is
	// treated as pure and deterministic; false is a hard rejection, never
	// retried automatically.
	ProofVerifier interface {
		Verify(commitment hash.Hash256, publicInputs []byte) bool
	}

	// AccessControl answers whether a caller may produce blocks.
	AccessControl interface {
		IsAuthorizedProducer(caller common.Address) bool
	}

	// ChainHead reports the current base-chain height. Expirations and the
	// revert grace period are evaluated against it, never wall-clock time.
	ChainHead interface {
		Height() uint64
	}

	// blockMeta is the per-height bookkeeping kept while a block is
	// committed but not yet executed.
	blockMeta struct {
		priorityOpsCount uint32
		committedAt      uint64
	}

	// Ledger is the settlement ledger aggregate. All mutating operations are
	// serialized by one mutex; state is mirrored in memory and persisted to
	// the KVStore one write batch per transition.
	Ledger struct {
		mutex    sync.RWMutex
		cfg      Config
		kv       db.KVStore
		queue    *priorityqueue.Queue
		store    *pendingstore.Store
		chain    ChainHead
		verifier ProofVerifier
		transfer pendingstore.AssetTransfer
		access   AccessControl
		clock    clock.Clock

		totalCommitted uint64
		totalVerified  uint64
		totalExecuted  uint64
		hashChain      map[uint64]hash.Hash256
		blockMetas     map[uint64]blockMeta
		executedRoot   hash.Hash256
		exodus         bool
	}

	// Option sets an option on the ledger
	Option func(*Ledger)
)

// WithClock overrides the wall clock, for testing the timestamp window.
func WithClock(c clock.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// NewLedger creates a settlement ledger over the given KVStore and external
// collaborators.
func NewLedger(
	cfg Config,
	kv db.KVStore,
	chain ChainHead,
	verifier ProofVerifier,
	transfer pendingstore.AssetTransfer,
	access AccessControl,
	opts ...Option,
) *Ledger {
	l := &Ledger{
		cfg:        cfg,
		kv:         kv,
		queue:      priorityqueue.New(kv, cfg.ExpirationDelta),
		store:      pendingstore.New(kv, cfg.TransferTimeout),
		chain:      chain,
		verifier:   verifier,
		transfer:   transfer,
		access:     access,
		clock:      clock.New(),
		hashChain:  make(map[uint64]hash.Hash256),
		blockMetas: make(map[uint64]blockMeta),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func headerHashKey(height uint64) []byte {
	return append([]byte{}, append(_headerHashPrefix, byteutil.Uint64ToBytesBigEndian(height)...)...)
}

func blockMetaKey(height uint64) []byte {
	return append([]byte{}, append(_blockMetaPrefix, byteutil.Uint64ToBytesBigEndian(height)...)...)
}

// Start loads the pipeline state, the priority queue and the pending store
// from the KVStore, bootstrapping a fresh ledger with the genesis header.
func (l *Ledger) Start(ctx context.Context) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if err := l.queue.Start(ctx); err != nil {
		return err
	}
	if err := l.store.Start(ctx); err != nil {
		return err
	}

	var err error
	if l.totalCommitted, err = l.loadCounter(_totalCommittedKey); err != nil {
		return err
	}
	if l.totalVerified, err = l.loadCounter(_totalVerifiedKey); err != nil {
		return err
	}
	if l.totalExecuted, err = l.loadCounter(_totalExecutedKey); err != nil {
		return err
	}

	if _, err := l.kv.Get(Namespace, headerHashKey(0)); errors.Cause(err) == db.ErrNotExist || errors.Cause(err) == db.ErrBucketNotExist {
		// fresh ledger, anchor the genesis header
		genesis := GenesisHeader().Hash()
		b := db.NewBatch()
		b.Put(Namespace, headerHashKey(0), genesis[:], "failed to put genesis hash")
		b.Put(Namespace, _executedRootKey, hash.ZeroHash256[:], "failed to put executed root")
		if err := l.kv.WriteBatch(b); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	for height := uint64(0); height <= l.totalCommitted; height++ {
		v, err := l.kv.Get(Namespace, headerHashKey(height))
		if err != nil {
			return errors.Wrapf(err, "failed to load header hash at height %d", height)
		}
		l.hashChain[height] = hash.BytesToHash256(v)
	}
	for height := l.totalExecuted + 1; height <= l.totalCommitted; height++ {
		v, err := l.kv.Get(Namespace, blockMetaKey(height))
		if err != nil {
			return errors.Wrapf(err, "failed to load block meta at height %d", height)
		}
		meta, err := decodeBlockMeta(v)
		if err != nil {
			return errors.Wrapf(err, "at height %d", height)
		}
		l.blockMetas[height] = meta
	}

	root, err := l.kv.Get(Namespace, _executedRootKey)
	if err != nil {
		return err
	}
	l.executedRoot = hash.BytesToHash256(root)

	v, err := l.kv.Get(Namespace, _exodusKey)
	switch errors.Cause(err) {
	case nil:
		l.exodus = len(v) == 1 && v[0] == 1
	case db.ErrNotExist, db.ErrBucketNotExist:
	default:
		return err
	}
	if l.exodus {
		_exodusMtc.Set(1)
	}

	log.L().Info("Settlement ledger started.",
		zap.Uint64("totalCommitted", l.totalCommitted),
		zap.Uint64("totalVerified", l.totalVerified),
		zap.Uint64("totalExecuted", l.totalExecuted),
		zap.Bool("exodus", l.exodus))
	return nil
}

// Stop implements lifecycle.StartStopper.
func (l *Ledger) Stop(ctx context.Context) error {
	if err := l.store.Stop(ctx); err != nil {
		return err
	}
	return l.queue.Stop(ctx)
}

func (l *Ledger) loadCounter(key []byte) (uint64, error) {
	v, err := l.kv.Get(Namespace, key)
	switch errors.Cause(err) {
	case nil:
		return byteutil.BytesToUint64BigEndian(v), nil
	case db.ErrNotExist, db.ErrBucketNotExist:
		return 0, nil
	default:
		return 0, err
	}
}

func encodeBlockMeta(meta blockMeta) []byte {
	buf := make([]byte, 0, 12)
	buf = append(buf, byteutil.Uint32ToBytesBigEndian(meta.priorityOpsCount)...)
	buf = append(buf, byteutil.Uint64ToBytesBigEndian(meta.committedAt)...)
	return buf
}

func decodeBlockMeta(v []byte) (blockMeta, error) {
	if len(v) != 12 {
		return blockMeta{}, errors.New("corrupted block meta")
	}
	return blockMeta{
		priorityOpsCount: byteutil.BytesToUint32BigEndian(v[:4]),
		committedAt:      byteutil.BytesToUint64BigEndian(v[4:]),
	}, nil
}

// EnqueueDeposit appends a Deposit priority request for funds already
// custodied on L1 and returns its request id.
func (l *Ledger) EnqueueDeposit(tokenID uint16, amount *big.Int, owner common.Address) (uint64, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.exodus {
		return 0, ErrExodusActive
	}
	if l.queue.CheckExpiry(l.chain.Height()) {
		// the queue already starved; callers must trigger exodus instead
		return 0, errors.Wrap(ErrExodusActive, "oldest priority request expired")
	}
	if amount == nil || amount.Sign() <= 0 {
		return 0, errors.Wrap(ErrInvalidRequest, "deposit amount must be positive")
	}
	if amount.BitLen() > operation.AmountBytes*8 {
		return 0, errors.Wrap(ErrInvalidRequest, "deposit amount too large")
	}
	if tokenID > operation.MaxTokenID {
		return 0, errors.Wrapf(ErrInvalidRequest, "token id = %d", tokenID)
	}

	data := operation.DepositOp{
		TokenID: tokenID,
		Amount:  amount,
		Owner:   owner,
	}.PriorityData()
	snap := l.queue.Snapshot()
	b := db.NewBatch()
	id := l.queue.Enqueue(b, operation.Deposit, data, l.chain.Height())
	if err := l.kv.WriteBatch(b); err != nil {
		l.queue.Revert(snap)
		return 0, err
	}
	_priorityMtc.WithLabelValues("enqueued").Inc()
	return id, nil
}

// EnqueueFullExit appends a FullExit priority request for the caller's L2
// account and returns its request id.
func (l *Ledger) EnqueueFullExit(caller common.Address, accountID uint32, tokenID uint16) (uint64, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.exodus {
		return 0, ErrExodusActive
	}
	if l.queue.CheckExpiry(l.chain.Height()) {
		return 0, errors.Wrap(ErrExodusActive, "oldest priority request expired")
	}
	if accountID > operation.MaxAccountID {
		return 0, errors.Wrapf(ErrInvalidRequest, "account id = %d", accountID)
	}
	if tokenID > operation.MaxTokenID {
		return 0, errors.Wrapf(ErrInvalidRequest, "token id = %d", tokenID)
	}

	data := operation.FullExitOp{
		AccountID: accountID,
		Owner:     caller,
		TokenID:   tokenID,
	}.PriorityData()
	snap := l.queue.Snapshot()
	b := db.NewBatch()
	id := l.queue.Enqueue(b, operation.FullExit, data, l.chain.Height())
	if err := l.kv.WriteBatch(b); err != nil {
		l.queue.Revert(snap)
		return 0, err
	}
	_priorityMtc.WithLabelValues("enqueued").Inc()
	return id, nil
}

// Withdraw debits the caller's pending balance and pays it out. If the
// external transfer fails the debit is rolled back and the balance stays
// claimable.
func (l *Ledger) Withdraw(ctx context.Context, caller common.Address, tokenID uint16, amount *big.Int) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if amount == nil || amount.Sign() <= 0 {
		return errors.Wrap(ErrInvalidRequest, "withdraw amount must be positive")
	}
	snap := l.store.Snapshot()
	b := db.NewBatch()
	if err := l.store.Debit(b, caller, tokenID, amount); err != nil {
		return err
	}
	if err := l.kv.WriteBatch(b); err != nil {
		l.store.Revert(snap)
		return err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, l.cfg.TransferTimeout)
	err := l.transfer.Transfer(attemptCtx, tokenID, caller, amount)
	cancel()
	if err != nil {
		snap = l.store.Snapshot()
		b = db.NewBatch()
		l.store.Credit(b, caller, tokenID, amount)
		if err2 := l.kv.WriteBatch(b); err2 != nil {
			l.store.Revert(snap)
			return err2
		}
		_payoutMtc.WithLabelValues("failure").Inc()
		return errors.Wrap(ErrTransferFailed, err.Error())
	}
	_payoutMtc.WithLabelValues("success").Inc()
	return nil
}

// DrainWithdrawals attempts payout for up to n queued withdrawals. Failures
// are isolated per entry.
func (l *Ledger) DrainWithdrawals(ctx context.Context, n uint64) (uint64, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.drainWithdrawals(ctx, n)
}

func (l *Ledger) drainWithdrawals(ctx context.Context, n uint64) (uint64, error) {
	paid, failed, err := l.store.Drain(ctx, n, l.transfer)
	_payoutMtc.WithLabelValues("success").Add(float64(paid))
	_payoutMtc.WithLabelValues("failure").Add(float64(failed))
	return paid, err
}

// read-only queries

// TotalCommitted returns the height of the last committed block.
func (l *Ledger) TotalCommitted() uint64 {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.totalCommitted
}

// TotalVerified returns the height of the last verified block.
func (l *Ledger) TotalVerified() uint64 {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.totalVerified
}

// TotalExecuted returns the height of the last executed block.
func (l *Ledger) TotalExecuted() uint64 {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.totalExecuted
}

// HeaderHashByHeight returns the stored header hash at the given height.
func (l *Ledger) HeaderHashByHeight(height uint64) (hash.Hash256, error) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	h, ok := l.hashChain[height]
	if !ok {
		return hash.ZeroHash256, errors.Wrapf(db.ErrNotExist, "no header at height %d", height)
	}
	return h, nil
}

// ExodusActive returns whether exodus mode has been tripped.
func (l *Ledger) ExodusActive() bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.exodus
}

// LastExecutedRoot returns the state root of the last executed block.
func (l *Ledger) LastExecutedRoot() hash.Hash256 {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.executedRoot
}

// PendingBalance returns the withdrawable balance of (owner, tokenID).
func (l *Ledger) PendingBalance(owner common.Address, tokenID uint16) *big.Int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.store.Balance(owner, tokenID)
}

// OpenPriorityRequests returns the number of open priority requests.
func (l *Ledger) OpenPriorityRequests() uint64 {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.queue.OpenCount()
}

// QueuedWithdrawals returns the number of payouts awaiting an attempt.
func (l *Ledger) QueuedWithdrawals() uint64 {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.store.QueuedWithdrawals()
}
