// Copyright (c) 2024 Anchor Project
// This is an alpha (internal) release and is not suitable for production. This source code is provided 'as is' and no
// warranties are given as to title or non-infringement, merchantability or fitness for purpose and, to the extent
// permitted by law, all liability for your use of the code is disclaimed. This source code is governed by Apache
// License 2.0 that can be found in the LICENSE file.

// Package pendingstore implements the per (owner, asset) pending-withdrawal
// ledger plus the FIFO queue of withdrawals awaiting payout. The queue is
// decoupled from the balances so a failed payout never blocks the queue; it
// only flips the balance back to owed, claimable later via the direct debit
// path.
//
// The store is not safe for concurrent use; the owning ledger serializes all
// access.
package pendingstore

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/anchorproject/anchor-core/db"
	"github.com/anchorproject/anchor-core/pkg/log"
	"github.com/anchorproject/anchor-core/pkg/util/byteutil"
)

// KVStore namespaces holding the store's state
const (
	BalanceNamespace    = "pendingBalances"
	WithdrawalNamespace = "pendingWithdrawals"
	ExitNamespace       = "exodusExits"
)

var (
	_firstKey = []byte("first")
	_nextKey  = []byte("next")

	// ErrInsufficientBalance indicates a debit larger than the pending balance
	ErrInsufficientBalance = errors.New("insufficient pending balance")
	// ErrAlreadyExited indicates a second self-service exit for the same (account, asset)
	ErrAlreadyExited = errors.New("account already exited this asset")
	// ErrCorruptedEntry indicates a stored entry failed to decode
	ErrCorruptedEntry = errors.New("corrupted pending store entry")
)

type (
	// AssetTransfer moves custodied assets out to an L1 recipient. It may
	// fail for external reasons; failures must not corrupt ledger state.
	AssetTransfer interface {
		Transfer(ctx context.Context, tokenID uint16, to common.Address, amount *big.Int) error
	}

	// Withdrawal is one queued payout target.
	Withdrawal struct {
		Recipient common.Address
		TokenID   uint16
	}

	// Store is the pending balance and withdrawal store.
	Store struct {
		kv              db.KVStore
		transferTimeout time.Duration
		balances        map[string]*big.Int
		first           uint64
		next            uint64
		withdrawals     map[uint64]Withdrawal
		exited          map[string]struct{}
	}

	// Snapshot is a captured copy of the store's in-memory state, taken
	// before staging mutations and restored with Revert when the write batch
	// fails to commit. Balances are replaced rather than mutated in place, so
	// shallow copies of the maps stay consistent.
	Snapshot struct {
		balances    map[string]*big.Int
		first       uint64
		next        uint64
		withdrawals map[uint64]Withdrawal
		exited      map[string]struct{}
	}
)

func balanceKey(owner common.Address, tokenID uint16) []byte {
	k := make([]byte, 0, len(owner)+2)
	k = append(k, owner[:]...)
	k = append(k, byteutil.Uint16ToBytesBigEndian(tokenID)...)
	return k
}

func exitKey(accountID uint32, tokenID uint16) []byte {
	k := make([]byte, 0, 6)
	k = append(k, byteutil.Uint32ToBytesBigEndian(accountID)...)
	k = append(k, byteutil.Uint16ToBytesBigEndian(tokenID)...)
	return k
}

// New creates a pending store backed by the given KVStore. Each payout
// attempt in Drain is bounded by transferTimeout.
func New(kv db.KVStore, transferTimeout time.Duration) *Store {
	return &Store{
		kv:              kv,
		transferTimeout: transferTimeout,
		balances:        make(map[string]*big.Int),
		withdrawals:     make(map[uint64]Withdrawal),
		exited:          make(map[string]struct{}),
	}
}

// Start loads balances, the withdrawal queue and the exit flags from the KVStore.
func (s *Store) Start(_ context.Context) error {
	keys, values, err := s.kv.Filter(BalanceNamespace, nil)
	switch errors.Cause(err) {
	case nil:
		for i, k := range keys {
			s.balances[string(k)] = new(big.Int).SetBytes(values[i])
		}
	case db.ErrBucketNotExist:
	default:
		return err
	}

	if s.first, err = s.loadCounter(_firstKey); err != nil {
		return err
	}
	if s.next, err = s.loadCounter(_nextKey); err != nil {
		return err
	}
	for idx := s.first; idx < s.next; idx++ {
		v, err := s.kv.Get(WithdrawalNamespace, byteutil.Uint64ToBytesBigEndian(idx))
		if err != nil {
			return errors.Wrapf(err, "failed to load pending withdrawal %d", idx)
		}
		if len(v) != common.AddressLength+2 {
			return errors.Wrapf(ErrCorruptedEntry, "pending withdrawal %d", idx)
		}
		var w Withdrawal
		copy(w.Recipient[:], v[:common.AddressLength])
		w.TokenID = byteutil.BytesToUint16BigEndian(v[common.AddressLength:])
		s.withdrawals[idx] = w
	}

	keys, _, err = s.kv.Filter(ExitNamespace, nil)
	switch errors.Cause(err) {
	case nil:
		for _, k := range keys {
			s.exited[string(k)] = struct{}{}
		}
	case db.ErrBucketNotExist:
	default:
		return err
	}
	log.L().Info("Pending store loaded.",
		zap.Int("balances", len(s.balances)),
		zap.Uint64("queuedWithdrawals", s.next-s.first))
	return nil
}

// Stop implements lifecycle.StartStopper.
func (s *Store) Stop(_ context.Context) error { return nil }

func (s *Store) loadCounter(key []byte) (uint64, error) {
	v, err := s.kv.Get(WithdrawalNamespace, key)
	switch errors.Cause(err) {
	case nil:
		return byteutil.BytesToUint64BigEndian(v), nil
	case db.ErrNotExist, db.ErrBucketNotExist:
		return 0, nil
	default:
		return 0, err
	}
}

// Balance returns the pending balance of (owner, tokenID).
func (s *Store) Balance(owner common.Address, tokenID uint16) *big.Int {
	if b, ok := s.balances[string(balanceKey(owner, tokenID))]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Snapshot captures the store's in-memory state.
func (s *Store) Snapshot() Snapshot {
	balances := make(map[string]*big.Int, len(s.balances))
	for k, v := range s.balances {
		balances[k] = v
	}
	withdrawals := make(map[uint64]Withdrawal, len(s.withdrawals))
	for idx, w := range s.withdrawals {
		withdrawals[idx] = w
	}
	exited := make(map[string]struct{}, len(s.exited))
	for k := range s.exited {
		exited[k] = struct{}{}
	}
	return Snapshot{
		balances:    balances,
		first:       s.first,
		next:        s.next,
		withdrawals: withdrawals,
		exited:      exited,
	}
}

// Revert restores the state captured by Snapshot.
func (s *Store) Revert(sn Snapshot) {
	s.balances = sn.balances
	s.first = sn.first
	s.next = sn.next
	s.withdrawals = sn.withdrawals
	s.exited = sn.exited
}

// Credit unconditionally adds to the pending balance and stages the update.
func (s *Store) Credit(b db.KVStoreBatch, owner common.Address, tokenID uint16, amount *big.Int) {
	key := balanceKey(owner, tokenID)
	balance := new(big.Int).Add(s.Balance(owner, tokenID), amount)
	s.balances[string(key)] = balance
	b.Put(BalanceNamespace, key, balance.Bytes(), "failed to put balance of %x", key)
}

// Debit subtracts from the pending balance, failing if the balance is short.
func (s *Store) Debit(b db.KVStoreBatch, owner common.Address, tokenID uint16, amount *big.Int) error {
	key := balanceKey(owner, tokenID)
	balance, ok := s.balances[string(key)]
	if !ok || balance.Cmp(amount) < 0 {
		return errors.Wrapf(ErrInsufficientBalance, "owner = %x, token = %d", owner, tokenID)
	}
	remain := new(big.Int).Sub(balance, amount)
	// the zero-balance key stays present once warmed
	s.balances[string(key)] = remain
	b.Put(BalanceNamespace, key, remain.Bytes(), "failed to put balance of %x", key)
	return nil
}

// EnqueueWithdrawal appends a payout target to the withdrawal FIFO.
func (s *Store) EnqueueWithdrawal(b db.KVStoreBatch, recipient common.Address, tokenID uint16) {
	idx := s.next
	s.withdrawals[idx] = Withdrawal{Recipient: recipient, TokenID: tokenID}
	s.next++
	v := make([]byte, 0, common.AddressLength+2)
	v = append(v, recipient[:]...)
	v = append(v, byteutil.Uint16ToBytesBigEndian(tokenID)...)
	b.Put(WithdrawalNamespace, byteutil.Uint64ToBytesBigEndian(idx), v, "failed to put pending withdrawal %d", idx)
	b.Put(WithdrawalNamespace, _nextKey, byteutil.Uint64ToBytesBigEndian(s.next), "failed to put next index")
}

// QueuedWithdrawals returns the number of payouts awaiting an attempt.
func (s *Store) QueuedWithdrawals() uint64 { return s.next - s.first }

// Drain attempts an external transfer for up to n oldest queued withdrawals.
// Payout is all-or-nothing per entry and isolated: a failed transfer leaves
// the entry's balance claimable and processing continues with the next entry.
// Each attempt runs under the store's transfer timeout so a hostile recipient
// cannot consume the whole batch's budget. It returns the number of
// successful and of failed payout attempts; entries whose balance was already
// claimed directly count as neither.
func (s *Store) Drain(ctx context.Context, n uint64, transfer AssetTransfer) (uint64, uint64, error) {
	if queued := s.QueuedWithdrawals(); n > queued {
		n = queued
	}
	var paid, failed uint64
	for i := uint64(0); i < n; i++ {
		idx := s.first
		w, ok := s.withdrawals[idx]
		if !ok {
			return paid, failed, errors.Wrapf(ErrCorruptedEntry, "pending withdrawal %d missing", idx)
		}

		// dequeue the entry and zero the balance before the external call
		amount := s.Balance(w.Recipient, w.TokenID)
		sn := s.Snapshot()
		b := db.NewBatch()
		delete(s.withdrawals, idx)
		s.first++
		b.Delete(WithdrawalNamespace, byteutil.Uint64ToBytesBigEndian(idx), "failed to delete pending withdrawal %d", idx)
		b.Put(WithdrawalNamespace, _firstKey, byteutil.Uint64ToBytesBigEndian(s.first), "failed to put first index")
		if amount.Sign() > 0 {
			if err := s.Debit(b, w.Recipient, w.TokenID, amount); err != nil {
				s.Revert(sn)
				return paid, failed, err
			}
		}
		if err := s.kv.WriteBatch(b); err != nil {
			s.Revert(sn)
			return paid, failed, err
		}
		if amount.Sign() == 0 {
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.transferTimeout)
		err := transfer.Transfer(attemptCtx, w.TokenID, w.Recipient, amount)
		cancel()
		if err != nil {
			// the payout failed; the value goes back to owed and stays
			// claimable via the direct debit path
			sn = s.Snapshot()
			b = db.NewBatch()
			s.Credit(b, w.Recipient, w.TokenID, amount)
			if err2 := s.kv.WriteBatch(b); err2 != nil {
				s.Revert(sn)
				return paid, failed, err2
			}
			failed++
			log.L().Warn("Pending withdrawal payout failed.",
				zap.String("recipient", w.Recipient.Hex()),
				zap.Uint16("token", w.TokenID),
				zap.String("amount", amount.String()),
				zap.Error(err))
			continue
		}
		paid++
	}
	return paid, failed, nil
}

// HasExited returns whether (accountID, tokenID) already claimed a
// self-service exit.
func (s *Store) HasExited(accountID uint32, tokenID uint16) bool {
	_, ok := s.exited[string(exitKey(accountID, tokenID))]
	return ok
}

// MarkExited permanently flips the replay guard for (accountID, tokenID).
func (s *Store) MarkExited(b db.KVStoreBatch, accountID uint32, tokenID uint16) error {
	key := exitKey(accountID, tokenID)
	if _, ok := s.exited[string(key)]; ok {
		return errors.Wrapf(ErrAlreadyExited, "account = %d, token = %d", accountID, tokenID)
	}
	s.exited[string(key)] = struct{}{}
	b.Put(ExitNamespace, key, []byte{1}, "failed to put exit flag of account %d", accountID)
	return nil
}
