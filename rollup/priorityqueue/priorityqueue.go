// Copyright (c) 2024 Anchor Project
// This is an alpha (internal) release and is not suitable for production. This source code is provided 'as is' and no
// warranties are given as to title or non-infringement, merchantability or fitness for purpose and, to the extent
// permitted by law, all liability for your use of the code is disclaimed. This source code is governed by Apache
// License 2.0 that can be found in the LICENSE file.

// Package priorityqueue implements the append-only FIFO log of L1-initiated
// requests (deposits, full exits) that must be acknowledged by a committed
// block before they expire.
//
// The queue is a ring buffer over an id-keyed map: ids are allocated strictly
// in increasing order and never reused, the live window is delimited by
// firstOpenID and nextID, and dead entries are deleted individually with no
// compaction. A second cursor, committed, counts the open requests that have
// been consumed by committed-but-unexecuted blocks; it moves back on revert
// and rolls into firstOpenID on execute.
//
// The queue is not safe for concurrent use; the owning ledger serializes all
// access.
package priorityqueue

import (
	"bytes"
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/anchorproject/anchor-core/db"
	"github.com/anchorproject/anchor-core/pkg/log"
	"github.com/anchorproject/anchor-core/pkg/util/byteutil"
	"github.com/anchorproject/anchor-core/rollup/operation"
)

// Namespace is the KVStore namespace holding the queue's state
const Namespace = "priorityQueue"

var (
	_firstOpenIDKey = []byte("firstOpenID")
	_nextIDKey      = []byte("nextID")
	_committedKey   = []byte("committed")

	// ErrNoOpenRequest indicates there is no open request left to match
	ErrNoOpenRequest = errors.New("no open priority request to match")
	// ErrPriorityMismatch indicates a block operation does not match the next
	// open priority request. This is the loud cross-check failure a
	// misbehaving block producer triggers.
	ErrPriorityMismatch = errors.New("operation does not match priority request")
	// ErrCorruptedEntry indicates a stored queue entry failed to decode
	ErrCorruptedEntry = errors.New("corrupted priority request entry")
)

type (
	// Request is one L1-initiated operation awaiting acknowledgement.
	Request struct {
		OpType     operation.OpType
		Data       []byte
		Expiration uint64
	}

	// Refund is the deposited value returned to its owner when an expired
	// deposit request is cancelled.
	Refund struct {
		Owner   common.Address
		TokenID uint16
		Amount  *big.Int
	}

	// Queue is the priority request queue.
	Queue struct {
		kv              db.KVStore
		expirationDelta uint64
		firstOpenID     uint64
		nextID          uint64
		committed       uint64
		reqs            map[uint64]*Request
	}

	// Snapshot is a captured copy of the queue's in-memory window. The owning
	// ledger takes one before staging cursor moves and restores it with
	// Revert when the write batch fails to commit, so the in-memory window
	// never runs ahead of the persisted one.
	Snapshot struct {
		firstOpenID uint64
		nextID      uint64
		committed   uint64
		reqs        map[uint64]*Request
	}
)

// New creates a priority request queue backed by the given KVStore.
func New(kv db.KVStore, expirationDelta uint64) *Queue {
	return &Queue{
		kv:              kv,
		expirationDelta: expirationDelta,
		reqs:            make(map[uint64]*Request),
	}
}

// Start loads the queue window and all open entries from the KVStore.
func (q *Queue) Start(_ context.Context) error {
	var err error
	if q.firstOpenID, err = q.loadCounter(_firstOpenIDKey); err != nil {
		return err
	}
	if q.nextID, err = q.loadCounter(_nextIDKey); err != nil {
		return err
	}
	if q.committed, err = q.loadCounter(_committedKey); err != nil {
		return err
	}
	for id := q.firstOpenID; id < q.nextID; id++ {
		v, err := q.kv.Get(Namespace, byteutil.Uint64ToBytesBigEndian(id))
		if err != nil {
			return errors.Wrapf(err, "failed to load priority request %d", id)
		}
		req, err := decodeRequest(v)
		if err != nil {
			return errors.Wrapf(err, "failed to decode priority request %d", id)
		}
		q.reqs[id] = req
	}
	log.L().Info("Priority request queue loaded.",
		zap.Uint64("firstOpenID", q.firstOpenID),
		zap.Uint64("open", q.OpenCount()),
		zap.Uint64("committed", q.committed))
	return nil
}

// Stop implements lifecycle.StartStopper.
func (q *Queue) Stop(_ context.Context) error { return nil }

func (q *Queue) loadCounter(key []byte) (uint64, error) {
	v, err := q.kv.Get(Namespace, key)
	switch errors.Cause(err) {
	case nil:
		return byteutil.BytesToUint64BigEndian(v), nil
	case db.ErrNotExist, db.ErrBucketNotExist:
		return 0, nil
	default:
		return 0, err
	}
}

// OpenCount returns the number of open (unexecuted, uncancelled) requests.
func (q *Queue) OpenCount() uint64 { return q.nextID - q.firstOpenID }

// CommittedCount returns the number of open requests consumed by
// committed-but-unexecuted blocks.
func (q *Queue) CommittedCount() uint64 { return q.committed }

// FirstOpenID returns the id of the oldest open request.
func (q *Queue) FirstOpenID() uint64 { return q.firstOpenID }

// NextID returns the id the next enqueued request will be assigned.
func (q *Queue) NextID() uint64 { return q.nextID }

// Request returns the open request with the given id, or nil.
func (q *Queue) Request(id uint64) *Request {
	req, ok := q.reqs[id]
	if !ok {
		return nil
	}
	cp := *req
	return &cp
}

// Snapshot captures the in-memory window. Entries are never mutated in
// place, so a shallow copy of the map suffices.
func (q *Queue) Snapshot() Snapshot {
	reqs := make(map[uint64]*Request, len(q.reqs))
	for id, req := range q.reqs {
		reqs[id] = req
	}
	return Snapshot{
		firstOpenID: q.firstOpenID,
		nextID:      q.nextID,
		committed:   q.committed,
		reqs:        reqs,
	}
}

// Revert restores the window captured by Snapshot.
func (q *Queue) Revert(s Snapshot) {
	q.firstOpenID = s.firstOpenID
	q.nextID = s.nextID
	q.committed = s.committed
	q.reqs = s.reqs
}

// Enqueue appends a request expiring expirationDelta base-chain blocks from
// now and stages it into the batch. Ids are allocated strictly in increasing
// order and never reused.
func (q *Queue) Enqueue(b db.KVStoreBatch, opType operation.OpType, data []byte, currentHeight uint64) uint64 {
	id := q.nextID
	req := &Request{
		OpType:     opType,
		Data:       data,
		Expiration: currentHeight + q.expirationDelta,
	}
	q.reqs[id] = req
	q.nextID++
	b.Put(Namespace, byteutil.Uint64ToBytesBigEndian(id), encodeRequest(req), "failed to put priority request %d", id)
	b.Put(Namespace, _nextIDKey, byteutil.Uint64ToBytesBigEndian(q.nextID), "failed to put next id")
	return id
}

// PeekMatch checks, without mutating the queue, that the open request at the
// given offset past the committed cursor has the expected type and
// priority-comparable payload. Offsets must be consumed in increasing order
// within one commit so that requests are matched in strict FIFO order.
func (q *Queue) PeekMatch(offset uint64, opType operation.OpType, data []byte) (uint64, error) {
	id := q.firstOpenID + q.committed + offset
	if id >= q.nextID {
		return 0, errors.Wrapf(ErrNoOpenRequest, "id = %d, next = %d", id, q.nextID)
	}
	req := q.reqs[id]
	if req == nil {
		return 0, errors.Wrapf(ErrCorruptedEntry, "id = %d missing", id)
	}
	if req.OpType != opType {
		return 0, errors.Wrapf(ErrPriorityMismatch, "request %d is %#x, operation is %#x", id, uint8(req.OpType), uint8(opType))
	}
	if !bytes.Equal(req.Data, data) {
		return 0, errors.Wrapf(ErrPriorityMismatch, "request %d payload differs", id)
	}
	return id, nil
}

// ConsumeCommitted moves the committed cursor forward by n after a block
// containing n priority operations was committed.
func (q *Queue) ConsumeCommitted(b db.KVStoreBatch, n uint64) {
	q.committed += n
	b.Put(Namespace, _committedKey, byteutil.Uint64ToBytesBigEndian(q.committed), "failed to put committed cursor")
}

// Uncommit moves the committed cursor back by n when a committed block is
// reverted; its requests return to the open window.
func (q *Queue) Uncommit(b db.KVStoreBatch, n uint64) error {
	if n > q.committed {
		return errors.Errorf("cannot uncommit %d of %d committed requests", n, q.committed)
	}
	q.committed -= n
	b.Put(Namespace, _committedKey, byteutil.Uint64ToBytesBigEndian(q.committed), "failed to put committed cursor")
	return nil
}

// AdvanceOpen consumes the n oldest open requests after the block that
// matched them was executed: the entries are deleted, the open window and the
// committed cursor both roll forward.
func (q *Queue) AdvanceOpen(b db.KVStoreBatch, n uint64) error {
	if n > q.committed || n > q.OpenCount() {
		return errors.Errorf("cannot advance %d requests (committed = %d, open = %d)", n, q.committed, q.OpenCount())
	}
	for i := uint64(0); i < n; i++ {
		id := q.firstOpenID + i
		delete(q.reqs, id)
		b.Delete(Namespace, byteutil.Uint64ToBytesBigEndian(id), "failed to delete priority request %d", id)
	}
	q.firstOpenID += n
	q.committed -= n
	b.Put(Namespace, _firstOpenIDKey, byteutil.Uint64ToBytesBigEndian(q.firstOpenID), "failed to put first open id")
	b.Put(Namespace, _committedKey, byteutil.Uint64ToBytesBigEndian(q.committed), "failed to put committed cursor")
	return nil
}

// CheckExpiry returns true iff the oldest open request's expiration height
// has passed. An empty queue cannot starve.
func (q *Queue) CheckExpiry(currentHeight uint64) bool {
	if q.OpenCount() == 0 {
		return false
	}
	req := q.reqs[q.firstOpenID]
	if req == nil {
		return false
	}
	return currentHeight >= req.Expiration
}

// DrainExpired walks up to n oldest open requests and removes them. For every
// Deposit entry a refund of the escrowed value to its owner is returned;
// FullExit entries escrowed nothing and are simply discarded. Callable only
// under exodus, which the owning ledger gates.
func (q *Queue) DrainExpired(b db.KVStoreBatch, n uint64) ([]Refund, error) {
	if open := q.OpenCount(); n > open {
		n = open
	}
	var refunds []Refund
	for i := uint64(0); i < n; i++ {
		id := q.firstOpenID + i
		req := q.reqs[id]
		if req == nil {
			return nil, errors.Wrapf(ErrCorruptedEntry, "id = %d missing", id)
		}
		if req.OpType == operation.Deposit {
			op, _, err := operation.DecodeOp(req.Data, 0)
			if err != nil {
				return nil, errors.Wrapf(ErrCorruptedEntry, "id = %d: %v", id, err)
			}
			dep, ok := op.(operation.DepositOp)
			if !ok {
				return nil, errors.Wrapf(ErrCorruptedEntry, "id = %d is not a deposit", id)
			}
			refunds = append(refunds, Refund{Owner: dep.Owner, TokenID: dep.TokenID, Amount: dep.Amount})
		}
		delete(q.reqs, id)
		b.Delete(Namespace, byteutil.Uint64ToBytesBigEndian(id), "failed to delete priority request %d", id)
	}
	q.firstOpenID += n
	if q.committed > q.OpenCount() {
		q.committed = q.OpenCount()
	}
	b.Put(Namespace, _firstOpenIDKey, byteutil.Uint64ToBytesBigEndian(q.firstOpenID), "failed to put first open id")
	b.Put(Namespace, _committedKey, byteutil.Uint64ToBytesBigEndian(q.committed), "failed to put committed cursor")
	return refunds, nil
}

func encodeRequest(req *Request) []byte {
	buf := make([]byte, 0, 9+len(req.Data))
	buf = append(buf, byte(req.OpType))
	buf = append(buf, byteutil.Uint64ToBytesBigEndian(req.Expiration)...)
	buf = append(buf, req.Data...)
	return buf
}

func decodeRequest(v []byte) (*Request, error) {
	if len(v) < 9 {
		return nil, errors.Wrap(ErrCorruptedEntry, "entry too short")
	}
	data := make([]byte, len(v)-9)
	copy(data, v[9:])
	return &Request{
		OpType:     operation.OpType(v[0]),
		Data:       data,
		Expiration: byteutil.BytesToUint64BigEndian(v[1:9]),
	}, nil
}
