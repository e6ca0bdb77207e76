// Copyright (c) 2024 Anchor Project
// This is an alpha (internal) release and is not suitable for production. This source code is provided 'as is' and no
// warranties are given as to title or non-infringement, merchantability or fitness for purpose and, to the extent
// permitted by law, all liability for your use of the code is disclaimed. This source code is governed by Apache
// License 2.0 that can be found in the LICENSE file.

package db

import (
	"sync"

	"github.com/pkg/errors"
)

type (
	// KVStoreBatch defines a batch buffer interface that stages Put/Delete entries in sequential order.
	// To use it, first start a new batch
	// b := NewBatch()
	// and keep batching Put/Delete operations into it
	// b.Put(bucket, k, v, "")
	// b.Delete(bucket, k, "")
	// once it's done, call KVStore interface's WriteBatch() to persist to the underlying DB
	// KVStore.WriteBatch(b)
	// if the commit succeeds, the batch is cleared, otherwise the batch is kept
	// intact (so the batch user can figure out what's wrong and attempt re-commit later)
	KVStoreBatch interface {
		// Lock locks the batch
		Lock()
		// Unlock unlocks the batch
		Unlock()
		// ClearAndUnlock clears the write queue and unlocks the batch
		ClearAndUnlock()
		// Put insert or update a record identified by (namespace, key)
		Put(string, []byte, []byte, string, ...interface{})
		// Delete deletes a record by (namespace, key)
		Delete(string, []byte, string, ...interface{})
		// Size returns the size of the batch
		Size() int
		// Entry returns the entry at the index
		Entry(int) (*writeInfo, error)
		// Clear clears entries staged in the batch
		Clear()
	}

	// writeInfo stores a Put/Delete operation
	writeInfo struct {
		writeType   int32
		namespace   string
		key         []byte
		value       []byte
		errorFormat string
		errorArgs   interface{}
	}

	baseKVStoreBatch struct {
		mutex      sync.RWMutex
		writeQueue []writeInfo
	}
)

const (
	// Put indicates the type of write operation to be Put
	Put int32 = iota
	// Delete indicates the type of write operation to be Delete
	Delete
)

// NewBatch returns a batch
func NewBatch() KVStoreBatch {
	return &baseKVStoreBatch{}
}

func (b *baseKVStoreBatch) Lock() {
	b.mutex.Lock()
}

func (b *baseKVStoreBatch) Unlock() {
	b.mutex.Unlock()
}

func (b *baseKVStoreBatch) ClearAndUnlock() {
	defer b.mutex.Unlock()
	b.writeQueue = nil
}

// Put inserts a <key, value> record
func (b *baseKVStoreBatch) Put(namespace string, key, value []byte, errorFormat string, errorArgs ...interface{}) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.batch(Put, namespace, key, value, errorFormat, errorArgs)
}

// Delete deletes a record
func (b *baseKVStoreBatch) Delete(namespace string, key []byte, errorFormat string, errorArgs ...interface{}) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.batch(Delete, namespace, key, nil, errorFormat, errorArgs)
}

// Size returns the size of batch. The caller is expected to hold the batch
// lock, the commit loops in WriteBatch call this after Lock().
func (b *baseKVStoreBatch) Size() int {
	return len(b.writeQueue)
}

// Entry returns the entry at the index, under the caller-held lock
func (b *baseKVStoreBatch) Entry(index int) (*writeInfo, error) {
	if index < 0 || index >= len(b.writeQueue) {
		return nil, errors.Wrap(ErrIO, "index out of range")
	}
	return &b.writeQueue[index], nil
}

func (b *baseKVStoreBatch) Clear() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.writeQueue = nil
}

// batch puts a new write in the batch
func (b *baseKVStoreBatch) batch(op int32, namespace string, key, value []byte, errorFormat string, errorArgs interface{}) {
	b.writeQueue = append(
		b.writeQueue,
		writeInfo{
			writeType:   op,
			namespace:   namespace,
			key:         key,
			value:       value,
			errorFormat: errorFormat,
			errorArgs:   errorArgs,
		})
}
