// Copyright (c) 2024 Anchor Project
// This is an alpha (internal) release and is not suitable for production. This source code is provided 'as is' and no
// warranties are given as to title or non-infringement, merchantability or fitness for purpose and, to the extent
// permitted by law, all liability for your use of the code is disclaimed. This source code is governed by Apache
// License 2.0 that can be found in the LICENSE file.

package db

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/anchorproject/anchor-core/pkg/lifecycle"
)

var (
	// ErrBucketNotExist indicates certain bucket does not exist in db
	ErrBucketNotExist = errors.New("bucket not exist in DB")
	// ErrNotExist indicates certain item does not exist in the ledger database
	ErrNotExist = errors.New("not exist in DB")
	// ErrAlreadyExist indicates certain item already exists in the ledger database
	ErrAlreadyExist = errors.New("already exist in DB")
	// ErrIO indicates the generic error of DB I/O operation
	ErrIO = errors.New("DB I/O operation error")
)

// KVStore is the interface of KV store.
type KVStore interface {
	lifecycle.StartStopper

	// Put insert or update a record identified by (namespace, key)
	Put(string, []byte, []byte) error
	// Get gets a record by (namespace, key)
	Get(string, []byte) ([]byte, error)
	// Delete deletes a record by (namespace, key)
	Delete(string, []byte) error
	// WriteBatch commits a batch atomically
	WriteBatch(KVStoreBatch) error
	// Filter returns the pairs of (key, value) in a namespace whose key has the given prefix
	Filter(string, []byte) ([][]byte, [][]byte, error)
}

const keyDelimiter = "."

// memKVStore is the in-memory implementation of KVStore for testing purpose
type memKVStore struct {
	data   *sync.Map
	bucket *sync.Map
}

// NewMemKVStore instantiates an in-memory KV store
func NewMemKVStore() KVStore {
	return &memKVStore{
		bucket: &sync.Map{},
		data:   &sync.Map{},
	}
}

func (m *memKVStore) Start(_ context.Context) error { return nil }

func (m *memKVStore) Stop(_ context.Context) error { return nil }

// Put inserts a <key, value> record
func (m *memKVStore) Put(namespace string, key, value []byte) error {
	_, _ = m.bucket.LoadOrStore(namespace, struct{}{})
	m.data.Store(namespace+keyDelimiter+string(key), value)
	return nil
}

// Get retrieves a record
func (m *memKVStore) Get(namespace string, key []byte) ([]byte, error) {
	if _, ok := m.bucket.Load(namespace); !ok {
		return nil, errors.Wrapf(ErrBucketNotExist, "namespace = %s doesn't exist", namespace)
	}
	value, _ := m.data.Load(namespace + keyDelimiter + string(key))
	if value != nil {
		return value.([]byte), nil
	}
	return nil, errors.Wrapf(ErrNotExist, "key = %x doesn't exist", key)
}

// Delete deletes a record
func (m *memKVStore) Delete(namespace string, key []byte) error {
	m.data.Delete(namespace + keyDelimiter + string(key))
	return nil
}

// WriteBatch commits a batch
func (m *memKVStore) WriteBatch(b KVStoreBatch) error {
	b.Lock()
	defer b.ClearAndUnlock()
	for i := 0; i < b.Size(); i++ {
		write, err := b.Entry(i)
		if err != nil {
			return err
		}
		switch write.writeType {
		case Put:
			if err := m.Put(write.namespace, write.key, write.value); err != nil {
				return err
			}
		case Delete:
			if err := m.Delete(write.namespace, write.key); err != nil {
				return err
			}
		}
	}
	return nil
}

// Filter returns the pairs of (key, value) in a namespace whose key has the given prefix
func (m *memKVStore) Filter(namespace string, prefix []byte) ([][]byte, [][]byte, error) {
	if _, ok := m.bucket.Load(namespace); !ok {
		return nil, nil, errors.Wrapf(ErrBucketNotExist, "namespace = %s doesn't exist", namespace)
	}
	var keys, values [][]byte
	m.data.Range(func(k, v interface{}) bool {
		ks := k.(string)
		if !strings.HasPrefix(ks, namespace+keyDelimiter) {
			return true
		}
		key := []byte(strings.TrimPrefix(ks, namespace+keyDelimiter))
		if len(key) < len(prefix) || !strings.HasPrefix(string(key), string(prefix)) {
			return true
		}
		keys = append(keys, key)
		values = append(values, v.([]byte))
		return true
	})
	return keys, values, nil
}
