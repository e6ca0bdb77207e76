// Copyright (c) 2024 Anchor Project
// This is an alpha (internal) release and is not suitable for production. This source code is provided 'as is' and no
// warranties are given as to title or non-infringement, merchantability or fitness for purpose and, to the extent
// permitted by law, all liability for your use of the code is disclaimed. This source code is governed by Apache
// License 2.0 that can be found in the LICENSE file.

// Package l1 provides the base-chain collaborators the settlement ledger
// depends on: the chain height tracker, the block producer allowlist and the
// development stand-ins for the proof verifier and the asset bridge.
package l1

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/anchorproject/anchor-core/pkg/log"
	"github.com/anchorproject/anchor-core/pkg/routine"
)

// HeightSource reports the current base-chain block number.
type HeightSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Dial connects to the base chain's JSON-RPC endpoint.
func Dial(ctx context.Context, endpoint string) (HeightSource, error) {
	client, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", endpoint)
	}
	return client, nil
}

// ChainTracker keeps a cached base-chain height, refreshed on a fixed
// interval. The height only moves forward; a source hiccup keeps the last
// observed value.
type ChainTracker struct {
	source   HeightSource
	interval time.Duration
	height   uint64
	task     *routine.RecurringTask
}

// NewChainTracker creates a tracker over the given height source.
func NewChainTracker(source HeightSource, interval time.Duration) *ChainTracker {
	t := &ChainTracker{
		source:   source,
		interval: interval,
	}
	t.task = routine.NewRecurringTask(t.refresh, interval)
	return t
}

// Start fetches the initial height and begins polling.
func (t *ChainTracker) Start(ctx context.Context) error {
	height, err := t.source.BlockNumber(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to fetch initial chain height")
	}
	atomic.StoreUint64(&t.height, height)
	return t.task.Start(ctx)
}

// Stop stops polling.
func (t *ChainTracker) Stop(ctx context.Context) error { return t.task.Stop(ctx) }

// Height returns the last observed base-chain height.
func (t *ChainTracker) Height() uint64 { return atomic.LoadUint64(&t.height) }

func (t *ChainTracker) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), t.interval)
	defer cancel()
	height, err := t.source.BlockNumber(ctx)
	if err != nil {
		log.Logger("l1").Warn("Failed to refresh chain height.", zap.Error(err))
		return
	}
	if height > atomic.LoadUint64(&t.height) {
		atomic.StoreUint64(&t.height, height)
	}
}
