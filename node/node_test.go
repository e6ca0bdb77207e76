// Copyright (c) 2024 Anchor Project
// This is an alpha (internal) release and is not suitable for production. This source code is provided 'as is' and no
// warranties are given as to title or non-infringement, merchantability or fitness for purpose and, to the extent
// permitted by law, all liability for your use of the code is disclaimed. This source code is governed by Apache
// License 2.0 that can be found in the LICENSE file.

package node

import (
	"context"
	"math/big"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/anchorproject/anchor-core/config"
	"github.com/anchorproject/anchor-core/db"
	"github.com/anchorproject/anchor-core/testutil"
)

type fakeChain struct{ height uint64 }

func (c *fakeChain) Height() uint64 { return atomic.LoadUint64(&c.height) }

func TestServerLifecycle(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	cfg := config.Default
	cfg.System.ProbePort = 18788
	cfg.Rollup.DrainInterval = 20 * time.Millisecond
	svr, err := New(cfg,
		WithKVStore(db.NewMemKVStore()),
		WithChainHead(&fakeChain{height: 1000}),
	)
	r.NoError(err)

	r.NoError(svr.Start(ctx))
	defer func() { r.NoError(svr.Stop(ctx)) }()

	r.NoError(testutil.WaitUntil(20*time.Millisecond, 2*time.Second, func() (bool, error) {
		resp, err := http.Get("http://localhost:18788/readiness")
		if err != nil {
			return false, nil
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK, nil
	}))

	// the assembled ledger is live and accepts priority requests
	id, err := svr.Ledger().EnqueueDeposit(1, big.NewInt(100), common.HexToAddress("0x3144d9885e57e6931cf270d0cf620f1a31cc41fd"))
	r.NoError(err)
	r.Zero(id)
	r.Equal(uint64(1), svr.Ledger().OpenPriorityRequests())
}

func TestNewRejectsBadProducer(t *testing.T) {
	r := require.New(t)
	cfg := config.Default
	cfg.L1.Producers = []string{"bogus"}
	_, err := New(cfg,
		WithKVStore(db.NewMemKVStore()),
		WithChainHead(&fakeChain{}),
	)
	r.Error(err)
}
