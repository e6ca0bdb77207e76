// Copyright (c) 2024 Anchor Project
// This is an alpha (internal) release and is not suitable for production. This source code is provided 'as is' and no
// warranties are given as to title or non-infringement, merchantability or fitness for purpose and, to the extent
// permitted by law, all liability for your use of the code is disclaimed. This source code is governed by Apache
// License 2.0 that can be found in the LICENSE file.

package rollup

import "time"

// Config is the config for the ledger
type Config struct {
	// ExpirationDelta is the number of base-chain blocks a priority request
	// stays valid for. Deliberately generous: days, not minutes.
	ExpirationDelta uint64 `yaml:"expirationDelta"`
	// RevertGrace is the number of base-chain blocks a committed block may
	// stay unproven before it becomes revertable
	RevertGrace uint64 `yaml:"revertGrace"`
	// MaxTimestampAhead bounds how far in the future a committed block's
	// declared timestamp may lie
	MaxTimestampAhead time.Duration `yaml:"maxTimestampAhead"`
	// MaxTimestampBehind bounds how stale a committed block's declared
	// timestamp may be
	MaxTimestampBehind time.Duration `yaml:"maxTimestampBehind"`
	// TransferTimeout bounds each individual external payout attempt
	TransferTimeout time.Duration `yaml:"transferTimeout"`
	// DrainInterval is how often the node retries queued payouts
	DrainInterval time.Duration `yaml:"drainInterval"`
	// DrainBatch is the max number of payouts attempted per drain round
	DrainBatch uint64 `yaml:"drainBatch"`
}

// DefaultConfig is the default config
var DefaultConfig = Config{
	ExpirationDelta:    50000,
	RevertGrace:        5000,
	MaxTimestampAhead:  15 * time.Minute,
	MaxTimestampBehind: 24 * time.Hour,
	TransferTimeout:    10 * time.Second,
	DrainInterval:      30 * time.Second,
	DrainBatch:         64,
}
