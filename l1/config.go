// Copyright (c) 2024 Anchor Project
// This is an alpha (internal) release and is not suitable for production. This source code is provided 'as is' and no
// warranties are given as to title or non-infringement, merchantability or fitness for purpose and, to the extent
// permitted by law, all liability for your use of the code is disclaimed. This source code is governed by Apache
// License 2.0 that can be found in the LICENSE file.

package l1

import "time"

// Config is the config for the L1 connection
type Config struct {
	// Endpoint is the JSON-RPC endpoint of the base chain
	Endpoint string `yaml:"endpoint"`
	// PollInterval is how often the base-chain height is refreshed
	PollInterval time.Duration `yaml:"pollInterval"`
	// Producers is the allowlist of block producer addresses
	Producers []string `yaml:"producers"`
}

// DefaultConfig is the default config
var DefaultConfig = Config{
	Endpoint:     "http://localhost:8545",
	PollInterval: 5 * time.Second,
	Producers:    []string{},
}
