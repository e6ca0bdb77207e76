// Copyright (c) 2024 Anchor Project
// This is an alpha (internal) release and is not suitable for production. This source code is provided 'as is' and no
// warranties are given as to title or non-infringement, merchantability or fitness for purpose and, to the extent
// permitted by law, all liability for your use of the code is disclaimed. This source code is governed by Apache
// License 2.0 that can be found in the LICENSE file.

package db

// Config is the config for database
type Config struct {
	// DbPath is the path of the database file
	DbPath string `yaml:"dbPath"`
	// NumRetries is the number of retries of a single db write
	NumRetries uint8 `yaml:"numRetries"`
}

// DefaultConfig returns the default config
var DefaultConfig = Config{
	DbPath:     "/var/data/anchor.db",
	NumRetries: 3,
}
