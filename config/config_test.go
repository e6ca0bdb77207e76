// Copyright (c) 2024 Anchor Project
// This is an alpha (internal) release and is not suitable for production. This source code is provided 'as is' and no
// warranties are given as to title or non-infringement, merchantability or fitness for purpose and, to the extent
// permitted by law, all liability for your use of the code is disclaimed. This source code is governed by Apache
// License 2.0 that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	r := require.New(t)
	cfg, err := New(nil)
	r.NoError(err)
	r.Equal(Default.System.ProbePort, cfg.System.ProbePort)
	r.Equal(Default.DB.DbPath, cfg.DB.DbPath)
	r.Equal(Default.Rollup.ExpirationDelta, cfg.Rollup.ExpirationDelta)
}

func TestNewConfigWithFileOverride(t *testing.T) {
	r := require.New(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	r.NoError(os.WriteFile(path, []byte(`
system:
  probePort: 9090
db:
  dbPath: /tmp/anchor-test.db
rollup:
  expirationDelta: 777
  transferTimeout: 3s
`), 0600))

	cfg, err := New([]string{path})
	r.NoError(err)
	r.Equal(9090, cfg.System.ProbePort)
	r.Equal("/tmp/anchor-test.db", cfg.DB.DbPath)
	r.Equal(uint64(777), cfg.Rollup.ExpirationDelta)
	r.Equal(3*time.Second, cfg.Rollup.TransferTimeout)
	// untouched fields keep their defaults
	r.Equal(Default.Rollup.RevertGrace, cfg.Rollup.RevertGrace)
}

func TestValidates(t *testing.T) {
	r := require.New(t)

	cfg := Default
	cfg.System.ProbePort = -1
	r.Equal(ErrInvalidCfg, errors.Cause(ValidateSystem(cfg)))

	cfg = Default
	cfg.Rollup.ExpirationDelta = 0
	r.Equal(ErrInvalidCfg, errors.Cause(ValidateRollup(cfg)))

	cfg = Default
	cfg.Rollup.TransferTimeout = 0
	r.Equal(ErrInvalidCfg, errors.Cause(ValidateRollup(cfg)))

	r.NoError(DoNotValidate(cfg))
}

func TestNewConfigRejectsInvalidFile(t *testing.T) {
	r := require.New(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	r.NoError(os.WriteFile(path, []byte(`
rollup:
  revertGrace: 0
`), 0600))

	_, err := New([]string{path})
	r.Equal(ErrInvalidCfg, errors.Cause(err))
}
