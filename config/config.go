// Copyright (c) 2024 Anchor Project
// This is an alpha (internal) release and is not suitable for production. This source code is provided 'as is' and no
// warranties are given as to title or non-infringement, merchantability or fitness for purpose and, to the extent
// permitted by law, all liability for your use of the code is disclaimed. This source code is governed by Apache
// License 2.0 that can be found in the LICENSE file.

package config

import (
	"os"

	"github.com/pkg/errors"
	uconfig "go.uber.org/config"

	"github.com/anchorproject/anchor-core/db"
	"github.com/anchorproject/anchor-core/l1"
	"github.com/anchorproject/anchor-core/pkg/log"
	"github.com/anchorproject/anchor-core/rollup"
)

// IMPORTANT: to define a config, add a field or a new config type to the existing config types. In addition, provide
// the default value in Default var.

// ErrInvalidCfg indicates the config is invalid
var ErrInvalidCfg = errors.New("invalid config")

type (
	// System is the system config
	System struct {
		// ProbePort is the port the liveness/readiness/metrics server listens on
		ProbePort int `yaml:"probePort"`
	}

	// Config is the root config stanza
	Config struct {
		System  System                      `yaml:"system"`
		DB      db.Config                   `yaml:"db"`
		L1      l1.Config                   `yaml:"l1"`
		Rollup  rollup.Config               `yaml:"rollup"`
		Log     log.GlobalConfig            `yaml:"log"`
		SubLogs map[string]log.GlobalConfig `yaml:"subLogs"`
	}

	// Validate is the interface of validating the config
	Validate func(Config) error
)

// Default is the default config
var Default = Config{
	System:  System{ProbePort: 7788},
	DB:      db.DefaultConfig,
	L1:      l1.DefaultConfig,
	Rollup:  rollup.DefaultConfig,
	SubLogs: make(map[string]log.GlobalConfig),
}

// Validates is the collection of default validations
var Validates = []Validate{
	ValidateSystem,
	ValidateL1,
	ValidateRollup,
}

// New creates a config instance. It first loads the default configs. If the config path is not empty, it will read
// from the file and override the default configs. By default, it will apply all validation functions.
func New(configPaths []string, validates ...Validate) (Config, error) {
	opts := make([]uconfig.YAMLOption, 0)
	opts = append(opts, uconfig.Static(Default))
	opts = append(opts, uconfig.Expand(os.LookupEnv))
	for _, path := range configPaths {
		if path != "" {
			opts = append(opts, uconfig.File(path))
		}
	}
	yaml, err := uconfig.NewYAML(opts...)
	if err != nil {
		return Config{}, errors.Wrap(err, "failed to init config")
	}

	var cfg Config
	if err := yaml.Get(uconfig.Root).Populate(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to unmarshal YAML config to struct")
	}

	// By default, the config needs to pass all the validation
	if len(validates) == 0 {
		validates = Validates
	}
	for _, validate := range validates {
		if err := validate(cfg); err != nil {
			return Config{}, errors.Wrap(err, "failed to validate config")
		}
	}
	return cfg, nil
}

// ValidateSystem validates the system config
func ValidateSystem(cfg Config) error {
	if cfg.System.ProbePort < 0 || cfg.System.ProbePort > 65535 {
		return errors.Wrapf(ErrInvalidCfg, "probe port %d is out of range", cfg.System.ProbePort)
	}
	return nil
}

// ValidateL1 validates the L1 connection config
func ValidateL1(cfg Config) error {
	if cfg.L1.Endpoint == "" {
		return errors.Wrap(ErrInvalidCfg, "l1 endpoint cannot be empty")
	}
	if cfg.L1.PollInterval <= 0 {
		return errors.Wrap(ErrInvalidCfg, "l1 poll interval must be positive")
	}
	return nil
}

// ValidateRollup validates the rollup config
func ValidateRollup(cfg Config) error {
	if cfg.Rollup.ExpirationDelta == 0 {
		return errors.Wrap(ErrInvalidCfg, "priority request expiration delta cannot be zero")
	}
	if cfg.Rollup.RevertGrace == 0 {
		return errors.Wrap(ErrInvalidCfg, "revert grace period cannot be zero")
	}
	if cfg.Rollup.MaxTimestampAhead <= 0 {
		return errors.Wrap(ErrInvalidCfg, "max timestamp ahead must be positive")
	}
	if cfg.Rollup.MaxTimestampBehind <= 0 {
		return errors.Wrap(ErrInvalidCfg, "max timestamp behind must be positive")
	}
	if cfg.Rollup.TransferTimeout <= 0 {
		return errors.Wrap(ErrInvalidCfg, "transfer timeout must be positive")
	}
	if cfg.Rollup.DrainInterval <= 0 {
		return errors.Wrap(ErrInvalidCfg, "drain interval must be positive")
	}
	return nil
}

// DoNotValidate validates nothing
func DoNotValidate(Config) error { return nil }
