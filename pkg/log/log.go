// Copyright (c) 2024 Anchor Project
// This is an alpha (internal) release and is not suitable for production. This source code is provided 'as is' and no
// warranties are given as to title or non-infringement, merchantability or fitness for purpose and, to the extent
// permitted by law, all liability for your use of the code is disclaimed. This source code is governed by Apache
// License 2.0 that can be found in the LICENSE file.

// Package log provides a global logger for the anchor node.
package log

import (
	stdlog "log"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// GlobalConfig defines the global logger configurations.
type GlobalConfig struct {
	Zap            *zap.Config `json:"zap" yaml:"zap"`
	RedirectStdLog bool        `json:"stdLogRedirect" yaml:"stdLogRedirect"`
}

var (
	_globalCfg        GlobalConfig
	_logMu            sync.RWMutex
	_globalLogger     *zap.Logger
	_subLoggers       map[string]*zap.Logger
	_globalLoggerName = "global"
)

func init() {
	zapCfg := zap.NewDevelopmentConfig()
	zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	zapCfg.Level.SetLevel(zap.InfoLevel)
	l, err := zapCfg.Build()
	if err != nil {
		stdlog.Println("Failed to initialize the default logger:", err)
	}
	_globalLogger = l
	_subLoggers = make(map[string]*zap.Logger)
}

// L wraps the global logger.
func L() *zap.Logger {
	_logMu.RLock()
	l := _globalLogger
	_logMu.RUnlock()
	return l
}

// S wraps the global sugared logger.
func S() *zap.SugaredLogger { return L().Sugar() }

// Logger returns the logger of the given name, or the global logger if the
// name was never initialized.
func Logger(name string) *zap.Logger {
	logger, ok := _subLoggers[name]
	if !ok {
		return L()
	}
	return logger
}

// InitLoggers initializes the global logger and the named sub loggers.
func InitLoggers(globalCfg GlobalConfig, subCfgs map[string]GlobalConfig) error {
	if subCfgs == nil {
		subCfgs = make(map[string]GlobalConfig)
	}
	if _, exists := subCfgs[_globalLoggerName]; exists {
		return errors.Errorf("'%s' is a reserved name for the global logger", _globalLoggerName)
	}
	subCfgs[_globalLoggerName] = globalCfg
	for name, cfg := range subCfgs {
		if _, exists := _subLoggers[name]; exists {
			return errors.Errorf("duplicate sub logger name: %s", name)
		}
		if cfg.Zap == nil {
			zapCfg := zap.NewProductionConfig()
			cfg.Zap = &zapCfg
		} else {
			cfg.Zap.EncoderConfig = zap.NewProductionEncoderConfig()
		}
		logger, err := cfg.Zap.Build()
		if err != nil {
			return errors.Wrapf(err, "failed to build logger %s", name)
		}
		_logMu.Lock()
		if name == _globalLoggerName {
			_globalCfg = cfg
			_globalLogger = logger
			if cfg.RedirectStdLog {
				zap.RedirectStdLog(_globalLogger)
			}
		} else {
			_subLoggers[name] = logger
		}
		_logMu.Unlock()
	}
	return nil
}
