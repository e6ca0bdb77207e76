// Copyright (c) 2024 Anchor Project
// This is an alpha (internal) release and is not suitable for production. This source code is provided 'as is' and no
// warranties are given as to title or non-infringement, merchantability or fitness for purpose and, to the extent
// permitted by law, all liability for your use of the code is disclaimed. This source code is governed by Apache
// License 2.0 that can be found in the LICENSE file.

// Usage:
//   anchor run -c config.yaml
//   anchor info -c config.yaml
//   anchor config -c config.yaml

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/anchorproject/anchor-core/config"
	"github.com/anchorproject/anchor-core/db"
	"github.com/anchorproject/anchor-core/node"
	"github.com/anchorproject/anchor-core/pkg/log"
	"github.com/anchorproject/anchor-core/rollup"
)

const _stopTimeout = 30 * time.Second

var _configPaths []string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "anchor",
		Short:        "Anchor rollup settlement node",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringSliceVarP(&_configPaths, "config", "c", nil,
		"config file paths, later files override earlier ones")
	cmd.AddCommand(runCmd())
	cmd.AddCommand(infoCmd())
	cmd.AddCommand(configCmd())
	return cmd
}

func loadConfig() (config.Config, error) {
	cfg, err := config.New(_configPaths)
	if err != nil {
		return config.Config{}, err
	}
	if err := log.InitLoggers(cfg.Log, cfg.SubLogs); err != nil {
		return config.Config{}, errors.Wrap(err, "failed to init loggers")
	}
	return cfg, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the settlement node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svr, err := node.New(cfg)
			if err != nil {
				return err
			}
			if err := svr.Start(cmd.Context()); err != nil {
				return err
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			s := <-sig
			log.L().Info("Shutting down.", zap.String("signal", s.String()))

			ctx, cancel := context.WithTimeout(context.Background(), _stopTimeout)
			defer cancel()
			return svr.Stop(ctx)
		},
	}
}

// zeroChain stands in for the base chain while inspecting a database
// offline; read queries never consult it.
type zeroChain struct{}

func (zeroChain) Height() uint64 { return 0 }

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print the ledger state from the database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.New(_configPaths)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			kv := db.NewBoltDB(cfg.DB)
			if err := kv.Start(ctx); err != nil {
				return err
			}
			defer func() {
				if err := kv.Stop(ctx); err != nil {
					log.L().Error("Failed to close the database.", zap.Error(err))
				}
			}()

			ledger := rollup.NewLedger(cfg.Rollup, kv, zeroChain{}, nil, nil, nil)
			if err := ledger.Start(ctx); err != nil {
				return err
			}
			defer func() {
				if err := ledger.Stop(ctx); err != nil {
					log.L().Error("Failed to stop the ledger.", zap.Error(err))
				}
			}()

			cmd.Printf("committed:          %d\n", ledger.TotalCommitted())
			cmd.Printf("verified:           %d\n", ledger.TotalVerified())
			cmd.Printf("executed:           %d\n", ledger.TotalExecuted())
			cmd.Printf("executed root:      %s\n", ledger.LastExecutedRoot())
			cmd.Printf("open requests:      %d\n", ledger.OpenPriorityRequests())
			cmd.Printf("queued withdrawals: %d\n", ledger.QueuedWithdrawals())
			cmd.Printf("exodus:             %v\n", ledger.ExodusActive())
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.New(_configPaths)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return errors.Wrap(err, "failed to marshal config")
			}
			cmd.Print(string(out))
			return nil
		},
	}
}
