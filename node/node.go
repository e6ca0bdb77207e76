// Copyright (c) 2024 Anchor Project
// This is an alpha (internal) release and is not suitable for production. This source code is provided 'as is' and no
// warranties are given as to title or non-infringement, merchantability or fitness for purpose and, to the extent
// permitted by law, all liability for your use of the code is disclaimed. This source code is governed by Apache
// License 2.0 that can be found in the LICENSE file.

// Package node assembles the settlement node: the database, the L1
// collaborators, the ledger and the probe server, wired into one lifecycle.
package node

import (
	"context"

	"go.uber.org/zap"

	"github.com/anchorproject/anchor-core/config"
	"github.com/anchorproject/anchor-core/db"
	"github.com/anchorproject/anchor-core/l1"
	"github.com/anchorproject/anchor-core/pkg/lifecycle"
	"github.com/anchorproject/anchor-core/pkg/log"
	"github.com/anchorproject/anchor-core/pkg/probe"
	"github.com/anchorproject/anchor-core/pkg/routine"
	"github.com/anchorproject/anchor-core/rollup"
	"github.com/anchorproject/anchor-core/rollup/pendingstore"
)

type (
	// Server is one settlement node.
	Server struct {
		lifecycle.Readiness
		cfg      config.Config
		kv       db.KVStore
		chain    rollup.ChainHead
		verifier rollup.ProofVerifier
		transfer pendingstore.AssetTransfer
		access   rollup.AccessControl
		ledger   *rollup.Ledger
		probe    *probe.Server
		lc       lifecycle.Lifecycle
	}

	// Option overrides one of the server's collaborators, mainly for tests
	// and embedders.
	Option func(*Server)
)

// WithKVStore overrides the backing store.
func WithKVStore(kv db.KVStore) Option {
	return func(s *Server) { s.kv = kv }
}

// WithChainHead overrides the base-chain height source.
func WithChainHead(chain rollup.ChainHead) Option {
	return func(s *Server) { s.chain = chain }
}

// WithVerifier overrides the proof verifier.
func WithVerifier(verifier rollup.ProofVerifier) Option {
	return func(s *Server) { s.verifier = verifier }
}

// WithTransfer overrides the asset bridge.
func WithTransfer(transfer pendingstore.AssetTransfer) Option {
	return func(s *Server) { s.transfer = transfer }
}

// WithAccessControl overrides the producer allowlist.
func WithAccessControl(access rollup.AccessControl) Option {
	return func(s *Server) { s.access = access }
}

// New assembles a settlement node from the config. Collaborators not
// overridden by options are built from the config's L1 stanza, with the
// development verifier and bridge standing in for the yet unattached proving
// and bridging systems.
func New(cfg config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}

	if s.kv == nil {
		s.kv = db.NewBoltDB(cfg.DB)
	}
	s.lc.Add(s.kv)

	if s.chain == nil {
		source, err := l1.Dial(context.Background(), cfg.L1.Endpoint)
		if err != nil {
			return nil, err
		}
		tracker := l1.NewChainTracker(source, cfg.L1.PollInterval)
		s.chain = tracker
		s.lc.Add(tracker)
	}
	if s.access == nil {
		access, err := l1.NewAllowList(cfg.L1.Producers...)
		if err != nil {
			return nil, err
		}
		if len(cfg.L1.Producers) == 0 {
			log.L().Warn("No block producers configured, every commit will be refused.")
		}
		s.access = access
	}
	if s.verifier == nil {
		s.verifier = l1.NewDevVerifier()
	}
	if s.transfer == nil {
		s.transfer = l1.NewDevTransfer()
	}

	s.ledger = rollup.NewLedger(cfg.Rollup, s.kv, s.chain, s.verifier, s.transfer, s.access)
	s.lc.Add(s.ledger)
	s.lc.Add(routine.NewRecurringTask(s.drainPayouts, cfg.Rollup.DrainInterval))
	s.probe = probe.New(cfg.System.ProbePort)
	s.lc.Add(s.probe)
	return s, nil
}

// Ledger exposes the settlement ledger.
func (s *Server) Ledger() *rollup.Ledger { return s.ledger }

// Start starts all the node's modules in order.
func (s *Server) Start(ctx context.Context) error {
	if err := s.lc.OnStart(ctx); err != nil {
		return err
	}
	if err := s.TurnOn(); err != nil {
		return err
	}
	s.probe.Ready()
	log.L().Info("Settlement node started.",
		zap.Uint64("totalCommitted", s.ledger.TotalCommitted()),
		zap.Uint64("totalExecuted", s.ledger.TotalExecuted()),
		zap.Int("probePort", s.cfg.System.ProbePort))
	return nil
}

// Stop stops the node's modules in reverse order.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.TurnOff(); err != nil {
		return err
	}
	s.probe.NotReady()
	return s.lc.OnStop(ctx)
}

func (s *Server) drainPayouts() {
	if !s.IsReady() || s.ledger.QueuedWithdrawals() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Rollup.DrainInterval)
	defer cancel()
	paid, err := s.ledger.DrainWithdrawals(ctx, s.cfg.Rollup.DrainBatch)
	if err != nil {
		log.L().Error("Payout drain round failed.", zap.Error(err))
		return
	}
	if paid > 0 {
		log.L().Info("Payout drain round finished.", zap.Uint64("paid", paid))
	}
}
