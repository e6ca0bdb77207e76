// Copyright (c) 2024 Anchor Project
// This is an alpha (internal) release and is not suitable for production. This source code is provided 'as is' and no
// warranties are given as to title or non-infringement, merchantability or fitness for purpose and, to the extent
// permitted by law, all liability for your use of the code is disclaimed. This source code is governed by Apache
// License 2.0 that can be found in the LICENSE file.

package l1

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/anchorproject/anchor-core/pkg/hash"
	"github.com/anchorproject/anchor-core/pkg/log"
)

// DevVerifier accepts every non-empty proof. It exists so a node can run
// against a local devnet before a proving system is attached; it must never
// guard real funds.
type DevVerifier struct{}

// NewDevVerifier creates the development verifier.
func NewDevVerifier() *DevVerifier {
	log.Logger("l1").Warn("Using the development proof verifier, proofs are NOT checked.")
	return &DevVerifier{}
}

// Verify implements the verifier contract.
func (*DevVerifier) Verify(_ hash.Hash256, proof []byte) bool { return len(proof) > 0 }

// DevTransfer records payouts in the log instead of moving assets. Like the
// development verifier it is a stand-in for the asset bridge on devnets.
type DevTransfer struct{}

// NewDevTransfer creates the development asset bridge.
func NewDevTransfer() *DevTransfer {
	log.Logger("l1").Warn("Using the development asset bridge, payouts are NOT settled.")
	return &DevTransfer{}
}

// Transfer implements the asset bridge contract.
func (*DevTransfer) Transfer(_ context.Context, tokenID uint16, to common.Address, amount *big.Int) error {
	log.Logger("l1").Info("Payout settled on the development bridge.",
		zap.Uint16("token", tokenID),
		zap.String("to", to.Hex()),
		zap.String("amount", amount.String()))
	return nil
}
