// Copyright (c) 2024 Anchor Project
// This is an alpha (internal) release and is not suitable for production. This source code is provided 'as is' and no
// warranties are given as to title or non-infringement, merchantability or fitness for purpose and, to the extent
// permitted by law, all liability for your use of the code is disclaimed. This source code is governed by Apache
// License 2.0 that can be found in the LICENSE file.

package rollup

import (
	"crypto/sha256"

	"github.com/anchorproject/anchor-core/pkg/hash"
	"github.com/anchorproject/anchor-core/pkg/util/byteutil"
	"github.com/anchorproject/anchor-core/rollup/operation"
)

type (
	// BlockHeader describes one committed L2 block. Only its hash is kept in
	// permanent storage; callers re-supply the full header on every later
	// transition and the ledger validates it by re-hashing, which makes the
	// chain self-verifying and lets callers chain multiple transitions
	// without re-reading state.
	BlockHeader struct {
		Height             uint64
		PriorityOpsCount   uint32
		ProcessedOpsDigest hash.Hash256
		Timestamp          uint64
		NewStateRoot       hash.Hash256
		CommitmentHash     hash.Hash256
	}

	// BlockDescriptor is the producer-supplied input to Commit. The ledger
	// derives the resulting BlockHeader from it.
	BlockDescriptor struct {
		Height       uint64
		Timestamp    uint64
		NewStateRoot hash.Hash256
		Payload      []byte
	}
)

// Hash returns the keccak hash of the header's fixed-width encoding.
func (h BlockHeader) Hash() hash.Hash256 {
	buf := make([]byte, 0, 8+4+hash.HashSize+8+hash.HashSize+hash.HashSize)
	buf = append(buf, byteutil.Uint64ToBytesBigEndian(h.Height)...)
	buf = append(buf, byteutil.Uint32ToBytesBigEndian(h.PriorityOpsCount)...)
	buf = append(buf, h.ProcessedOpsDigest[:]...)
	buf = append(buf, byteutil.Uint64ToBytesBigEndian(h.Timestamp)...)
	buf = append(buf, h.NewStateRoot[:]...)
	buf = append(buf, h.CommitmentHash[:]...)
	return hash.Keccak256(buf)
}

// GenesisHeader returns the header anchoring the chain at height 0.
func GenesisHeader() BlockHeader {
	return BlockHeader{}
}

// blockCommitment is the value the external verifier checks proofs against.
// It chains the block metadata, the previous and new state roots and the full
// public data payload.
func blockCommitment(desc BlockDescriptor, prevStateRoot hash.Hash256, priorityOpsCount uint32) hash.Hash256 {
	d := sha256.New()
	d.Write(byteutil.Uint64ToBytesBigEndian(desc.Height))
	d.Write(byteutil.Uint32ToBytesBigEndian(priorityOpsCount))
	d.Write(byteutil.Uint64ToBytesBigEndian(desc.Timestamp))
	d.Write(prevStateRoot[:])
	d.Write(desc.NewStateRoot[:])
	d.Write(desc.Payload)
	return hash.BytesToHash256(d.Sum(nil))
}

// processedOpsDigest commits to the concatenated encodings of the operations
// that will be re-walked at execute time (exits only, not deposits or
// transfers).
func processedOpsDigest(processable []byte) hash.Hash256 {
	return hash.Keccak256(processable)
}

// splitPayload decodes the full payload and returns the decoded operations
// along with the concatenated encodings of the processable subset.
func splitPayload(payload []byte) ([]operation.Op, []byte, error) {
	ops, err := operation.DecodeBlob(payload)
	if err != nil {
		return nil, nil, err
	}
	var processable []byte
	for _, op := range ops {
		if operation.IsProcessableOnChain(op.Type()) {
			processable = append(processable, op.Encode()...)
		}
	}
	return ops, processable, nil
}
