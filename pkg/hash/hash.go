// Copyright (c) 2024 Anchor Project
// This is an alpha (internal) release and is not suitable for production. This source code is provided 'as is' and no
// warranties are given as to title or non-infringement, merchantability or fitness for purpose and, to the extent
// permitted by law, all liability for your use of the code is disclaimed. This source code is governed by Apache
// License 2.0 that can be found in the LICENSE file.

package hash

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// HashSize defines the size of a hash
	HashSize = 32
	// PKHashSize defines the size of a public-key hash
	PKHashSize = 20
)

var (
	// ZeroHash256 is 32-bytes of all zero
	ZeroHash256 = Hash256{}
)

type (
	// Hash256 is a 32-byte hash
	Hash256 [HashSize]byte
	// Hash160 is a 20-byte hash, also the size of a public-key hash
	Hash160 [PKHashSize]byte
)

// Hash256b returns the 256-bit sha256 hash of the input
func Hash256b(input []byte) Hash256 {
	return Hash256(sha256.Sum256(input))
}

// Keccak256 returns the 256-bit keccak hash of the input
func Keccak256(input []byte) Hash256 {
	var h Hash256
	copy(h[:], crypto.Keccak256(input))
	return h
}

// BytesToHash256 copies the byte slice into hash
func BytesToHash256(b []byte) Hash256 {
	var h Hash256
	if len(b) > HashSize {
		b = b[len(b)-HashSize:]
	}
	copy(h[HashSize-len(b):], b)
	return h
}

// BytesToHash160 copies the byte slice into hash
func BytesToHash160(b []byte) Hash160 {
	var h Hash160
	if len(b) > PKHashSize {
		b = b[len(b)-PKHashSize:]
	}
	copy(h[PKHashSize-len(b):], b)
	return h
}

// HexStringToHash256 decodes a hex string into a Hash256
func HexStringToHash256(s string) (Hash256, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ZeroHash256, err
	}
	return BytesToHash256(b), nil
}

func (h Hash256) String() string { return hex.EncodeToString(h[:]) }
