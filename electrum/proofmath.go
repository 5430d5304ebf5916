// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MerkleRootFromBranch recomputes a merkle root from a leaf hash, its
// sibling branch, and its index within the tree, following ElectrumX's
// convention: at each step, if the current index is odd the sibling is
// hashed on the left, otherwise on the right; the index is then
// right-shifted once per step. The branch must be long enough to
// reduce index to zero; a branch too short for the index is a protocol
// violation. A longer branch is not rejected.
//
// The leaf and branch hashes are never mutated in place, so aliasing
// the same underlying byte array across calls is safe.
func MerkleRootFromBranch(leaf chainhash.Hash, branch []chainhash.Hash, index uint64) (chainhash.Hash, error) {
	hash := leaf
	for _, elt := range branch {
		if index&1 != 0 {
			hash = hashPair(elt, hash)
		} else {
			hash = hashPair(hash, elt)
		}
		index >>= 1
	}
	if index != 0 {
		return chainhash.Hash{}, fmt.Errorf("%w: index %d out of range for proof of length %d",
			ErrProtocolViolation, index, len(branch))
	}
	return hash, nil
}

// hashPair returns DoubleSHA256(left || right) as used throughout the
// merkle tree and header hashing.
func hashPair(left, right chainhash.Hash) chainhash.Hash {
	var buf [chainhash.HashSize * 2]byte
	copy(buf[:chainhash.HashSize], left[:])
	copy(buf[chainhash.HashSize:], right[:])
	return chainhash.DoubleHashH(buf[:])
}

// HeaderHash returns the double-SHA256 hash of an 80-byte raw block
// header, the same digest the server is expected to report as a
// header's identity.
func HeaderHash(raw80 []byte) (chainhash.Hash, error) {
	if len(raw80) != HeaderSize {
		return chainhash.Hash{}, fmt.Errorf("%w: raw header is %d bytes, want %d",
			ErrProtocolViolation, len(raw80), HeaderSize)
	}
	return chainhash.DoubleHashH(raw80), nil
}
