// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// HeaderSize is the fixed length in bytes of a raw block header.
const HeaderSize = 80

// Header is a decoded block header together with its raw bytes and
// identity hash.
type Header struct {
	Height     int32
	Raw        [HeaderSize]byte
	PrevHash   chainhash.Hash
	MerkleRoot chainhash.Hash
	Timestamp  uint32
	Bits       uint32
	Nonce      uint32
	Hash       chainhash.Hash
}

// DecodeHeader parses an 80-byte raw header at the given height. The
// wire layout matches Bitcoin-family headers: version(4) prev_hash(32)
// merkle_root(32) timestamp(4) bits(4) nonce(4).
func DecodeHeader(height int32, raw []byte) (*Header, error) {
	if len(raw) != HeaderSize {
		return nil, fmt.Errorf("%w: raw header is %d bytes, want %d",
			ErrProtocolViolation, len(raw), HeaderSize)
	}
	h := &Header{Height: height}
	copy(h.Raw[:], raw)
	copy(h.PrevHash[:], raw[4:36])
	copy(h.MerkleRoot[:], raw[36:68])
	h.Timestamp = le32(raw[68:72])
	h.Bits = le32(raw[72:76])
	h.Nonce = le32(raw[76:80])
	hash, err := HeaderHash(raw)
	if err != nil {
		return nil, err
	}
	h.Hash = hash
	return h, nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// Chain is a fork-tolerant, append-only sequence of headers rooted at
// genesis. Multiple Chains may coexist in a HeaderStore when servers
// disagree about the best tip.
type Chain interface {
	// Height returns the height of the chain's current tip.
	Height() int32

	// HeaderAt returns the header at the given height on this chain.
	HeaderAt(height int32) (*Header, error)

	// CommonChainAndHeight finds the chain the two have in common and
	// the height at which they diverge.
	CommonChainAndHeight(other Chain) (Chain, int32)
}

// Checkpoint is a compile-time-trusted point in the chain: a height, a
// raw header known to be correct, and the merkle root over all block
// hashes from genesis to that height. Headers at or below Height are
// trusted once a branch proof against VerificationMerkleRoot checks
// out; headers above it must satisfy ordinary proof-of-work rules.
type Checkpoint struct {
	Height                 int32
	RawHeader              [HeaderSize]byte
	VerificationMerkleRoot chainhash.Hash
}

// ErrMissingHeader is returned by HeaderStore.HeaderAtHeight and
// Connect when a required ancestor header is not yet known locally —
// the trigger for HeaderSync's catch-up path.
var ErrMissingHeader = errors.New("electrum: missing header")

// ErrIncorrectBits is returned by HeaderStore.Connect when a header's
// bits field does not match the difficulty the store's retargeting
// rules require.
var ErrIncorrectBits = errors.New("electrum: incorrect difficulty bits")

// ErrInsufficientPoW is returned by HeaderStore.Connect when a
// header's hash does not satisfy its own claimed bits.
var ErrInsufficientPoW = errors.New("electrum: insufficient proof of work")

// HeaderStore is the external collaborator (out of scope for this
// package per spec §1) a HeaderSync consults and mutates: a
// persistent, multi-chain append-only header database.
type HeaderStore interface {
	// Checkpoint returns the compiled-in trust point.
	Checkpoint() Checkpoint

	// LongestChain returns the chain with the greatest height.
	LongestChain() Chain

	// Chains returns every chain currently tracked.
	Chains() []Chain

	// HeaderAtHeight returns the header at height on chain, or
	// ErrMissingHeader if it is not yet known.
	HeaderAtHeight(chain Chain, height int32) (*Header, error)

	// SetOne unconditionally records a header that the caller has
	// already established is trustworthy (at or below the checkpoint).
	SetOne(height int32, raw []byte) error

	// Connect validates and appends a single header above the
	// checkpoint, returning the header and the chain it was appended
	// to, or ErrMissingHeader/ErrIncorrectBits/ErrInsufficientPoW.
	Connect(raw []byte) (*Header, Chain, error)

	// Flush persists any buffered writes.
	Flush() error
}
