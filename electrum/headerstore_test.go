// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// fakeChain is a single, non-forking chain used by fakeStore.
type fakeChain struct {
	headers map[int32]*Header
	height  int32
}

func (c *fakeChain) Height() int32 { return c.height }

func (c *fakeChain) HeaderAt(height int32) (*Header, error) {
	h, ok := c.headers[height]
	if !ok {
		return nil, ErrMissingHeader
	}
	return h, nil
}

func (c *fakeChain) CommonChainAndHeight(other Chain) (Chain, int32) {
	o, ok := other.(*fakeChain)
	if !ok || o != c {
		return nil, -1
	}
	return c, c.height
}

// fakeStore is a minimal, single-chain electrum.HeaderStore double for
// unit tests: it trusts whatever it's handed (no PoW/bits checking),
// matching the out-of-scope boundary for the real header store.
type fakeStore struct {
	mu    sync.Mutex
	cp    Checkpoint
	chain *fakeChain
}

func newFakeStore(cp Checkpoint) *fakeStore {
	return &fakeStore{cp: cp, chain: &fakeChain{headers: make(map[int32]*Header), height: -1}}
}

func (s *fakeStore) Checkpoint() Checkpoint { return s.cp }
func (s *fakeStore) LongestChain() Chain    { return s.chain }
func (s *fakeStore) Chains() []Chain        { return []Chain{s.chain} }

func (s *fakeStore) HeaderAtHeight(chain Chain, height int32) (*Header, error) {
	c := chain.(*fakeChain)
	h, ok := c.headers[height]
	if !ok {
		return nil, ErrMissingHeader
	}
	return h, nil
}

func (s *fakeStore) SetOne(height int32, raw []byte) error {
	h, err := DecodeHeader(height, raw)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chain.headers[height] = h
	if height > s.chain.height {
		s.chain.height = height
	}
	return nil
}

func (s *fakeStore) Connect(raw []byte) (*Header, Chain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	height := s.chain.height + 1
	h, err := DecodeHeader(height, raw)
	if err != nil {
		return nil, nil, err
	}
	if height > 0 {
		prev, ok := s.chain.headers[height-1]
		if !ok {
			return nil, nil, ErrMissingHeader
		}
		if h.PrevHash != prev.Hash {
			return nil, nil, ErrHeaderChainBreak
		}
	}
	s.chain.headers[height] = h
	s.chain.height = height
	return h, s.chain, nil
}

func (s *fakeStore) Flush() error { return nil }

// makeRawHeader builds an 80-byte raw header whose prev_hash is
// prevHash and whose nonce is nonce; every other field is zero.
func makeRawHeader(prevHash chainhash.Hash, nonce uint32) []byte {
	raw := make([]byte, HeaderSize)
	copy(raw[4:36], prevHash[:])
	raw[76] = byte(nonce)
	raw[77] = byte(nonce >> 8)
	raw[78] = byte(nonce >> 16)
	raw[79] = byte(nonce >> 24)
	return raw
}

// makeChain returns count raw headers, each height linking to the
// previous by hash, starting from the zero previous hash.
func makeChain(count int) [][]byte {
	raws := make([][]byte, count)
	var prev chainhash.Hash
	for i := 0; i < count; i++ {
		raw := makeRawHeader(prev, uint32(i))
		raws[i] = raw
		hash, _ := HeaderHash(raw)
		prev = hash
	}
	return raws
}
