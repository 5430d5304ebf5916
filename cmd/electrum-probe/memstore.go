// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/toole-brendan/shell/electrum"
)

// memStore is a minimal, single-chain electrum.HeaderStore for the
// probe CLI. It trusts every header it is handed without independently
// checking proof-of-work or difficulty retargeting; a real wallet's
// header store (out of this package's scope, per the headers-store
// persistence boundary) performs that validation before Connect
// returns success.
type memStore struct {
	checkpoint electrum.Checkpoint
	chain      *memChain
}

type memChain struct {
	headers map[int32]*electrum.Header
	height  int32
}

func newMemHeaderStore(cp electrum.Checkpoint) *memStore {
	return &memStore{checkpoint: cp, chain: &memChain{headers: make(map[int32]*electrum.Header), height: -1}}
}

func genesisCheckpoint() electrum.Checkpoint {
	return electrum.Checkpoint{Height: 0}
}

func (s *memStore) Checkpoint() electrum.Checkpoint { return s.checkpoint }

func (s *memStore) LongestChain() electrum.Chain { return s.chain }

func (s *memStore) Chains() []electrum.Chain { return []electrum.Chain{s.chain} }

func (s *memStore) HeaderAtHeight(chain electrum.Chain, height int32) (*electrum.Header, error) {
	c, ok := chain.(*memChain)
	if !ok {
		return nil, fmt.Errorf("foreign chain")
	}
	h, ok := c.headers[height]
	if !ok {
		return nil, electrum.ErrMissingHeader
	}
	return h, nil
}

func (s *memStore) SetOne(height int32, raw []byte) error {
	h, err := electrum.DecodeHeader(height, raw)
	if err != nil {
		return err
	}
	s.chain.headers[height] = h
	if height > s.chain.height {
		s.chain.height = height
	}
	return nil
}

func (s *memStore) Connect(raw []byte) (*electrum.Header, electrum.Chain, error) {
	height := s.chain.height + 1
	h, err := electrum.DecodeHeader(height, raw)
	if err != nil {
		return nil, nil, err
	}
	if height > 0 {
		prev, ok := s.chain.headers[height-1]
		if !ok {
			return nil, nil, electrum.ErrMissingHeader
		}
		if h.PrevHash != prev.Hash {
			return nil, nil, electrum.ErrHeaderChainBreak
		}
	}
	s.chain.headers[height] = h
	s.chain.height = height
	return h, s.chain, nil
}

func (s *memStore) Flush() error { return nil }

func (c *memChain) Height() int32 { return c.height }

func (c *memChain) HeaderAt(height int32) (*electrum.Header, error) {
	h, ok := c.headers[height]
	if !ok {
		return nil, electrum.ErrMissingHeader
	}
	return h, nil
}

func (c *memChain) CommonChainAndHeight(other electrum.Chain) (electrum.Chain, int32) {
	o, ok := other.(*memChain)
	if !ok || o != c {
		return nil, -1
	}
	return c, c.height
}
