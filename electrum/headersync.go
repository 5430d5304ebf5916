// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/lru"
)

// checkpointWindow is the number of headers immediately preceding the
// checkpoint height needed to enable difficulty retargeting for
// headers above it.
const checkpointWindow = 146

// HeaderSync holds the state shared by every Session reconciling
// against the same HeaderStore: the cached "do we have the checkpoint
// window yet" judgement, and the thundering-herd throttle for
// concurrent catch-ups to the same tip. One HeaderSync is owned by a
// Network and handed to every Session (see spec §9's re-architecture
// note: this state was process-wide in the original, here it is
// attached to an explicit owner instead).
type HeaderSync struct {
	store HeaderStore

	mu                    sync.Mutex
	needCheckpointHeaders bool
	connectingTips        map[chainhash.Hash]chan struct{}

	// provenProofs memoizes (root, height) pairs whose checkpoint
	// merkle branch has already been walked successfully, so a server
	// resending an overlapping chunk after a reconnect doesn't force a
	// redundant branch walk.
	provenProofs *lru.Cache[provenProofKey]
}

type provenProofKey struct {
	root   chainhash.Hash
	height int32
}

// NewHeaderSync returns a HeaderSync bound to store.
func NewHeaderSync(store HeaderStore) *HeaderSync {
	return &HeaderSync{
		store:                 store,
		needCheckpointHeaders: true,
		connectingTips:        make(map[chainhash.Hash]chan struct{}),
		provenProofs:          lru.NewCache[provenProofKey](256),
	}
}

// RequiredCheckpointHeaders returns the (startHeight, count) range of
// headers still needed immediately below the checkpoint to enable
// retargeting for headers above it, or (0, 0) once they are all
// present. The negative result is cached process-wide (here,
// instance-wide) since once satisfied it can never become unsatisfied.
func (hs *HeaderSync) RequiredCheckpointHeaders() (int32, int32) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if !hs.needCheckpointHeaders {
		return 0, 0
	}

	cp := hs.store.Checkpoint()
	if cp.Height == 0 {
		hs.needCheckpointHeaders = false
		return 0, 0
	}

	chain := hs.store.LongestChain()
	for height := cp.Height - checkpointWindow; height < cp.Height; height++ {
		if _, err := hs.store.HeaderAtHeight(chain, height); err != nil {
			if errors.Is(err, ErrMissingHeader) {
				return height, cp.Height - height
			}
			// Any other error is unexpected here; treat as still needed
			// starting from this height rather than panicking.
			return height, cp.Height - height
		}
	}
	hs.needCheckpointHeaders = false
	return 0, 0
}

// VerifyCheckpointProof checks that root matches the checkpoint's
// verification merkle root, and that the branch proof for rawHeader at
// height recomputes that same root. A mismatch is always logged with
// the expected and received digests (spec §7: proof failures never
// blacklist silently).
func (hs *HeaderSync) VerifyCheckpointProof(root chainhash.Hash, branch []chainhash.Hash, rawHeader []byte, height int32) error {
	cp := hs.store.Checkpoint()
	if root != cp.VerificationMerkleRoot {
		log.Errorf("electrum: bad checkpoint merkle root at height %d: got %s want %s",
			height, root, cp.VerificationMerkleRoot)
		return fmt.Errorf("%w: bad checkpoint merkle root at height %d", ErrProtocolViolation, height)
	}

	key := provenProofKey{root: root, height: height}
	if hs.provenProofs.Contains(key) {
		return nil
	}

	hash, err := HeaderHash(rawHeader)
	if err != nil {
		return err
	}
	proven, err := MerkleRootFromBranch(hash, branch, uint64(height))
	if err != nil {
		return err
	}
	if proven != cp.VerificationMerkleRoot {
		log.Errorf("electrum: invalid checkpoint proof at height %d: got %s want %s",
			height, proven, cp.VerificationMerkleRoot)
		return fmt.Errorf("%w: invalid checkpoint proof at height %d", ErrProtocolViolation, height)
	}
	hs.provenProofs.Add(key)
	return nil
}

// ConnectHeader connects a single header at height. Headers at or
// below the checkpoint are recorded unconditionally (the caller has
// already established trust, directly or via a branch proof); headers
// above it are validated for bits/PoW/ancestry by the store.
func (hs *HeaderSync) ConnectHeader(height int32, raw []byte) (*Header, Chain, error) {
	cp := hs.store.Checkpoint()
	if height <= cp.Height {
		if err := hs.store.SetOne(height, raw); err != nil {
			return nil, nil, err
		}
		if err := hs.store.Flush(); err != nil {
			return nil, nil, err
		}
		header, err := DecodeHeader(height, raw)
		if err != nil {
			return nil, nil, err
		}
		return header, hs.store.LongestChain(), nil
	}
	header, chain, err := hs.store.Connect(raw)
	return header, chain, err
}

// ConnectChunk walks a chunk of consecutive raw headers, verifies
// prev_hash linkage, and stores every header. For a chunk entirely
// below the checkpoint height, the caller has already proven the last
// header; ConnectChunk only needs to verify the prev_hash chain
// backward from it. For a chunk that reaches or crosses the checkpoint, the
// pre-checkpoint prefix must link to the known-good checkpoint raw
// header, and headers after the checkpoint are appended one at a time
// through the full-PoW-verifying store API. The store is always
// flushed before returning, success or failure.
func (hs *HeaderSync) ConnectChunk(startHeight int32, rawChunk []byte) (Chain, error) {
	if len(rawChunk)%HeaderSize != 0 {
		return nil, fmt.Errorf("%w: chunk length %d not a multiple of header size",
			ErrProtocolViolation, len(rawChunk))
	}
	count := int32(len(rawChunk) / HeaderSize)
	endHeight := startHeight + count // exclusive

	defer func() {
		if err := hs.store.Flush(); err != nil {
			log.Errorf("electrum: flushing header store: %v", err)
		}
	}()

	extract := func(height int32) []byte {
		offset := int(height-startHeight) * HeaderSize
		return rawChunk[offset : offset+HeaderSize]
	}

	cp := hs.store.Checkpoint()

	if endHeight <= cp.Height {
		// Entirely pre-checkpoint: the last header has already been
		// proven by the caller. Verify the prev_hash chain backward
		// from it and store every header.
		last := endHeight - 1
		lastRaw := extract(last)
		if err := hs.store.SetOne(last, lastRaw); err != nil {
			return nil, err
		}
		if err := hs.verifyAndSetBackward(startHeight, last, lastRaw, extract); err != nil {
			return nil, err
		}
		return hs.store.LongestChain(), nil
	}

	// Crosses (or starts after) the checkpoint: the pre-checkpoint
	// prefix must link to the checkpoint's own raw header.
	prefixEnd := cp.Height
	if prefixEnd > startHeight {
		if err := hs.verifyAndSetBackward(startHeight, prefixEnd, cp.RawHeader[:], extract); err != nil {
			return nil, err
		}
	}

	var chain Chain
	from := cp.Height + 1
	if from < startHeight {
		from = startHeight
	}
	for height := from; height < endHeight; height++ {
		_, c, err := hs.store.Connect(extract(height))
		if err != nil {
			return nil, err
		}
		chain = c
	}
	if chain == nil {
		chain = hs.store.LongestChain()
	}
	return chain, nil
}

// verifyAndSetBackward walks heights [start, upTo) backward from a
// header already known to be correct (nextRaw, belonging to height
// upTo), verifying that each earlier header's hash equals the next
// header's prev_hash, and storing it.
func (hs *HeaderSync) verifyAndSetBackward(start, upTo int32, nextRaw []byte, extract func(int32) []byte) error {
	for height := upTo - 1; height >= start; height-- {
		raw := extract(height)
		hash, err := HeaderHash(raw)
		if err != nil {
			return err
		}
		next, err := DecodeHeader(height+1, nextRaw)
		if err != nil {
			return err
		}
		if hash != next.PrevHash {
			return fmt.Errorf("%w: prev_hash mismatch at height %d", ErrHeaderChainBreak, height)
		}
		if err := hs.store.SetOne(height, raw); err != nil {
			return err
		}
		nextRaw = raw
	}
	return nil
}

// beginCatchUp registers this goroutine as the owner of catching up to
// tip, or reports that another session already owns it. Callers that
// do not own the catch-up must wait on the returned channel and then
// retry ConnectHeader; the owner must call finishCatchUp when done.
func (hs *HeaderSync) beginCatchUp(tipHash chainhash.Hash) (owns bool, wait <-chan struct{}) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if done, ok := hs.connectingTips[tipHash]; ok {
		return false, done
	}
	done := make(chan struct{})
	hs.connectingTips[tipHash] = done
	return true, done
}

func (hs *HeaderSync) finishCatchUp(tipHash chainhash.Hash) {
	hs.mu.Lock()
	done, ok := hs.connectingTips[tipHash]
	if ok {
		delete(hs.connectingTips, tipHash)
	}
	hs.mu.Unlock()
	if ok {
		close(done)
	}
}
