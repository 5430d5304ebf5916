// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// HistoryEntry is one entry of a script hash's confirmed/unconfirmed
// history as returned by blockchain.scripthash.get_history.
type HistoryEntry struct {
	TxHash chainhash.Hash
	Height int32
	Fee    *int64 // nil when the server omitted it
}

// Wallet is the external collaborator contract (spec §6). The wallet
// data model, address derivation, and transaction signing all live
// outside this package; WalletMaintainer drives synchronization purely
// through this interface.
type Wallet interface {
	// GetObservedAddresses returns every address this wallet currently
	// watches.
	GetObservedAddresses() []Address

	// NewAddresses blocks until a new batch of addresses has been
	// generated (e.g. by gap-limit derivation) and returns them.
	NewAddresses(ctx context.Context) ([]Address, error)

	// UsedAddresses blocks until a batch of addresses is no longer
	// needed and returns them.
	UsedAddresses(ctx context.Context) ([]Address, error)

	// GetAddressHistory returns the wallet's current view of an
	// address's history.
	GetAddressHistory(addr Address) []HistoryEntry

	// SetAddressHistory replaces the wallet's view of an address's
	// history with one just fetched from the network.
	SetAddressHistory(addr Address, history []HistoryEntry, fees map[chainhash.Hash]int64) error

	// MissingTransactions returns hashes of transactions referenced by
	// history the wallet has not yet fetched.
	MissingTransactions() []chainhash.Hash

	// UnverifiedTransactions returns tx hash -> containing height for
	// transactions the wallet has but has not yet SPV-verified.
	UnverifiedTransactions() map[chainhash.Hash]int32

	// AddTransaction records a fetched transaction's raw bytes.
	AddTransaction(hash chainhash.Hash, raw []byte) error

	// AddVerifiedTx records a successfully verified merkle proof for a
	// transaction: containing height, block timestamp, position in the
	// block, and the branch used.
	AddVerifiedTx(hash chainhash.Hash, height int32, timestamp uint32, pos int, branch []chainhash.Hash) error

	// UndoVerifications discards SPV proofs for any transaction above
	// aboveHeight, called after a reorg invalidates them.
	UndoVerifications(aboveHeight int32)

	// RequestCount/ResponseCount are progress counters WalletMaintainer
	// increments as it issues and completes requests.
	RequestCount() *int64
	ResponseCount() *int64

	// ProgressEvent is signaled whenever RequestCount or ResponseCount
	// changes.
	ProgressEvent() *Event

	// TxsChangedEvent is signaled whenever new transactions or proofs
	// become relevant to fetch.
	TxsChangedEvent() *Event

	// SynchronizeLoop runs the wallet's own synchronization loop
	// (address derivation, gap-limit maintenance) until ctx is
	// cancelled.
	SynchronizeLoop(ctx context.Context) error

	// String names the wallet for logging.
	String() string
}

// Address is an opaque wallet address string paired with its
// script-hash identifier, computed by the wallet/address layer (out of
// scope for this package).
type Address struct {
	String     string
	ScriptHash string
}

// Event is a broadcastable, re-armable signal: the Go translation of
// the asyncio Event used throughout the original for progress_event,
// txs_changed_event, sessions_changed_event, and friends. Set closes
// the current channel (waking every waiter); Wait returns a channel
// that is closed exactly once, the next time Set is called after Wait
// was obtained.
type Event struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewEvent returns a ready-to-use Event.
func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// Wait returns a channel that closes the next time Set is called.
func (e *Event) Wait() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}

// Set wakes every goroutine currently blocked in Wait and arms a fresh
// channel for subsequent waiters.
func (e *Event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	close(e.ch)
	e.ch = make(chan struct{})
}
