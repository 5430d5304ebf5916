// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// stubWallet is a minimal Wallet implementation for tests that only
// need wallet identity (as a SubscriptionTable/Network map key) or a
// simple history view, not full synchronization behavior.
type stubWallet struct {
	name           string
	history        map[string][]HistoryEntry
	requestCount   int64
	responseCount  int64
	progressEvent  *Event
	txsChangedEvt  *Event
}

func newStubWallet(name string) *stubWallet {
	return &stubWallet{
		name:          name,
		history:       make(map[string][]HistoryEntry),
		progressEvent: NewEvent(),
		txsChangedEvt: NewEvent(),
	}
}

func (w *stubWallet) GetObservedAddresses() []Address { return nil }
func (w *stubWallet) NewAddresses(ctx context.Context) ([]Address, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (w *stubWallet) UsedAddresses(ctx context.Context) ([]Address, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (w *stubWallet) GetAddressHistory(addr Address) []HistoryEntry { return w.history[addr.ScriptHash] }
func (w *stubWallet) SetAddressHistory(addr Address, history []HistoryEntry, fees map[chainhash.Hash]int64) error {
	w.history[addr.ScriptHash] = history
	return nil
}
func (w *stubWallet) MissingTransactions() []chainhash.Hash             { return nil }
func (w *stubWallet) UnverifiedTransactions() map[chainhash.Hash]int32  { return nil }
func (w *stubWallet) AddTransaction(hash chainhash.Hash, raw []byte) error { return nil }
func (w *stubWallet) AddVerifiedTx(hash chainhash.Hash, height int32, timestamp uint32, pos int, branch []chainhash.Hash) error {
	return nil
}
func (w *stubWallet) UndoVerifications(aboveHeight int32) {}
func (w *stubWallet) RequestCount() *int64                { return &w.requestCount }
func (w *stubWallet) ResponseCount() *int64                { return &w.responseCount }
func (w *stubWallet) ProgressEvent() *Event                { return w.progressEvent }
func (w *stubWallet) TxsChangedEvent() *Event              { return w.txsChangedEvt }
func (w *stubWallet) SynchronizeLoop(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
func (w *stubWallet) String() string { return w.name }
