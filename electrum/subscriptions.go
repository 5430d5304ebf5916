// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import "sync"

// SubscriptionTable is the process-wide (here, per-Network) mapping
// from wallet to the set of subscribed script hashes, and from script
// hash to address. It is shared across sessions so that a main-server
// handover can reissue the same subscriptions on the new session
// without losing track of who wanted what.
//
// Invariant: every script hash appearing in any wallet's subscription
// list also has an entry in the address map.
type SubscriptionTable struct {
	mu          sync.Mutex
	byWallet    map[Wallet][]string // wallet -> script hashes, insertion order
	addressByScriptHash map[string]Address
}

// NewSubscriptionTable returns an empty table.
func NewSubscriptionTable() *SubscriptionTable {
	return &SubscriptionTable{
		byWallet:            make(map[Wallet][]string),
		addressByScriptHash: make(map[string]Address),
	}
}

// AddressPair is an (address, script hash) subscription request.
type AddressPair struct {
	Address    Address
	ScriptHash string
}

// Register records that wallet now subscribes to every pair, appending
// each script hash to the wallet's list and recording its address.
func (t *SubscriptionTable) Register(wallet Wallet, pairs []AddressPair) {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs := t.byWallet[wallet]
	for _, p := range pairs {
		subs = append(subs, p.ScriptHash)
		t.addressByScriptHash[p.ScriptHash] = p.Address
	}
	t.byWallet[wallet] = subs
}

// IsRegistered reports whether wallet currently has any subscription
// entry (even zero script hashes) in the table.
func (t *SubscriptionTable) IsRegistered(wallet Wallet) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.byWallet[wallet]
	return ok
}

// AddressFor returns the address registered for scriptHash, if any.
func (t *SubscriptionTable) AddressFor(scriptHash string) (Address, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	addr, ok := t.addressByScriptHash[scriptHash]
	return addr, ok
}

// WalletsSubscribedTo returns every wallet currently subscribed to
// scriptHash.
func (t *SubscriptionTable) WalletsSubscribedTo(scriptHash string) []Wallet {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Wallet
	for wallet, subs := range t.byWallet {
		for _, sh := range subs {
			if sh == scriptHash {
				out = append(out, wallet)
				break
			}
		}
	}
	return out
}

// ExclusiveSet returns the subset of subs held exclusively by wallet —
// i.e. no other registered wallet also subscribes to them. This is
// exactly the set that may actually be unsubscribed from the server
// when wallet drops them.
func (t *SubscriptionTable) ExclusiveSet(wallet Wallet, subs []string) map[string]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exclusiveSetLocked(wallet, subs)
}

func (t *SubscriptionTable) exclusiveSetLocked(wallet Wallet, subs []string) map[string]struct{} {
	set := make(map[string]struct{}, len(subs))
	for _, sh := range subs {
		set[sh] = struct{}{}
	}
	for other, otherSubs := range t.byWallet {
		if other == wallet {
			continue
		}
		for _, sh := range otherSubs {
			delete(set, sh)
		}
	}
	return set
}

// Unregister removes scriptHash from wallet's subscription list and
// deletes its address-map entry. Called once the caller has confirmed
// (via ExclusiveSet) that no other wallet still needs it; full wallet
// removal goes through PopWallet instead.
func (t *SubscriptionTable) Unregister(wallet Wallet, scriptHash string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs := t.byWallet[wallet]
	for i, sh := range subs {
		if sh == scriptHash {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	t.byWallet[wallet] = subs
	delete(t.addressByScriptHash, scriptHash)
}

// Snapshot returns the full wallet->scriptHashes map, a copy safe to
// iterate without holding the table's lock, and the full
// scriptHash->address map likewise.
func (t *SubscriptionTable) Snapshot() (map[Wallet][]string, map[string]Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	byWallet := make(map[Wallet][]string, len(t.byWallet))
	for w, subs := range t.byWallet {
		cp := make([]string, len(subs))
		copy(cp, subs)
		byWallet[w] = cp
	}
	addrs := make(map[string]Address, len(t.addressByScriptHash))
	for sh, a := range t.addressByScriptHash {
		addrs[sh] = a
	}
	return byWallet, addrs
}

// Reseat atomically replaces the table's contents, used by
// Network.SetMainServer to hand a consistent snapshot to the new main
// session before the old one is closed.
func (t *SubscriptionTable) Reseat(byWallet map[Wallet][]string, addrs map[string]Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byWallet = byWallet
	t.addressByScriptHash = addrs
}

// PopWallet removes and returns wallet's subscription list entirely
// (used when a wallet is removed from the network), or nil if it had
// none.
func (t *SubscriptionTable) PopWallet(wallet Wallet) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs, ok := t.byWallet[wallet]
	if !ok {
		return nil
	}
	delete(t.byWallet, wallet)
	return subs
}
