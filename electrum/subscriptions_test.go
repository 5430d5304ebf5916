// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestExclusiveUnsubscribe covers scenario S6: wallets W1 and W2 both
// subscribed to script hash S. Dropping W1 must not free S (W2 still
// wants it); dropping W2 afterward must.
func TestExclusiveUnsubscribe(t *testing.T) {
	table := NewSubscriptionTable()
	w1 := newStubWallet("w1")
	w2 := newStubWallet("w2")
	addr := Address{String: "addr-s", ScriptHash: "S"}

	table.Register(w1, []AddressPair{{Address: addr, ScriptHash: "S"}})
	table.Register(w2, []AddressPair{{Address: addr, ScriptHash: "S"}})

	exclusive := table.ExclusiveSet(w1, []string{"S"})
	assert.Empty(t, exclusive, "S is shared with w2, must not be exclusive to w1")

	table.Unregister(w1, "S")
	wallets := table.WalletsSubscribedTo("S")
	assert.Len(t, wallets, 1)
	assert.Equal(t, w2, wallets[0])

	exclusive = table.ExclusiveSet(w2, []string{"S"})
	assert.Contains(t, exclusive, "S", "S is now exclusive to w2")

	table.Unregister(w2, "S")
	assert.Empty(t, table.WalletsSubscribedTo("S"))
	_, ok := table.AddressFor("S")
	assert.False(t, ok)
}

func TestSubscriptionTableSnapshotIsACopy(t *testing.T) {
	table := NewSubscriptionTable()
	w := newStubWallet("w")
	addr := Address{String: "addr-a", ScriptHash: "A"}
	table.Register(w, []AddressPair{{Address: addr, ScriptHash: "A"}})

	byWallet, _ := table.Snapshot()
	byWallet[w] = append(byWallet[w], "B")

	current, _ := table.Snapshot()
	assert.Equal(t, []string{"A"}, current[w], "mutating a snapshot must not affect the table")
}

func TestSubscriptionTablePopWallet(t *testing.T) {
	table := NewSubscriptionTable()
	w := newStubWallet("w")
	addr := Address{String: "addr-a", ScriptHash: "A"}
	table.Register(w, []AddressPair{{Address: addr, ScriptHash: "A"}})

	popped := table.PopWallet(w)
	assert.Equal(t, []string{"A"}, popped)
	assert.False(t, table.IsRegistered(w))
}
