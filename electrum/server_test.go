// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerRegistryUniqueIsInterned(t *testing.T) {
	r := NewServerRegistry()

	a, err := r.Unique("electrum.example.org", 50002, "s")
	require.NoError(t, err)
	b, err := r.Unique("electrum.example.org", "50002", "s")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Len(t, r.All(), 1)
}

func TestServerRegistryUniqueDistinguishesProtocol(t *testing.T) {
	r := NewServerRegistry()

	tcp, err := r.Unique("electrum.example.org", 50001, "t")
	require.NoError(t, err)
	tls, err := r.Unique("electrum.example.org", 50002, "s")
	require.NoError(t, err)

	assert.NotSame(t, tcp, tls)
	assert.Len(t, r.All(), 2)
}

func TestServerRegistryRejectsBadProtocol(t *testing.T) {
	r := NewServerRegistry()
	_, err := r.Unique("electrum.example.org", 50001, "x")
	require.Error(t, err)
}

func TestServerFromStringRoundTrip(t *testing.T) {
	r := NewServerRegistry()
	s, err := r.FromString("electrum.example.org:50002:s")
	require.NoError(t, err)
	assert.Equal(t, "electrum.example.org", s.Host)
	assert.Equal(t, uint16(50002), s.Port)
	assert.Equal(t, ProtocolTLS, s.Protocol)
	assert.Equal(t, "electrum.example.org:50002:s", s.String())
}

// TestRetryDelayRecurrence checks the exact sequence listed in spec
// §8: r' = clamp(2r+1, 10, 600), starting at r0 = 0, giving
// 10, 21, 43, 87, 175, 351, 600, 600...
func TestRetryDelayRecurrence(t *testing.T) {
	state := &ServerState{}
	now := time.Unix(0, 0)

	expected := []time.Duration{
		10 * time.Second,
		21 * time.Second,
		43 * time.Second,
		87 * time.Second,
		175 * time.Second,
		351 * time.Second,
		600 * time.Second,
		600 * time.Second,
	}
	for i, want := range expected {
		state.BeginConnectAttempt(now)
		assert.Equal(t, want, state.RetryDelay(), "iteration %d", i)
		now = now.Add(time.Second)
	}
}

func TestResetRetryDelay(t *testing.T) {
	state := &ServerState{}
	state.BeginConnectAttempt(time.Now())
	require.NotZero(t, state.RetryDelay())
	state.ResetRetryDelay()
	assert.Zero(t, state.RetryDelay())
}

// TestBlacklistExpiresAfter24h covers the §8 invariant: for any time
// t > last_blacklisted + 86400s, is_blacklisted(t) is false.
func TestBlacklistExpiresAfter24h(t *testing.T) {
	state := &ServerState{}
	blacklistedAt := time.Unix(1_700_000_000, 0)
	state.Blacklist(blacklistedAt)

	assert.True(t, state.IsBlacklisted(blacklistedAt.Add(time.Hour)))
	assert.True(t, state.IsBlacklisted(blacklistedAt.Add(24*time.Hour-time.Second)))
	assert.False(t, state.IsBlacklisted(blacklistedAt.Add(24*time.Hour+time.Second)))
}

func TestCanRetryRespectsBlacklistAndBackoff(t *testing.T) {
	state := &ServerState{}
	now := time.Unix(1_700_000_000, 0)

	assert.True(t, state.CanRetry(now))

	state.BeginConnectAttempt(now)
	assert.False(t, state.CanRetry(now.Add(time.Second)))
	assert.True(t, state.CanRetry(now.Add(state.RetryDelay()+time.Second)))

	state.Blacklist(now)
	assert.False(t, state.CanRetry(now.Add(time.Hour)))
}

func TestServerStateJSONRoundTrip(t *testing.T) {
	state := &ServerState{}
	lastTry := time.Unix(1_700_000_100, 0).UTC()
	lastGood := time.Unix(1_700_000_200, 0).UTC()
	lastBlacklisted := time.Unix(1_700_000_300, 0).UTC()
	state.BeginConnectAttempt(lastTry)
	state.MarkGood(lastGood)
	state.Blacklist(lastBlacklisted)

	j := state.ToJSON()
	restored := serverStateFromJSON(j)

	assert.Equal(t, lastTry, restored.lastTry)
	assert.Equal(t, lastGood, restored.lastGood)
	assert.Equal(t, lastBlacklisted, restored.lastBlacklisted)
}

func TestServerStateJSONZeroTimeRoundTrip(t *testing.T) {
	state := &ServerState{}
	j := state.ToJSON()
	restored := serverStateFromJSON(j)
	assert.True(t, restored.lastTry.IsZero())
	assert.True(t, restored.lastGood.IsZero())
	assert.True(t, restored.lastBlacklisted.IsZero())
}

func TestRegistryExportImportRoundTrip(t *testing.T) {
	r := NewServerRegistry()
	s, err := r.Unique("electrum.example.org", 50002, "s")
	require.NoError(t, err)
	s.State().MarkGood(time.Unix(1_700_000_000, 0))

	records := r.Export()
	require.Len(t, records, 1)

	r2 := NewServerRegistry()
	require.NoError(t, r2.Import(records))

	s2, err := r2.Unique("electrum.example.org", 50002, "s")
	require.NoError(t, err)
	assert.Equal(t, s.State().LastGood().Unix(), s2.State().LastGood().Unix())
}
