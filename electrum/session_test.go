// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeElectrumServer serves one JSON-RPC request/response pair per
// call to respondOnce, enough to drive a Session through one RPC
// round trip without a real network.
type fakeElectrumServer struct {
	conn   net.Conn
	reader *bufio.Reader
}

func newFakeElectrumServer(conn net.Conn) *fakeElectrumServer {
	return &fakeElectrumServer{conn: conn, reader: bufio.NewReader(conn)}
}

func (f *fakeElectrumServer) respondOnce(t *testing.T, wantMethod string, result interface{}) {
	t.Helper()
	line, err := f.reader.ReadBytes('\n')
	require.NoError(t, err)
	var req rpcRequest
	require.NoError(t, json.Unmarshal(line, &req))
	assert.Equal(t, wantMethod, req.Method)

	resultBytes, err := json.Marshal(result)
	require.NoError(t, err)
	resp := struct {
		ID     uint64          `json:"id"`
		Result json.RawMessage `json:"result"`
	}{ID: req.ID, Result: resultBytes}
	encoded, err := json.Marshal(resp)
	require.NoError(t, err)
	_, err = f.conn.Write(append(encoded, '\n'))
	require.NoError(t, err)
}

func newTestSession(t *testing.T) (*Session, *fakeElectrumServer) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	rpc := newRPCClient(clientConn)
	go rpc.readLoop()
	t.Cleanup(func() { rpc.Close() })

	registry := NewServerRegistry()
	server, err := registry.Unique("test.example.org", 50001, "t")
	require.NoError(t, err)

	session := newSession(nil, server, rpc)
	return session, newFakeElectrumServer(serverConn)
}

// TestSessionNegotiateProtocol covers scenario S1: a server responding
// to server.version with ["Server/1", "1.4.3"] yields ptuple (1,4,3).
func TestSessionNegotiateProtocol(t *testing.T) {
	session, fakeServer := newTestSession(t)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- session.negotiateProtocol(ctx)
	}()

	fakeServer.respondOnce(t, "server.version", []string{"Server/1", "1.4.3"})
	require.NoError(t, <-done)
	assert.Equal(t, [3]int{1, 4, 3}, session.Ptuple())
}

func TestSessionNegotiateProtocolRejectsOutOfRange(t *testing.T) {
	session, fakeServer := newTestSession(t)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- session.negotiateProtocol(ctx)
	}()

	fakeServer.respondOnce(t, "server.version", []string{"Server/1", "9.9.9"})
	err := <-done
	require.Error(t, err)
	assert.True(t, classifyBlacklist(err))
}

func TestParseProtocolTuple(t *testing.T) {
	tup, err := parseProtocolTuple("1.4.2")
	require.NoError(t, err)
	assert.Equal(t, [3]int{1, 4, 2}, tup)

	_, err = parseProtocolTuple("not-a-version")
	assert.Error(t, err)
}

func TestTupleLess(t *testing.T) {
	assert.True(t, tupleLess([3]int{1, 4, 0}, [3]int{1, 4, 1}))
	assert.False(t, tupleLess([3]int{1, 4, 1}, [3]int{1, 4, 0}))
	assert.False(t, tupleLess([3]int{1, 4, 0}, [3]int{1, 4, 0}))
	assert.True(t, tupleLessEq([3]int{1, 4, 0}, [3]int{1, 4, 0}))
}

// TestHistoryStatus covers the §8 example: for an empty list, status
// is null; for [(A,1),(B,2)], status = sha256("A:1:B:2:") hex.
func TestHistoryStatus(t *testing.T) {
	assert.Nil(t, historyStatus(nil))

	var a, b chainhash.Hash
	a[0] = 0x0a
	b[0] = 0x0b
	history := []HistoryEntry{{TxHash: a, Height: 1}, {TxHash: b, Height: 2}}

	got := historyStatus(history)
	require.NotNil(t, got)

	concat := fmt.Sprintf("%s:%d:%s:%d:", a, 1, b, 2)
	sum := sha256.Sum256([]byte(concat))
	assert.Equal(t, hex.EncodeToString(sum[:]), *got)
}

func TestDedupeSortInt32(t *testing.T) {
	got := dedupeSortInt32([]int32{5, 1, 5, 3, 1, 2})
	assert.Equal(t, []int32{1, 2, 3, 5}, got)
}

func TestPeerFeatureRegex(t *testing.T) {
	assert.True(t, peerFeatureRE.MatchString("t50001"))
	assert.True(t, peerFeatureRE.MatchString("s50002"))
	assert.True(t, peerFeatureRE.MatchString("s"))
	assert.False(t, peerFeatureRE.MatchString("x50001"))
	assert.False(t, peerFeatureRE.MatchString(""))
}

func TestStatusEqual(t *testing.T) {
	a, b := "x", "x"
	assert.True(t, statusEqual(&a, &b))
	assert.False(t, statusEqual(nil, &b))
	assert.True(t, statusEqual(nil, nil))
}
