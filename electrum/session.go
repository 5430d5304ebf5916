// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/davecgh/go-spew/spew"
	"golang.org/x/sync/errgroup"
)

// ClientVersion is reported to servers during protocol negotiation.
const ClientVersion = "ShellReserve/1.0"

// ProtocolMin and ProtocolMax bound the negotiable protocol tuple.
var (
	ProtocolMin = [3]int{1, 4, 0}
	ProtocolMax = [3]int{1, 4, 3}
)

// unsubscribeMinProtocol is the minimum negotiated protocol tuple that
// supports blockchain.scripthash.unsubscribe.
var unsubscribeMinProtocol = [3]int{1, 4, 2}

const mainServerBatchTimeout = 10 * time.Second
const pingInterval = 300 * time.Second
const headerChunkSize = 2016

func protocolTupleString(t [3]int) string {
	return fmt.Sprintf("%d.%d.%d", t[0], t[1], t[2])
}

func parseProtocolTuple(s string) ([3]int, error) {
	parts := strings.Split(s, ".")
	if len(parts) == 0 || len(parts) > 3 {
		return [3]int{}, fmt.Errorf("%w: bad protocol tuple %q", ErrProtocolViolation, s)
	}
	var t [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return [3]int{}, fmt.Errorf("%w: bad protocol tuple %q", ErrProtocolViolation, s)
		}
		t[i] = n
	}
	return t, nil
}

func tupleLess(a, b [3]int) bool {
	for i := 0; i < 3; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func tupleLessEq(a, b [3]int) bool { return !tupleLess(b, a) }

// sessionState is the Session state machine's current node (spec §4.4).
type sessionState int32

const (
	stateConnecting sessionState = iota
	stateNegotiating
	stateFetchingCP
	stateSubscribing
	stateRunning
	stateClosed
)

// Session is one live connection to one server.
type Session struct {
	network *Network
	server  *Server
	rpc     *rpcClient

	state  sessionState
	ptuple [3]int
	chain  Chain
	tip    *Header
}

func newSession(network *Network, server *Server, rpc *rpcClient) *Session {
	return &Session{
		network: network,
		server:  server,
		rpc:     rpc,
		state:   stateConnecting,
	}
}

// Server returns the server this session is connected to.
func (s *Session) Server() *Server { return s.server }

// Chain returns the chain this session currently follows, or nil
// before the first tip connects.
func (s *Session) Chain() Chain { return s.chain }

// Tip returns the most recently connected tip header, or nil.
func (s *Session) Tip() *Header { return s.tip }

// Ptuple returns the negotiated protocol tuple.
func (s *Session) Ptuple() [3]int { return s.ptuple }

// run drives the session through its full lifecycle: negotiate,
// fetch checkpoint headers, subscribe to the tip, then (if elected
// main) serve wallet traffic and a peer/banner refresh, all the while
// pinging to keep the connection alive. It returns when the session
// terminates, for any reason; the caller is responsible for
// classifying the returned error and deciding whether to blacklist.
func (s *Session) run(ctx context.Context) error {
	if err := s.negotiateProtocol(ctx); err != nil {
		return err
	}
	s.state = stateFetchingCP
	if err := s.getCheckpointHeaders(ctx); err != nil {
		return err
	}
	s.state = stateSubscribing
	if err := s.subscribeHeaders(ctx); err != nil {
		return err
	}
	s.state = stateRunning

	isMain := s.network.sessionEstablished(s)
	s.server.State().ResetRetryDelay()

	group, gctx := errgroup.WithContext(ctx)
	if isMain {
		group.Go(func() error { return s.subscribeWallets(gctx) })
		group.Go(func() error { return s.mainServerBatch(gctx) })
	}
	group.Go(func() error { return s.pingLoop(gctx) })
	group.Go(func() error {
		select {
		case <-s.rpc.Closed():
			if err := s.rpc.ReadErr(); err != nil {
				return fmt.Errorf("%w: %v", ErrTransport, err)
			}
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	})

	err := group.Wait()
	s.network.sessionClosed(s)
	s.state = stateClosed
	return err
}

// negotiateProtocol performs server.version negotiation (spec §4.4).
func (s *Session) negotiateProtocol(ctx context.Context) error {
	s.state = stateNegotiating
	params := []interface{}{ClientVersion, []string{protocolTupleString(ProtocolMin), protocolTupleString(ProtocolMax)}}
	raw, err := s.rpc.Call(ctx, "server.version", params)
	if err != nil {
		return err
	}
	var pair [2]string
	if err := json.Unmarshal(raw, &pair); err != nil {
		return NewDisconnectSessionError(ErrProtocolViolation, true, "server.version: bad response shape: %v", err)
	}
	ptuple, err := parseProtocolTuple(pair[1])
	if err != nil {
		return NewDisconnectSessionError(ErrProtocolViolation, true, "server.version: %v", err)
	}
	if tupleLess(ptuple, ProtocolMin) || tupleLess(ProtocolMax, ptuple) {
		return NewDisconnectSessionError(ErrProtocolViolation, true,
			"server.version: negotiated protocol %v out of range [%v, %v]", ptuple, ProtocolMin, ProtocolMax)
	}
	s.ptuple = ptuple
	return nil
}

// getCheckpointHeaders loops requestChunk until the checkpoint window
// is fully populated.
func (s *Session) getCheckpointHeaders(ctx context.Context) error {
	for {
		start, count := s.network.headerSync.RequiredCheckpointHeaders()
		if count == 0 {
			return nil
		}
		log.Infof("electrum: %d checkpoint headers needed from %s", count, s.server)
		if _, err := s.requestChunk(ctx, start, count); err != nil {
			return err
		}
	}
}

// requestChunk sends blockchain.block.headers for count headers
// starting at height, verifies any checkpoint proof, and connects the
// result. It returns the greatest height actually connected, which may
// be less than height+count-1 if the server truncated its response.
func (s *Session) requestChunk(ctx context.Context, height, count int32) (int32, error) {
	cpHeight := s.network.headerSync.store.Checkpoint().Height
	cpArg := cpHeight
	if height+count-1 > cpHeight {
		cpArg = 0
	}

	raw, err := s.rpc.Call(ctx, "blockchain.block.headers", []interface{}{height, count, cpArg})
	if err != nil {
		return 0, err
	}

	var resp struct {
		Count  int32    `json:"count"`
		Hex    string   `json:"hex"`
		Root   string   `json:"root"`
		Branch []string `json:"branch"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, NewDisconnectSessionError(ErrProtocolViolation, true,
			"blockchain.block.headers: bad response shape: %v", err)
	}
	rawChunk, err := hex.DecodeString(resp.Hex)
	if err != nil || len(rawChunk) != int(resp.Count)*HeaderSize {
		return 0, NewDisconnectSessionError(ErrProtocolViolation, true,
			"blockchain.block.headers: hex length mismatch for count %d", resp.Count)
	}
	lastHeight := height + resp.Count - 1
	if resp.Count != count {
		log.Infof("electrum: %s sent just %d headers", s.server, resp.Count)
	}

	if cpArg != 0 {
		root, err := chainhash.NewHashFromStr(resp.Root)
		if err != nil {
			return 0, NewDisconnectSessionError(ErrProtocolViolation, true, "bad checkpoint root: %v", err)
		}
		branch, err := decodeHashList(resp.Branch)
		if err != nil {
			return 0, NewDisconnectSessionError(ErrProtocolViolation, true, "bad checkpoint branch: %v", err)
		}
		lastRaw := rawChunk[len(rawChunk)-HeaderSize:]
		if err := s.network.headerSync.VerifyCheckpointProof(*root, branch, lastRaw, lastHeight); err != nil {
			return 0, NewDisconnectSessionError(err, true, "%v", err)
		}
	}

	chain, err := s.network.headerSync.ConnectChunk(height, rawChunk)
	if err != nil {
		return 0, NewDisconnectSessionError(err, true, "blockchain.block.headers: %v", err)
	}
	s.chain = chain
	log.Infof("electrum: connected %d headers up to height %d from %s", resp.Count, lastHeight, s.server)
	return lastHeight, nil
}

func decodeHashList(items []string) ([]chainhash.Hash, error) {
	out := make([]chainhash.Hash, len(items))
	for i, item := range items {
		h, err := chainhash.NewHashFromStr(item)
		if err != nil {
			return nil, err
		}
		out[i] = *h
	}
	return out, nil
}

// subscribeHeaders subscribes to the server's tip and processes its
// initial notification.
func (s *Session) subscribeHeaders(ctx context.Context) error {
	s.rpc.RegisterHandler("blockchain.headers.subscribe", func(params json.RawMessage) {
		var args [1]json.RawMessage
		if err := json.Unmarshal(params, &args); err != nil {
			log.Warnf("electrum: malformed headers.subscribe notification: %v", err)
			return
		}
		if err := s.onNewTip(ctx, args[0]); err != nil {
			log.Errorf("electrum: %s: %v", s.server, err)
			s.disconnect(err.Error(), classifyBlacklist(err))
		}
	})
	raw, err := s.rpc.Call(ctx, "blockchain.headers.subscribe", nil)
	if err != nil {
		return err
	}
	return s.onNewTip(ctx, raw)
}

type tipPayload struct {
	Hex    string `json:"hex"`
	Height int32  `json:"height"`
}

// onNewTip decodes and connects a server-reported tip, entering
// catch-up if it is not yet connectable (spec §4.3).
func (s *Session) onNewTip(ctx context.Context, raw json.RawMessage) error {
	var payload tipPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return NewDisconnectSessionError(ErrProtocolViolation, false, "error connecting tip: %v", err)
	}
	rawHeader, err := hex.DecodeString(payload.Hex)
	if err != nil {
		return NewDisconnectSessionError(ErrProtocolViolation, false, "error decoding tip hex: %v", err)
	}

	cp := s.network.headerSync.store.Checkpoint()
	if payload.Height < cp.Height {
		return NewDisconnectSessionError(ErrTipUnderCheckpoint, true,
			"server tip height %d below checkpoint %d", payload.Height, cp.Height)
	}

	s.chain = nil
	s.tip = nil
	tip, err := DecodeHeader(payload.Height, rawHeader)
	if err != nil {
		return NewDisconnectSessionError(ErrProtocolViolation, true, "bad tip header: %v", err)
	}

	for {
		header, chain, err := s.network.headerSync.ConnectHeader(tip.Height, tip.Raw[:])
		if err == nil {
			s.tip = header
			s.chain = chain
			log.Debugf("electrum: connected tip at height %d from %s", tip.Height, s.server)
			s.network.checkMainChainEvent.Set()
			return nil
		}
		if isPoWError(err) {
			return NewDisconnectSessionError(err, true, "bad header provided: %v", err)
		}
		if !isMissingHeaderError(err) {
			return NewDisconnectSessionError(err, true, "connecting tip: %v", err)
		}
		if err := s.catchUpToTipThrottled(ctx, tip); err != nil {
			return err
		}
	}
}

func isMissingHeaderError(err error) bool {
	return errors.Is(err, ErrMissingHeader)
}

func isPoWError(err error) bool {
	return errors.Is(err, ErrIncorrectBits) || errors.Is(err, ErrInsufficientPoW)
}

// catchUpToTipThrottled avoids the thundering-herd effect of every
// session independently reconstructing the same missing range: the
// first session to target a given raw tip owns the catch-up; others
// wait on its done-event and then retry ConnectHeader themselves.
func (s *Session) catchUpToTipThrottled(ctx context.Context, tip *Header) error {
	owns, wait := s.network.headerSync.beginCatchUp(tip.Hash)
	if !owns {
		log.Debugf("electrum: %s waiting on another session's catch-up to %s", s.server, tip.Hash)
		select {
		case <-wait:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
	}
	log.Debugf("electrum: %s catching up to %s", s.server, tip.Hash)
	defer s.network.headerSync.finishCatchUp(tip.Hash)
	return s.catchUpToTip(ctx, tip)
}

func (s *Session) catchUpToTip(ctx context.Context, tip *Header) error {
	cpHeight := s.network.headerSync.store.Checkpoint().Height
	maxHeight := cpHeight
	for _, c := range s.network.headerSync.store.Chains() {
		if c.Height() > maxHeight {
			maxHeight = c.Height()
		}
	}

	heights := []int32{cpHeight + 1}
	step := int32(1)
	height := tip.Height
	if maxHeight < height {
		height = maxHeight
	}
	for height > cpHeight {
		heights = append(heights, height)
		height -= step
		step += step
	}

	connected, err := s.requestHeadersAtHeights(ctx, heights)
	if err != nil {
		return err
	}
	for connected < tip.Height {
		connected, err = s.requestChunk(ctx, connected+1, headerChunkSize)
		if err != nil {
			return err
		}
	}
	return nil
}

// requestHeadersAtHeights batch-requests individual headers (with
// checkpoint proofs where applicable) and connects them lowest height
// first, returning the greatest height actually connected.
func (s *Session) requestHeadersAtHeights(ctx context.Context, heights []int32) (int32, error) {
	unique := dedupeSortInt32(heights)
	cpHeight := s.network.headerSync.store.Checkpoint().Height

	calls := make([]batchCall, len(unique))
	for i, h := range unique {
		cpArg := int32(0)
		if h <= cpHeight {
			cpArg = cpHeight
		}
		calls[i] = batchCall{Method: "blockchain.block.header", Params: []interface{}{h, cpArg}}
	}
	results, err := s.rpc.Batch(ctx, calls)
	if err != nil {
		return 0, err
	}

	minGoodHeight := int32(-1)
	for _, h := range unique {
		if h <= cpHeight && h > minGoodHeight {
			minGoodHeight = h
		}
	}

	goodHeight := int32(-1)
	for i, h := range unique {
		var rawHeader []byte
		if h <= cpHeight {
			var resp struct {
				Header string   `json:"header"`
				Root   string   `json:"root"`
				Branch []string `json:"branch"`
			}
			if err := json.Unmarshal(results[i], &resp); err != nil {
				return 0, NewDisconnectSessionError(ErrProtocolViolation, false, "bad blockchain.block.header response: %v", err)
			}
			rawHeader, err = hex.DecodeString(resp.Header)
			if err != nil {
				return 0, NewDisconnectSessionError(ErrProtocolViolation, false, "bad header hex: %v", err)
			}
			root, err := chainhash.NewHashFromStr(resp.Root)
			if err != nil {
				return 0, NewDisconnectSessionError(ErrProtocolViolation, false, "bad checkpoint root: %v", err)
			}
			branch, err := decodeHashList(resp.Branch)
			if err != nil {
				return 0, NewDisconnectSessionError(ErrProtocolViolation, false, "bad checkpoint branch: %v", err)
			}
			if err := s.network.headerSync.VerifyCheckpointProof(*root, branch, rawHeader, h); err != nil {
				return 0, NewDisconnectSessionError(err, true, "%v", err)
			}
		} else {
			var hexStr string
			if err := json.Unmarshal(results[i], &hexStr); err != nil {
				return 0, NewDisconnectSessionError(ErrProtocolViolation, false, "bad blockchain.block.header response: %v", err)
			}
			rawHeader, err = hex.DecodeString(hexStr)
			if err != nil {
				return 0, NewDisconnectSessionError(ErrProtocolViolation, false, "bad header hex: %v", err)
			}
		}

		_, chain, cerr := s.network.headerSync.ConnectHeader(h, rawHeader)
		if cerr != nil {
			if isMissingHeaderError(cerr) {
				hash, _ := HeaderHash(rawHeader)
				log.Infof("electrum: failed to connect at height %d, hash %s, last good %d", h, hash, goodHeight)
				break
			}
			return 0, NewDisconnectSessionError(ErrProtocolViolation, false, "bad blockchain.block.header response: %v", cerr)
		}
		s.chain = chain
		goodHeight = h
	}

	if goodHeight < minGoodHeight {
		return 0, NewDisconnectSessionError(ErrProtocolViolation, true, "cannot connect to checkpoint")
	}
	return goodHeight, nil
}

func dedupeSortInt32(in []int32) []int32 {
	seen := make(map[int32]struct{}, len(in))
	out := make([]int32, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// pingLoop sends server.ping whenever 300 seconds have elapsed since
// the last request of any kind.
func (s *Session) pingLoop(ctx context.Context) error {
	for {
		wait := time.Until(s.rpc.LastSend().Add(pingInterval))
		if wait < 0 {
			wait = 0
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
		if time.Until(s.rpc.LastSend().Add(pingInterval)) < time.Second {
			if _, err := s.rpc.Call(ctx, "server.ping", nil); err != nil {
				return err
			}
		}
	}
}

// mainServerBatch fetches the banner, donation address, and peer list
// under a 10-second deadline; only the elected main session does this.
func (s *Session) mainServerBatch(ctx context.Context) error {
	bctx, cancel := context.WithTimeout(ctx, mainServerBatchTimeout)
	defer cancel()

	results, err := s.rpc.Batch(bctx, []batchCall{
		{Method: "server.banner"},
		{Method: "server.donation_address"},
		{Method: "server.peers.subscribe"},
	})
	if err != nil {
		return NewDisconnectSessionError(err, false, "main server batch: %v", err)
	}

	var banner, donation string
	if err := json.Unmarshal(results[0], &banner); err != nil {
		return NewDisconnectSessionError(ErrProtocolViolation, false, "bad banner response: %v", err)
	}
	if err := json.Unmarshal(results[1], &donation); err != nil {
		return NewDisconnectSessionError(ErrProtocolViolation, false, "bad donation_address response: %v", err)
	}
	s.server.State().SetBanner(banner)
	s.server.State().SetDonationAddress(donation)
	s.parsePeersSubscribe(results[2])
	s.network.triggerCallback("banner")
	return nil
}

var peerFeatureRE = regexp.MustCompile(`^[st]\d*$`)

// parsePeersSubscribe mints Server identities for every valid
// (host, feature) entry returned by server.peers.subscribe. Bad ports
// and duplicates are silently skipped.
func (s *Session) parsePeersSubscribe(raw json.RawMessage) {
	var entries [][]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		log.Warnf("electrum: bad server.peers.subscribe response: %v\n%s", err, spew.Sdump(raw))
		return
	}
	count := 0
	for _, entry := range entries {
		if len(entry) < 3 {
			continue
		}
		var host string
		if err := json.Unmarshal(entry[1], &host); err != nil {
			continue
		}
		var features []string
		if err := json.Unmarshal(entry[2], &features); err != nil {
			continue
		}
		for _, f := range features {
			if !peerFeatureRE.MatchString(f) {
				continue
			}
			protocol, portStr := f[:1], f[1:]
			if portStr == "" {
				continue
			}
			if _, err := s.network.registry.Unique(host, portStr, protocol); err == nil {
				count++
			}
		}
	}
	log.Infof("electrum: %d servers returned from server.peers.subscribe by %s", count, s.server)
}

// requestTx fetches a raw transaction by hash.
func (s *Session) requestTx(ctx context.Context, hash chainhash.Hash) ([]byte, error) {
	raw, err := s.rpc.Call(ctx, "blockchain.transaction.get", []interface{}{hash.String()})
	if err != nil {
		return nil, err
	}
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return nil, NewDisconnectSessionError(ErrProtocolViolation, false, "bad transaction.get response: %v", err)
	}
	return hex.DecodeString(hexStr)
}

// merkleProof is the decoded shape of blockchain.transaction.get_merkle.
type merkleProof struct {
	Branch []chainhash.Hash
	Pos    int
}

// requestProof fetches a transaction's merkle proof.
func (s *Session) requestProof(ctx context.Context, hash chainhash.Hash, height int32) (*merkleProof, error) {
	raw, err := s.rpc.Call(ctx, "blockchain.transaction.get_merkle", []interface{}{hash.String(), height})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Merkle []string `json:"merkle"`
		Pos    int      `json:"pos"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, NewDisconnectSessionError(ErrProtocolViolation, false, "bad get_merkle response: %v", err)
	}
	branch, err := decodeHashList(resp.Merkle)
	if err != nil {
		return nil, NewDisconnectSessionError(ErrProtocolViolation, false, "bad get_merkle branch: %v", err)
	}
	return &merkleProof{Branch: branch, Pos: resp.Pos}, nil
}

// requestHistory fetches a script hash's full history.
func (s *Session) requestHistory(ctx context.Context, scriptHash string) ([]HistoryEntry, error) {
	raw, err := s.rpc.Call(ctx, "blockchain.scripthash.get_history", []interface{}{scriptHash})
	if err != nil {
		return nil, err
	}
	var items []struct {
		TxHash string `json:"tx_hash"`
		Height int32  `json:"height"`
		Fee    *int64 `json:"fee,omitempty"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, NewDisconnectSessionError(ErrProtocolViolation, false, "bad get_history response: %v", err)
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]HistoryEntry, len(items))
	for i, item := range items {
		if _, dup := seen[item.TxHash]; dup {
			return nil, NewDisconnectSessionError(ErrProtocolViolation, false,
				"server history has duplicate transaction %s", item.TxHash)
		}
		seen[item.TxHash] = struct{}{}
		hash, err := chainhash.NewHashFromStr(item.TxHash)
		if err != nil {
			return nil, NewDisconnectSessionError(ErrProtocolViolation, false, "bad tx_hash %q: %v", item.TxHash, err)
		}
		out[i] = HistoryEntry{TxHash: *hash, Height: item.Height, Fee: item.Fee}
	}
	return out, nil
}

// historyStatus computes the status digest spec §6 defines: SHA-256 of
// the concatenation of "tx_hash:height:" in server order, lowercase
// hex. An empty history's status is nil.
func historyStatus(history []HistoryEntry) *string {
	if len(history) == 0 {
		return nil
	}
	var b strings.Builder
	for _, h := range history {
		fmt.Fprintf(&b, "%s:%d:", h.TxHash, h.Height)
	}
	sum := sha256.Sum256([]byte(b.String()))
	s := hex.EncodeToString(sum[:])
	return &s
}

// subscribeToPairs subscribes wallet to every (address, scriptHash)
// pair, issuing one request per pair concurrently and waiting for all
// of them, even for script hashes already subscribed by another
// wallet, so the caller always observes a status reply.
func (s *Session) subscribeToPairs(ctx context.Context, wallet Wallet, pairs []AddressPair) error {
	s.rpc.RegisterHandler("blockchain.scripthash.subscribe", func(params json.RawMessage) {
		var args [2]json.RawMessage
		if err := json.Unmarshal(params, &args); err != nil {
			log.Warnf("electrum: malformed scripthash notification: %v", err)
			return
		}
		var scriptHash string
		if err := json.Unmarshal(args[0], &scriptHash); err != nil {
			return
		}
		var status *string
		_ = json.Unmarshal(args[1], &status)
		if err := s.onStatusChanged(ctx, scriptHash, status); err != nil {
			log.Errorf("electrum: %s: %v", s.server, err)
		}
	})

	s.network.subscriptions.Register(wallet, pairs)

	reqCount := wallet.RequestCount()
	respCount := wallet.ResponseCount()
	addInt64(reqCount, int64(len(pairs)))
	wallet.ProgressEvent().Set()

	group, gctx := errgroup.WithContext(ctx)
	for _, p := range pairs {
		p := p
		group.Go(func() error {
			status, err := s.subscribeToScriptHash(gctx, p.ScriptHash)
			addInt64(respCount, 1)
			wallet.ProgressEvent().Set()
			if err != nil {
				return err
			}
			return s.onStatusChanged(gctx, p.ScriptHash, status)
		})
	}
	return group.Wait()
}

func (s *Session) subscribeToScriptHash(ctx context.Context, scriptHash string) (*string, error) {
	raw, err := s.rpc.Call(ctx, "blockchain.scripthash.subscribe", []interface{}{scriptHash})
	if err != nil {
		return nil, err
	}
	var status *string
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, NewDisconnectSessionError(ErrProtocolViolation, false, "bad scripthash.subscribe response: %v", err)
	}
	return status, nil
}

// unsubscribeFromPairs issues blockchain.scripthash.unsubscribe only
// for script hashes exclusively held by wallet among the pairs
// supplied, and only when the negotiated protocol supports it.
func (s *Session) unsubscribeFromPairs(ctx context.Context, wallet Wallet, pairs []AddressPair) error {
	if tupleLess(s.ptuple, unsubscribeMinProtocol) {
		log.Debugf("electrum: negotiated protocol does not support unsubscribing")
		return nil
	}

	currentSubs, _ := s.network.subscriptions.Snapshot()
	subsSet := make(map[string]struct{})
	for _, sh := range currentSubs[wallet] {
		subsSet[sh] = struct{}{}
	}
	exclusive := s.network.subscriptions.ExclusiveSet(wallet, currentSubs[wallet])

	group, gctx := errgroup.WithContext(ctx)
	for _, p := range pairs {
		p := p
		if _, ok := exclusive[p.ScriptHash]; !ok {
			continue
		}
		if _, ok := subsSet[p.ScriptHash]; !ok {
			continue
		}
		s.network.subscriptions.Unregister(wallet, p.ScriptHash)
		group.Go(func() error {
			_, err := s.rpc.Call(gctx, "blockchain.scripthash.unsubscribe", []interface{}{p.ScriptHash})
			return err
		})
	}
	return group.Wait()
}

// onStatusChanged reconciles a scripthash status notification against
// every wallet that cares about it.
func (s *Session) onStatusChanged(ctx context.Context, scriptHash string, status *string) error {
	addr, ok := s.network.subscriptions.AddressFor(scriptHash)
	if !ok {
		log.Errorf("electrum: received status notification for unsubscribed %s", scriptHash)
		return nil
	}

	var interested []Wallet
	for _, wallet := range s.network.subscriptions.WalletsSubscribedTo(scriptHash) {
		current := historyStatus(wallet.GetAddressHistory(addr))
		if !statusEqual(current, status) {
			interested = append(interested, wallet)
		}
	}
	if len(interested) == 0 {
		return nil
	}

	history, err := s.requestHistory(ctx, scriptHash)
	if err != nil {
		return err
	}
	log.Debugf("electrum: received history of %s length %d", addr.String, len(history))

	fees := make(map[chainhash.Hash]int64)
	for _, h := range history {
		if h.Fee != nil {
			fees[h.TxHash] = *h.Fee
		}
	}

	hstatus := historyStatus(history)
	if !statusEqual(hstatus, status) {
		log.Warnf("electrum: history status mismatch for %s: computed %v vs notified %v", addr.String, hstatus, status)
	}

	for _, wallet := range interested {
		if err := wallet.SetAddressHistory(addr, history, fees); err != nil {
			log.Errorf("electrum: %s: set_address_history for %s: %v", s.server, addr.String, err)
		}
	}
	return nil
}

func statusEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// subscribeWallets reissues every registered wallet's subscriptions on
// this (presumably newly main) session, used both on initial
// connection to the main server and on main-server handover.
func (s *Session) subscribeWallets(ctx context.Context) error {
	byWallet, addrs := s.network.subscriptions.Snapshot()
	newByWallet := make(map[Wallet][]string, len(byWallet))
	newAddrs := make(map[string]Address)
	for wallet := range byWallet {
		newByWallet[wallet] = nil
	}
	s.network.subscriptions.Reseat(newByWallet, newAddrs)

	group, gctx := errgroup.WithContext(ctx)
	for wallet, subs := range byWallet {
		wallet := wallet
		pairs := make([]AddressPair, 0, len(subs))
		for _, sh := range subs {
			pairs = append(pairs, AddressPair{Address: addrs[sh], ScriptHash: sh})
		}
		group.Go(func() error { return s.subscribeToPairs(gctx, wallet, pairs) })
	}
	return group.Wait()
}

// disconnect closes the session's transport, blacklisting the server
// first if requested.
func (s *Session) disconnect(reason string, blacklist bool) {
	if blacklist {
		s.server.State().Blacklist(time.Now())
		log.Errorf("electrum: disconnecting and blacklisting %s: %s", s.server, reason)
	} else {
		log.Errorf("electrum: disconnecting %s: %s", s.server, reason)
	}
	s.rpc.Close()
}

func addInt64(counter *int64, delta int64) {
	atomic.AddInt64(counter, delta)
}
