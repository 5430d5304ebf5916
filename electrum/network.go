// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// maxConcurrentSessions bounds how many live sessions, the main
// session included, the network keeps for redundancy and future
// main-server candidates.
const maxConcurrentSessions = 10

// lagThreshold is how far behind the main chain's tip another
// session's chain may fall before that session is dropped in favor of
// a fresh connection attempt (spec §4.5).
const lagThreshold = 2

// mainChainPollInterval is a re-evaluation period for main-chain
// election. monitorMainChain does not read it: it re-evaluates only
// when checkMainChainEvent is set.
const mainChainPollInterval = 5 * time.Second

// Callback is invoked whenever Network emits one of its named events
// ("main-server-changed" or "banner").
type Callback func(event string, network *Network)

// Network supervises every live Session against a ServerRegistry,
// elects and re-elects the main session, and fans header/subscription
// work out to registered wallets. It is the package's single exported
// entry point (spec §1: "the network subsystem").
type Network struct {
	proxy    *Proxy
	registry *ServerRegistry

	headerSync    *HeaderSync
	subscriptions *SubscriptionTable

	checkMainChainEvent *Event
	mainSessionEvent    *Event

	mu            sync.RWMutex
	sessions      map[*Server]*Session
	mainSession   *Session
	wallets       map[Wallet]struct{}
	callbacksMu   sync.Mutex
	callbacks     map[string][]Callback
}

// NewNetwork returns a Network bound to store, ready for Start.
func NewNetwork(store HeaderStore, proxy *Proxy) *Network {
	return &Network{
		proxy:               proxy,
		registry:            NewServerRegistry(),
		headerSync:          NewHeaderSync(store),
		subscriptions:       NewSubscriptionTable(),
		checkMainChainEvent: NewEvent(),
		mainSessionEvent:    NewEvent(),
		sessions:            make(map[*Server]*Session),
		wallets:             make(map[Wallet]struct{}),
		callbacks:           make(map[string][]Callback),
	}
}

// Registry exposes the server registry so callers can seed it (e.g.
// from a persisted RegistryStore or a hardcoded bootstrap list) before
// calling Start.
func (n *Network) Registry() *ServerRegistry { return n.registry }

// AddWallet registers a wallet for synchronization. Its own
// maintenance loop starts the next time monitorWallets scans the
// wallet set.
func (n *Network) AddWallet(w Wallet) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.wallets[w] = struct{}{}
}

// RemoveWallet deregisters a wallet and drops its subscriptions.
func (n *Network) RemoveWallet(w Wallet) {
	n.mu.Lock()
	delete(n.wallets, w)
	n.mu.Unlock()
	n.subscriptions.PopWallet(w)
}

// RegisterCallback subscribes fn to event.
func (n *Network) RegisterCallback(event string, fn Callback) {
	n.callbacksMu.Lock()
	defer n.callbacksMu.Unlock()
	n.callbacks[event] = append(n.callbacks[event], fn)
}

func (n *Network) triggerCallback(event string) {
	n.callbacksMu.Lock()
	fns := append([]Callback(nil), n.callbacks[event]...)
	n.callbacksMu.Unlock()
	for _, fn := range fns {
		fn(event, n)
	}
}

// MainSession returns the currently elected main session, or nil.
func (n *Network) MainSession() *Session {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.mainSession
}

// IsConnected reports whether a main session is currently established.
func (n *Network) IsConnected() bool { return n.MainSession() != nil }

// Sessions returns a snapshot of every currently live session.
func (n *Network) Sessions() []*Session {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Session, 0, len(n.sessions))
	for _, s := range n.sessions {
		out = append(out, s)
	}
	return out
}

// SessionsByChain groups live sessions by the Chain object they
// currently follow, letting a caller see at a glance which sessions
// agree on a tip and which have forked off onto a minority chain.
func (n *Network) SessionsByChain() map[Chain][]*Session {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[Chain][]*Session)
	for _, s := range n.sessions {
		if s.Chain() == nil {
			continue
		}
		out[s.Chain()] = append(out[s.Chain()], s)
	}
	return out
}

// statusSnapshot is the JSON-friendly shape returned by Status, meant
// for diagnostics UIs and the probe CLI.
type statusSnapshot struct {
	Connected    bool                `json:"connected"`
	MainServer   string              `json:"main_server,omitempty"`
	MainHeight   int32               `json:"main_height,omitempty"`
	SessionCount int                 `json:"session_count"`
	Sessions     []sessionStatusItem `json:"sessions"`
}

type sessionStatusItem struct {
	Server string `json:"server"`
	Height int32  `json:"height,omitempty"`
	IsMain bool   `json:"is_main"`
}

// Status returns a point-in-time snapshot of the network's connection
// state, suitable for a status bar or health endpoint.
func (n *Network) Status() statusSnapshot {
	n.mu.RLock()
	defer n.mu.RUnlock()
	snap := statusSnapshot{
		Connected:    n.mainSession != nil,
		SessionCount: len(n.sessions),
	}
	if n.mainSession != nil {
		snap.MainServer = n.mainSession.Server().String()
		if tip := n.mainSession.Tip(); tip != nil {
			snap.MainHeight = tip.Height
		}
	}
	for _, s := range n.sessions {
		item := sessionStatusItem{Server: s.Server().String(), IsMain: s == n.mainSession}
		if tip := s.Tip(); tip != nil {
			item.Height = tip.Height
		}
		snap.Sessions = append(snap.Sessions, item)
	}
	return snap
}

// sessionEstablished is called by a Session once it has finished
// checkpoint sync and tip subscription. It decides whether this
// session becomes the main session (true if none is currently
// elected) and records it either way.
func (n *Network) sessionEstablished(s *Session) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sessions[s.server] = s
	if n.mainSession == nil {
		n.mainSession = s
		log.Infof("electrum: %s elected main server", s.server)
		n.mainSessionEvent.Set()
		n.triggerCallback("main-server-changed")
		return true
	}
	return false
}

func (n *Network) sessionClosed(s *Session) {
	n.mu.Lock()
	delete(n.sessions, s.server)
	wasMain := n.mainSession == s
	if wasMain {
		n.mainSession = nil
	}
	n.mu.Unlock()
	if wasMain {
		log.Infof("electrum: main server %s disconnected", s.server)
		n.mainSessionEvent.Set()
		n.triggerCallback("main-server-changed")
	}
}

// SetMainServer switches the elected main server to target, dropping
// the prior main session (if any). It first resets target's retry
// delay so the user-initiated switch doesn't leave it artificially
// backed off —
// resolving spec §9's open question in favor of resetting the
// ServerState's retry delay, not the Server's (the Server is merely an
// identity; retry bookkeeping lives in its State).
func (n *Network) SetMainServer(ctx context.Context, target *Server) error {
	n.mu.Lock()
	old := n.mainSession
	n.mu.Unlock()

	if old != nil && old.server == target {
		return nil
	}

	target.State().ResetRetryDelay()

	session, err := n.connect(ctx, target)
	if err != nil {
		return err
	}

	n.mu.Lock()
	n.sessions[session.server] = session
	n.mainSession = session
	n.mu.Unlock()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return session.subscribeWallets(gctx) })
	group.Go(func() error { return session.mainServerBatch(gctx) })
	go func() {
		if err := group.Wait(); err != nil {
			log.Errorf("electrum: new main server %s: %v", session.server, err)
		}
	}()

	n.mainSessionEvent.Set()
	n.triggerCallback("main-server-changed")
	if old != nil {
		old.disconnect("replaced by user-selected main server", false)
	}
	return nil
}

// connect dials server and runs its session's negotiation/checkpoint/
// subscribe sequence, returning once subscribeHeaders has completed
// (i.e. the session is ready to be treated as live). The session's
// ping loop then keeps running in the background until it ends.
func (n *Network) connect(ctx context.Context, server *Server) (*Session, error) {
	server.State().BeginConnectAttempt(time.Now())
	rpc, err := dialSession(ctx, server, n.proxy)
	if err != nil {
		return nil, err
	}
	session := newSession(n, server, rpc)

	if err := session.negotiateProtocol(ctx); err != nil {
		rpc.Close()
		return nil, err
	}
	session.state = stateFetchingCP
	if err := session.getCheckpointHeaders(ctx); err != nil {
		rpc.Close()
		return nil, err
	}
	session.state = stateSubscribing
	if err := session.subscribeHeaders(ctx); err != nil {
		rpc.Close()
		return nil, err
	}
	session.state = stateRunning
	server.State().MarkGood(time.Now())

	go func() {
		group, gctx := errgroup.WithContext(ctx)
		group.Go(func() error { return session.pingLoop(gctx) })
		group.Go(func() error {
			select {
			case <-rpc.Closed():
				return rpc.ReadErr()
			case <-gctx.Done():
				return gctx.Err()
			}
		})
		if err := group.Wait(); err != nil {
			log.Debugf("electrum: session %s ended: %v", server, err)
		}
		n.sessionClosed(session)
	}()

	return session, nil
}

// Start launches the network's supervisor loops and blocks until ctx
// is cancelled or an unrecoverable error occurs.
func (n *Network) Start(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return n.maintainConnections(gctx) })
	group.Go(func() error { return n.monitorMainChain(gctx) })
	group.Go(func() error { return n.monitorWallets(gctx) })
	return group.Wait()
}

// maintainConnections keeps dialing fresh candidate servers until
// maxConcurrentSessions live sessions are held, backing off per-server
// according to its ServerState's retry delay.
func (n *Network) maintainConnections(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n.maintainConnectionsOnce(ctx)
		}
	}
}

func (n *Network) maintainConnectionsOnce(ctx context.Context) {
	n.mu.RLock()
	live := len(n.sessions)
	n.mu.RUnlock()
	if live >= maxConcurrentSessions {
		return
	}

	now := time.Now()
	for _, candidate := range n.registry.All() {
		n.mu.RLock()
		_, connected := n.sessions[candidate]
		n.mu.RUnlock()
		if connected {
			continue
		}
		state := candidate.State()
		if state.IsBlacklisted(now) || !state.CanRetry(now) {
			continue
		}
		go func(server *Server) {
			if _, err := n.connect(ctx, server); err != nil {
				log.Debugf("electrum: failed to connect to %s: %v", server, err)
			}
		}(candidate)
		return
	}
}

// monitorLaggingSessions drops any non-main session whose chain has
// fallen lagThreshold or more blocks behind the main session's tip, on
// the theory that a fresher candidate is more useful than a stale one
// occupying a connection slot.
func (n *Network) monitorLaggingSessions() {
	main := n.MainSession()
	if main == nil || main.Tip() == nil {
		return
	}
	mainHeight := main.Tip().Height
	for _, s := range n.Sessions() {
		if s == main || s.Tip() == nil {
			continue
		}
		if mainHeight-s.Tip().Height >= lagThreshold {
			s.disconnect("lagging behind main chain tip", false)
		}
	}
}

// monitorMainChain re-evaluates main server election whenever a
// session connects a new tip: if the current main session's chain is
// no longer the longest among live sessions, promote the session
// following the longest one instead.
func (n *Network) monitorMainChain(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.checkMainChainEvent.Wait():
		}
		n.maybeSwitchMainServer(ctx)
		n.monitorLaggingSessions()
	}
}

func (n *Network) maybeSwitchMainServer(ctx context.Context) {
	n.mu.RLock()
	current := n.mainSession
	var best *Session
	for _, s := range n.sessions {
		if s.Chain() == nil {
			continue
		}
		if best == nil || s.Chain().Height() > best.Chain().Height() {
			best = s
		}
	}
	n.mu.RUnlock()

	if best == nil || best == current {
		return
	}
	if current != nil && best.Chain().Height() <= current.Chain().Height() {
		return
	}

	n.mu.Lock()
	n.mainSession = best
	n.mu.Unlock()
	log.Infof("electrum: switching main server to %s at height %d", best.server, best.Chain().Height())

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return best.subscribeWallets(gctx) })
	group.Go(func() error { return best.mainServerBatch(gctx) })
	go func() {
		if err := group.Wait(); err != nil {
			log.Errorf("electrum: new main server %s: %v", best.server, err)
		}
	}()
	n.mainSessionEvent.Set()
	n.triggerCallback("main-server-changed")
}

// monitorWallets starts a maintainWallet supervisor for every
// currently registered wallet and keeps it running for the lifetime of
// ctx; a wallet added after Start is picked up the next scan.
func (n *Network) monitorWallets(ctx context.Context) error {
	started := make(map[Wallet]struct{})
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		n.mu.RLock()
		for w := range n.wallets {
			if _, ok := started[w]; !ok {
				started[w] = struct{}{}
				go n.maintainWallet(ctx, w)
			}
		}
		n.mu.RUnlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
