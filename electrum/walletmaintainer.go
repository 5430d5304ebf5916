// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

// walletRetryDelay is how long maintainWallet waits before restarting
// a wallet's supervisor loop after it exits with an error.
const walletRetryDelay = time.Second

// waitForMainSession blocks until a main session is elected, or ctx is
// cancelled.
func (n *Network) waitForMainSession(ctx context.Context) (*Session, error) {
	for {
		if s := n.MainSession(); s != nil {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-n.mainSessionEvent.Wait():
		}
	}
}

func addressPairs(addrs []Address) []AddressPair {
	pairs := make([]AddressPair, len(addrs))
	for i, a := range addrs {
		pairs[i] = AddressPair{Address: a, ScriptHash: a.ScriptHash}
	}
	return pairs
}

// maintainWallet supervises one wallet's synchronization for the
// lifetime of ctx, restarting its sub-loops after any recoverable
// error (a dropped main session, a batch timeout) and disconnecting
// the session responsible when the error names one.
func (n *Network) maintainWallet(ctx context.Context, wallet Wallet) {
	for {
		err := n.maintainWalletOnce(ctx, wallet)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Errorf("electrum: wallet %s: %v", wallet, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(walletRetryDelay):
		}
	}
}

func (n *Network) maintainWalletOnce(ctx context.Context, wallet Wallet) error {
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return wallet.SynchronizeLoop(gctx) })
	group.Go(func() error { return n.monitorNewAddresses(gctx, wallet) })
	group.Go(func() error { return n.monitorUsedAddresses(gctx, wallet) })
	group.Go(func() error { return n.monitorTxs(gctx, wallet) })

	err := group.Wait()
	if err != nil && ctx.Err() == nil {
		var dse *DisconnectSessionError
		if errors.As(err, &dse) {
			if sess := n.MainSession(); sess != nil {
				sess.disconnect(dse.Error(), dse.Blacklist)
			}
		}
	}
	return err
}

// monitorNewAddresses subscribes every newly derived address the
// wallet produces.
func (n *Network) monitorNewAddresses(ctx context.Context, wallet Wallet) error {
	for {
		addrs, err := wallet.NewAddresses(ctx)
		if err != nil {
			return err
		}
		if len(addrs) == 0 {
			continue
		}
		session, err := n.waitForMainSession(ctx)
		if err != nil {
			return err
		}
		if err := session.subscribeToPairs(ctx, wallet, addressPairs(addrs)); err != nil {
			return err
		}
	}
}

// monitorUsedAddresses unsubscribes addresses the wallet has retired
// (gap-limit rotation past the point where it still cares about
// updates).
func (n *Network) monitorUsedAddresses(ctx context.Context, wallet Wallet) error {
	for {
		addrs, err := wallet.UsedAddresses(ctx)
		if err != nil {
			return err
		}
		if len(addrs) == 0 {
			continue
		}
		session, err := n.waitForMainSession(ctx)
		if err != nil {
			return err
		}
		if err := session.unsubscribeFromPairs(ctx, wallet, addressPairs(addrs)); err != nil {
			return err
		}
	}
}

// monitorTxs wakes on the wallet's TxsChangedEvent and fetches any
// missing raw transactions and any outstanding merkle proofs, the two
// concurrently.
func (n *Network) monitorTxs(ctx context.Context, wallet Wallet) error {
	for {
		group, gctx := errgroup.WithContext(ctx)
		group.Go(func() error { return n.requestTransactions(gctx, wallet) })
		group.Go(func() error { return n.requestProofs(gctx, wallet) })
		if err := group.Wait(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wallet.TxsChangedEvent().Wait():
		}
	}
}

// requestTransactions fetches every transaction the wallet has
// referenced in history but not yet stored, concurrently.
func (n *Network) requestTransactions(ctx context.Context, wallet Wallet) error {
	missing := wallet.MissingTransactions()
	if len(missing) == 0 {
		return nil
	}
	session, err := n.waitForMainSession(ctx)
	if err != nil {
		return err
	}
	group, gctx := errgroup.WithContext(ctx)
	for _, hash := range missing {
		hash := hash
		group.Go(func() error {
			raw, err := session.requestTx(gctx, hash)
			if err != nil {
				return err
			}
			return wallet.AddTransaction(hash, raw)
		})
	}
	return group.Wait()
}

// requestProofs fetches a merkle proof for every transaction the
// wallet holds but has not yet SPV-verified, concurrently. A proof is
// recorded only if its branch recomputes the merkle root of the locally
// stored header at that height; a mismatch is logged and dropped, and
// a transaction whose header is not stored yet is left unverified.
func (n *Network) requestProofs(ctx context.Context, wallet Wallet) error {
	unverified := wallet.UnverifiedTransactions()
	if len(unverified) == 0 {
		return nil
	}
	session, err := n.waitForMainSession(ctx)
	if err != nil {
		return err
	}
	chain := session.Chain()

	group, gctx := errgroup.WithContext(ctx)
	for hash, height := range unverified {
		hash, height := hash, height
		group.Go(func() error {
			proof, err := session.requestProof(gctx, hash, height)
			if err != nil {
				return err
			}
			if chain == nil {
				return nil
			}
			header, err := n.headerSync.store.HeaderAtHeight(chain, height)
			if err != nil {
				return nil
			}
			root, err := MerkleRootFromBranch(hash, proof.Branch, uint64(proof.Pos))
			if err != nil || root != header.MerkleRoot {
				log.Errorf("electrum: invalid merkle proof for %s at height %d: got %s want %s",
					hash, height, root, header.MerkleRoot)
				return nil
			}
			return wallet.AddVerifiedTx(hash, height, header.Timestamp, proof.Pos, proof.Branch)
		})
	}
	return group.Wait()
}
