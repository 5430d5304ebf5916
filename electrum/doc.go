// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package electrum implements the network core of a lightweight
// (SPV-style) Shell Reserve client: a pool of concurrent sessions to
// remote Electrum-protocol indexing servers, a main-server election
// and failover loop, a header-chain synchronizer that verifies
// proof-of-work and merkle proofs against a trusted checkpoint, and a
// script-hash subscription manager that drives wallet synchronization.
//
// The wallet data model, address derivation, and transaction signing
// all live outside this package; it interacts with a wallet only
// through the Wallet interface, and with the header database only
// through the HeaderStore interface.
package electrum
