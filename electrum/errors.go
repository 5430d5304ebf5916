// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"errors"
	"fmt"
)

// Sentinel errors for the taxonomy described in spec §7.  Session and
// HeaderSync code wraps one of these with fmt.Errorf("%w: ...") so
// callers can classify a failure with errors.Is while still getting a
// descriptive message.
var (
	// ErrProtocolViolation covers malformed values, bad types, wrong
	// lengths, duplicate history entries, bad header proofs, bad
	// bits/PoW, and protocol versions out of range. Blacklist-eligible.
	ErrProtocolViolation = errors.New("electrum: protocol violation")

	// ErrTipUnderCheckpoint is raised when a server offers a tip below
	// the compiled-in checkpoint height. Blacklist-eligible.
	ErrTipUnderCheckpoint = errors.New("electrum: server tip below checkpoint")

	// ErrHeaderChainBreak is raised when prev_hash linkage fails within
	// a received chunk. Blacklist-eligible.
	ErrHeaderChainBreak = errors.New("electrum: header chain broken")

	// ErrRPC wraps a server-returned JSON-RPC error. Transient; never
	// blacklist-eligible on its own.
	ErrRPC = errors.New("electrum: rpc error")

	// ErrBatch wraps a failure within a batched request. Transient.
	ErrBatch = errors.New("electrum: batch error")

	// ErrTimeout covers an elapsed deadline or cancelled context while
	// waiting on a request, a batch, or another session's catch-up.
	// Transient.
	ErrTimeout = errors.New("electrum: timeout")

	// ErrTransport covers connection refused/reset and other low-level
	// I/O failures. Transient.
	ErrTransport = errors.New("electrum: transport error")
)

// DisconnectSessionError is raised internally by a Session to unwind
// its run loop and instruct the caller whether to blacklist the
// server. Unlike the Python original this package was distilled from,
// the Blacklist field set by the constructor is authoritative: it is
// never silently reset to false (see DESIGN.md, Open Question 1).
type DisconnectSessionError struct {
	Reason    string
	Blacklist bool
	Err       error
}

// NewDisconnectSessionError builds a DisconnectSessionError wrapping
// err (which should be, or wrap, one of the sentinel errors above) with
// a human-readable reason and the caller's blacklist decision.
func NewDisconnectSessionError(err error, blacklist bool, format string, args ...interface{}) *DisconnectSessionError {
	return &DisconnectSessionError{
		Reason:    fmt.Sprintf(format, args...),
		Blacklist: blacklist,
		Err:       err,
	}
}

func (e *DisconnectSessionError) Error() string {
	return e.Reason
}

func (e *DisconnectSessionError) Unwrap() error {
	return e.Err
}

// classifyBlacklist maps an arbitrary error returned from RPC or transport
// code into whether it should cause the offending server to be
// blacklisted. Recoverable errors (RPCError, BatchError, TaskTimeout,
// and a DisconnectSessionError with Blacklist=false) never blacklist;
// only protocol-level violations do.
func classifyBlacklist(err error) bool {
	var dse *DisconnectSessionError
	if errors.As(err, &dse) {
		return dse.Blacklist
	}
	switch {
	case errors.Is(err, ErrProtocolViolation),
		errors.Is(err, ErrTipUnderCheckpoint),
		errors.Is(err, ErrHeaderChainBreak):
		return true
	default:
		return false
	}
}
