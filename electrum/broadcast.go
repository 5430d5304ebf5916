// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"context"
	"encoding/json"
	"strings"
)

// BroadcastFailureReason is a localized, human-readable classification
// of a blockchain.transaction.broadcast rejection, derived from the
// free-text error message a server returns. Server messages vary by
// daemon and version; this table maps common substrings to a stable
// reason so a wallet UI never has to show raw daemon text.
type BroadcastFailureReason int

const (
	BroadcastFailureUnknown BroadcastFailureReason = iota
	BroadcastFailureDust
	BroadcastFailureMissingInputs
	BroadcastFailureAlreadySpent
	BroadcastFailureInsufficientFee
	BroadcastFailureImmatureCoinbase
	BroadcastFailureMempoolConflict
	BroadcastFailureNonFinal
	BroadcastFailureTooLarge
)

func (r BroadcastFailureReason) String() string {
	switch r {
	case BroadcastFailureDust:
		return "output below dust threshold"
	case BroadcastFailureMissingInputs:
		return "input not found or already confirmed spent"
	case BroadcastFailureAlreadySpent:
		return "input already spent by another transaction"
	case BroadcastFailureInsufficientFee:
		return "fee too low for current relay policy"
	case BroadcastFailureImmatureCoinbase:
		return "spends a coinbase output before maturity"
	case BroadcastFailureMempoolConflict:
		return "conflicts with another transaction in the mempool"
	case BroadcastFailureNonFinal:
		return "transaction is not yet final"
	case BroadcastFailureTooLarge:
		return "transaction exceeds the maximum relay size"
	default:
		return "reason unknown"
	}
}

// broadcastFailureRules is checked in order; the first matching
// substring (case-insensitive) wins. Grounded on the vocabulary a
// btcd/bitcoind-family mempool policy actually returns, generalized
// here to Shell Reserve's own daemon error strings rather than a
// particular upstream's wording.
var broadcastFailureRules = []struct {
	substr string
	reason BroadcastFailureReason
}{
	{"dust", BroadcastFailureDust},
	{"already spent", BroadcastFailureAlreadySpent},
	{"missing inputs", BroadcastFailureMissingInputs},
	{"orphan transaction", BroadcastFailureMissingInputs},
	{"bad-txns-inputs-missingorspent", BroadcastFailureMissingInputs},
	{"insufficient fee", BroadcastFailureInsufficientFee},
	{"min relay fee not met", BroadcastFailureInsufficientFee},
	{"immature", BroadcastFailureImmatureCoinbase},
	{"coinbase", BroadcastFailureImmatureCoinbase},
	{"txn-mempool-conflict", BroadcastFailureMempoolConflict},
	{"conflicts with in-mempool", BroadcastFailureMempoolConflict},
	{"non-final", BroadcastFailureNonFinal},
	{"non-BIP68-final", BroadcastFailureNonFinal},
	{"too-long-mempool-chain", BroadcastFailureTooLarge},
	{"tx-size", BroadcastFailureTooLarge},
}

// ClassifyBroadcastFailure maps a server-returned error message to a
// BroadcastFailureReason.
func ClassifyBroadcastFailure(message string) BroadcastFailureReason {
	lower := strings.ToLower(message)
	for _, rule := range broadcastFailureRules {
		if strings.Contains(lower, strings.ToLower(rule.substr)) {
			return rule.reason
		}
	}
	return BroadcastFailureUnknown
}

// BroadcastResult is the outcome of Network.Broadcast.
type BroadcastResult struct {
	TxHash string
	Reason BroadcastFailureReason // meaningful only when TxHash is empty; the zero value is BroadcastFailureUnknown
}

// Broadcast submits a raw transaction to the main session's server and
// classifies any rejection.
func (n *Network) Broadcast(ctx context.Context, rawTxHex string) (*BroadcastResult, error) {
	session, err := n.waitForMainSession(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := session.rpc.Call(ctx, "blockchain.transaction.broadcast", []interface{}{rawTxHex})
	if err != nil {
		return &BroadcastResult{Reason: ClassifyBroadcastFailure(err.Error())}, nil
	}
	var txHash string
	if err := json.Unmarshal(raw, &txHash); err != nil {
		return nil, NewDisconnectSessionError(ErrProtocolViolation, false, "bad broadcast response: %v", err)
	}
	return &BroadcastResult{TxHash: txHash}, nil
}
