// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyBroadcastFailure(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    BroadcastFailureReason
	}{
		{"dust", "66: dust output", BroadcastFailureDust},
		{"missing inputs", "bad-txns-inputs-missingorspent", BroadcastFailureMissingInputs},
		{"orphan", "orphan transaction rejected", BroadcastFailureMissingInputs},
		{"already spent", "transaction output already spent", BroadcastFailureAlreadySpent},
		{"low fee", "insufficient fee for relay", BroadcastFailureInsufficientFee},
		{"min relay", "min relay fee not met", BroadcastFailureInsufficientFee},
		{"coinbase", "spends immature coinbase output", BroadcastFailureImmatureCoinbase},
		{"mempool conflict", "txn-mempool-conflict", BroadcastFailureMempoolConflict},
		{"non final", "non-final transaction", BroadcastFailureNonFinal},
		{"tx too big", "tx-size: transaction too large", BroadcastFailureTooLarge},
		{"unrecognized", "the daemon exploded", BroadcastFailureUnknown},
		{"case insensitive", "DUST output rejected", BroadcastFailureDust},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyBroadcastFailure(tc.message))
		})
	}
}

func TestBroadcastFailureReasonString(t *testing.T) {
	assert.Equal(t, "reason unknown", BroadcastFailureUnknown.String())
	assert.NotEqual(t, "reason unknown", BroadcastFailureDust.String())
}
