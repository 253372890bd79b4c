// Package ledger provides the client for the external ICRC-1-style token
// ledger that custodies the switch balances. The ledger is the source of
// truth for balances; this package only moves value and reads balances, it
// keeps no local state.
package ledger

import (
	"context"
	"fmt"

	"github.com/edwardtay/deadman-switch/internal/app/errs"
)

// TransferMemo is attached to every outgoing transfer so ledger audits can
// attribute transfers to this system.
var TransferMemo = []byte("DEADMAN")

// AccountRef identifies a ledger account: an owner identity plus an optional
// subaccount tag (typically 32 bytes).
type AccountRef struct {
	Owner      string `json:"owner"`
	Subaccount []byte `json:"subaccount,omitempty"`
}

// TransferRequest describes one value movement out of the custody account.
type TransferRequest struct {
	FromSubaccount []byte     `json:"from_subaccount,omitempty"`
	To             AccountRef `json:"to"`
	Amount         uint64     `json:"amount"`
}

// Failure kinds reported by the ledger for a rejected transfer.
const (
	KindInsufficientFunds      = "insufficient_funds"
	KindBadFee                 = "bad_fee"
	KindDuplicate              = "duplicate"
	KindTemporarilyUnavailable = "temporarily_unavailable"
	KindOther                  = "other"
)

// TransferError is a ledger-level transfer failure. Transient kinds wrap
// errs.ErrUnavailable and are retried on the next scheduler tick; all other
// kinds wrap errs.ErrRejected and fail the attempt.
type TransferError struct {
	Kind    string
	Message string
}

func (e *TransferError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ledger transfer failed: %s", e.Kind)
	}
	return fmt.Sprintf("ledger transfer failed: %s: %s", e.Kind, e.Message)
}

func (e *TransferError) Unwrap() error {
	if e.Kind == KindTemporarilyUnavailable {
		return errs.ErrUnavailable
	}
	return errs.ErrRejected
}

// Client is the transfer/balance contract consumed by the service layer.
// Both calls are remote and can fail transiently; neither is retried within
// a single attempt.
type Client interface {
	// Transfer moves amount to the destination account and returns the
	// ledger block index recording it.
	Transfer(ctx context.Context, req TransferRequest) (uint64, error)

	// BalanceOf reads the current balance of a ledger account.
	BalanceOf(ctx context.Context, account AccountRef) (uint64, error)
}
