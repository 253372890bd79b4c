package deadman

import (
	"context"
	"fmt"
	"strings"

	"github.com/edwardtay/deadman-switch/internal/app/domain/deadman"
	"github.com/edwardtay/deadman-switch/internal/app/errs"
	"github.com/edwardtay/deadman-switch/internal/ledger"
	"github.com/edwardtay/deadman-switch/pkg/logger"
)

// DisburseOutcome reports what a disbursement attempt moved. Disbursed is
// true when at least one transfer succeeded, which is the terminal condition
// for the account: partial failures are not retried once any leg lands.
type DisburseOutcome struct {
	Disbursed        bool
	TotalTransferred uint64
	// BlockIndex is set only on the single-beneficiary path, where the whole
	// balance moves in one ledger transaction.
	BlockIndex *uint64
	Summary    string
}

// Engine executes beneficiary payouts against the external ledger. It holds
// no account state; the caller supplies a snapshot and applies the outcome.
type Engine struct {
	ledger  ledger.Client
	custody ledger.AccountRef
	log     *logger.Logger
}

// NewEngine creates a disbursement engine paying out of the custody account.
func NewEngine(ledgerClient ledger.Client, custody ledger.AccountRef, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewDefault("disburse")
	}
	return &Engine{ledger: ledgerClient, custody: custody, log: log}
}

// Disburse pays the account's balance to its effective beneficiaries.
//
// A zero balance is a successful no-op, not an error: the account stays
// registered and the scheduler will try again if funds ever arrive. A single
// beneficiary receives the full balance regardless of its percentage. With
// multiple beneficiaries each leg gets floor(balance*pct/100) and the legs
// are attempted independently; only when every leg fails does Disburse
// return an error.
func (e *Engine) Disburse(ctx context.Context, acct *deadman.Account) (DisburseOutcome, error) {
	if acct.Balance == 0 {
		return DisburseOutcome{Summary: "no balance to disburse"}, nil
	}

	beneficiaries := acct.EffectiveBeneficiaries()
	if len(beneficiaries) == 0 {
		return DisburseOutcome{}, errs.NewValidationError("beneficiaries", "account has no beneficiaries")
	}

	if len(beneficiaries) == 1 {
		return e.disburseSingle(ctx, acct, beneficiaries[0])
	}
	return e.disburseSplit(ctx, acct, beneficiaries)
}

func (e *Engine) disburseSingle(ctx context.Context, acct *deadman.Account, b deadman.Beneficiary) (DisburseOutcome, error) {
	block, err := e.ledger.Transfer(ctx, ledger.TransferRequest{
		FromSubaccount: e.custody.Subaccount,
		To:             ledger.AccountRef{Owner: b.Recipient, Subaccount: b.Subaccount},
		Amount:         acct.Balance,
	})
	if err != nil {
		e.log.WithError(err).
			WithField("owner", acct.Owner).
			WithField("recipient", b.Recipient).
			Error("disbursement transfer failed")
		return DisburseOutcome{}, fmt.Errorf("disburse %s: %w", acct.Owner, err)
	}

	e.log.WithField("owner", acct.Owner).
		WithField("recipient", b.Recipient).
		WithField("amount", acct.Balance).
		WithField("block", block).
		Info("balance disbursed")
	return DisburseOutcome{
		Disbursed:        true,
		TotalTransferred: acct.Balance,
		BlockIndex:       &block,
		Summary:          fmt.Sprintf("transferred %d to %s (block %d)", acct.Balance, b.Recipient, block),
	}, nil
}

func (e *Engine) disburseSplit(ctx context.Context, acct *deadman.Account, beneficiaries []deadman.Beneficiary) (DisburseOutcome, error) {
	var (
		total    uint64
		parts    []string
		failures []string
	)
	for _, b := range beneficiaries {
		amount := splitAmount(acct.Balance, b.Percentage)
		if amount == 0 {
			continue
		}
		block, err := e.ledger.Transfer(ctx, ledger.TransferRequest{
			FromSubaccount: e.custody.Subaccount,
			To:             ledger.AccountRef{Owner: b.Recipient, Subaccount: b.Subaccount},
			Amount:         amount,
		})
		if err != nil {
			e.log.WithError(err).
				WithField("owner", acct.Owner).
				WithField("recipient", b.Recipient).
				WithField("amount", amount).
				Error("disbursement leg failed")
			failures = append(failures, fmt.Sprintf("%s: %v", b.Recipient, err))
			continue
		}
		total += amount
		parts = append(parts, fmt.Sprintf("%d to %s (block %d)", amount, b.Recipient, block))
	}

	if total == 0 {
		if len(failures) == 0 {
			// Every leg floored to zero; nothing was attempted, so this is
			// the same retained no-op as an empty balance.
			return DisburseOutcome{Summary: "no disbursable legs: every share rounds to zero"}, nil
		}
		return DisburseOutcome{}, fmt.Errorf("disburse %s: every transfer failed: %s",
			acct.Owner, strings.Join(failures, "; "))
	}

	summary := fmt.Sprintf("transferred %s", strings.Join(parts, ", "))
	if len(failures) > 0 {
		summary += fmt.Sprintf("; failed legs: %s", strings.Join(failures, "; "))
	}
	e.log.WithField("owner", acct.Owner).
		WithField("transferred", total).
		WithField("failed_legs", len(failures)).
		Info("split disbursement complete")
	return DisburseOutcome{Disbursed: true, TotalTransferred: total, Summary: summary}, nil
}

// splitAmount computes floor(balance * pct / 100) without overflowing uint64
// for balances above ~1.8e17.
func splitAmount(balance uint64, pct uint8) uint64 {
	q := balance / 100
	r := balance % 100
	return q*uint64(pct) + r*uint64(pct)/100
}
