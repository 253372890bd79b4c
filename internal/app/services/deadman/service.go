// Package deadman implements the dead man's switch service: registration,
// liveness heartbeats, timeout detection with a contestation window, and
// disbursement of custodied funds to beneficiaries.
package deadman

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/edwardtay/deadman-switch/internal/app/domain/deadman"
	"github.com/edwardtay/deadman-switch/internal/app/errs"
	"github.com/edwardtay/deadman-switch/internal/app/metrics"
	"github.com/edwardtay/deadman-switch/internal/app/storage"
	"github.com/edwardtay/deadman-switch/internal/ledger"
	"github.com/edwardtay/deadman-switch/pkg/logger"
)

// Service coordinates all account mutations. The store is the single owner
// of account state; the service mutex serializes logical operations so each
// read-modify-write is atomic. The mutex is never held across a ledger call.
type Service struct {
	mu      sync.Mutex
	store   storage.AccountStore
	ledger  ledger.Client
	custody ledger.AccountRef
	now     func() time.Time
	log     *logger.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source; tests drive the service with a
// synthetic clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a configured switch service. custody is this system's
// account on the external ledger.
func NewService(store storage.AccountStore, ledgerClient ledger.Client, custody ledger.AccountRef, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault("deadman")
	}
	s := &Service{
		store:   store,
		ledger:  ledgerClient,
		custody: custody,
		now:     time.Now,
		log:     log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates a new switch account for the caller.
func (s *Service) Register(ctx context.Context, caller string, timeoutSeconds uint64, beneficiary string) (string, error) {
	if deadman.IsAnonymous(caller) {
		return "", errs.NewValidationError("caller", "anonymous identity not allowed")
	}
	if timeoutSeconds == 0 {
		return "", errs.NewValidationError("timeout_interval_seconds", "must be greater than 0")
	}
	if beneficiary == "" {
		return "", errs.NewValidationError("beneficiary", "is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	acct := deadman.Account{
		Owner:              caller,
		LastHeartbeat:      now,
		TimeoutInterval:    timeoutSeconds,
		GraceInterval:      deadman.DefaultGracePeriod,
		PrimaryBeneficiary: beneficiary,
		Beneficiaries:      []deadman.Beneficiary{{Recipient: beneficiary, Percentage: 100}},
	}
	acct.AppendHistory(deadman.LogEntry{
		Timestamp: now,
		Type:      deadman.EventRegister,
		Details:   fmt.Sprintf("registered with timeout %ds", timeoutSeconds),
	})

	if _, err := s.store.CreateAccount(ctx, acct); err != nil {
		return "", err
	}

	s.log.WithField("owner", caller).
		WithField("timeout_seconds", timeoutSeconds).
		WithField("beneficiary", beneficiary).
		Info("account registered")
	s.refreshAccountGauge(ctx)

	return fmt.Sprintf("registered; send a heartbeat at least every %d seconds", timeoutSeconds), nil
}

// Heartbeat records a liveness signal. It unconditionally clears a detected
// timeout, acting as a last-moment abort, and returns when the next
// heartbeat is due.
func (s *Service) Heartbeat(ctx context.Context, caller string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, err := s.store.GetAccount(ctx, caller)
	if err != nil {
		return time.Time{}, err
	}

	now := s.now().UTC()
	acct.LastHeartbeat = now
	acct.TimeoutDetectedAt = nil
	nextDue := now.Add(time.Duration(acct.TimeoutInterval) * time.Second)
	acct.AppendHistory(deadman.LogEntry{
		Timestamp: now,
		Type:      deadman.EventHeartbeat,
		Details:   fmt.Sprintf("heartbeat recorded, next due %s", nextDue.Format(time.RFC3339)),
	})

	if _, err := s.store.UpdateAccount(ctx, acct); err != nil {
		return time.Time{}, err
	}

	metrics.RecordHeartbeat()
	return nextDue, nil
}

// Deposit confirms a deposit the owner already sent to the custody account:
// it re-reads the ledger balance, refuses to proceed if the ledger shows
// less than the cached balance, and otherwise adopts the ledger value.
func (s *Service) Deposit(ctx context.Context, caller string) (string, error) {
	if _, err := s.getAccountLocked(ctx, caller); err != nil {
		return "", err
	}

	ledgerBalance, err := s.ledger.BalanceOf(ctx, s.custody)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, err := s.store.GetAccount(ctx, caller)
	if err != nil {
		return "", err
	}
	if ledgerBalance < acct.Balance {
		return "", errs.NewValidationError("balance",
			fmt.Sprintf("ledger balance %d is below tracked balance %d; reconcile first", ledgerBalance, acct.Balance))
	}

	deposited := ledgerBalance - acct.Balance
	acct.Balance = ledgerBalance
	if deposited > 0 {
		amount := deposited
		acct.AppendHistory(deadman.LogEntry{
			Timestamp: s.now().UTC(),
			Type:      deadman.EventDeposit,
			Amount:    &amount,
			Details:   fmt.Sprintf("deposit of %d verified against ledger", deposited),
		})
	}
	if _, err := s.store.UpdateAccount(ctx, acct); err != nil {
		return "", err
	}

	return fmt.Sprintf("deposit verified: %d", deposited), nil
}

// ReconcileBalance overwrites the cached balance with the ledger's custody
// balance and logs the delta.
func (s *Service) ReconcileBalance(ctx context.Context, caller string) (string, error) {
	if _, err := s.getAccountLocked(ctx, caller); err != nil {
		return "", err
	}

	ledgerBalance, err := s.ledger.BalanceOf(ctx, s.custody)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, err := s.store.GetAccount(ctx, caller)
	if err != nil {
		return "", err
	}

	previous := acct.Balance
	acct.Balance = ledgerBalance
	if ledgerBalance != previous {
		eventType := deadman.EventBalanceSync
		if ledgerBalance > previous {
			eventType = deadman.EventDeposit
		}
		amount := ledgerBalance
		acct.AppendHistory(deadman.LogEntry{
			Timestamp: s.now().UTC(),
			Type:      eventType,
			Amount:    &amount,
			Details:   fmt.Sprintf("balance synced: %d (previous %d)", ledgerBalance, previous),
		})
	}
	if _, err := s.store.UpdateAccount(ctx, acct); err != nil {
		return "", err
	}

	s.log.WithField("owner", caller).
		WithField("balance", ledgerBalance).
		Info("balance reconciled")
	return fmt.Sprintf("balance synced: %d", ledgerBalance), nil
}

// Withdraw transfers part of the custodied balance back out before any
// timeout fires. The cached balance is decremented only on transfer success.
func (s *Service) Withdraw(ctx context.Context, caller string, amount uint64, destination string) (string, error) {
	if amount == 0 {
		return "", errs.NewValidationError("amount", "must be greater than 0")
	}
	if destination == "" {
		return "", errs.NewValidationError("destination", "is required")
	}

	acct, err := s.getAccountLocked(ctx, caller)
	if err != nil {
		return "", err
	}
	if acct.Balance < amount {
		return "", errs.NewValidationError("amount", "insufficient balance")
	}

	block, err := s.ledger.Transfer(ctx, ledger.TransferRequest{
		FromSubaccount: s.custody.Subaccount,
		To:             ledger.AccountRef{Owner: destination},
		Amount:         amount,
	})
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, err = s.store.GetAccount(ctx, caller)
	if err != nil {
		// The transfer already happened; surface the inconsistency instead
		// of pretending nothing moved.
		return "", fmt.Errorf("%w: account vanished after withdrawal transfer: %v", errs.ErrInternal, err)
	}
	if acct.Balance >= amount {
		acct.Balance -= amount
	} else {
		acct.Balance = 0
	}
	withdrawn := amount
	acct.AppendHistory(deadman.LogEntry{
		Timestamp: s.now().UTC(),
		Type:      deadman.EventWithdrawal,
		Amount:    &withdrawn,
		Details:   fmt.Sprintf("withdrew %d to %s (block %d)", amount, destination, block),
	})
	if _, err := s.store.UpdateAccount(ctx, acct); err != nil {
		return "", err
	}

	s.log.WithField("owner", caller).
		WithField("amount", amount).
		WithField("block", block).
		Info("withdrawal complete")
	return fmt.Sprintf("withdrew %d to %s (block %d)", amount, destination, block), nil
}

// UpdateSettings changes the timeout interval and/or resets the beneficiary
// list to a single recipient. At least one change must be supplied.
func (s *Service) UpdateSettings(ctx context.Context, caller string, timeoutSeconds *uint64, beneficiary *string) (string, error) {
	if timeoutSeconds == nil && beneficiary == nil {
		return "", errs.NewValidationError("settings", "no changes provided")
	}
	if timeoutSeconds != nil && *timeoutSeconds == 0 {
		return "", errs.NewValidationError("timeout_interval_seconds", "must be greater than 0")
	}
	if beneficiary != nil && *beneficiary == "" {
		return "", errs.NewValidationError("beneficiary", "cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, err := s.store.GetAccount(ctx, caller)
	if err != nil {
		return "", err
	}

	var changes []string
	if timeoutSeconds != nil {
		acct.TimeoutInterval = *timeoutSeconds
		changes = append(changes, fmt.Sprintf("timeout %ds", *timeoutSeconds))
	}
	if beneficiary != nil {
		acct.PrimaryBeneficiary = *beneficiary
		acct.Beneficiaries = []deadman.Beneficiary{{Recipient: *beneficiary, Percentage: 100}}
		changes = append(changes, fmt.Sprintf("beneficiary %s", *beneficiary))
	}

	detail := fmt.Sprintf("settings updated: %s", strings.Join(changes, ", "))
	acct.AppendHistory(deadman.LogEntry{Timestamp: s.now().UTC(), Type: deadman.EventUpdate, Details: detail})
	if _, err := s.store.UpdateAccount(ctx, acct); err != nil {
		return "", err
	}
	return detail, nil
}

// SetBeneficiaries replaces the beneficiary list. Percentages are not
// required to sum to 100: shortfalls leave a remainder undisbursed and
// overcommitment is allowed.
func (s *Service) SetBeneficiaries(ctx context.Context, caller string, beneficiaries []deadman.Beneficiary) error {
	if len(beneficiaries) == 0 {
		return errs.NewValidationError("beneficiaries", "at least one beneficiary is required")
	}
	for i, b := range beneficiaries {
		if b.Recipient == "" {
			return errs.NewValidationError("beneficiaries", fmt.Sprintf("entry %d: recipient is required", i))
		}
		if b.Percentage > 100 {
			return errs.NewValidationError("beneficiaries", fmt.Sprintf("entry %d: percentage exceeds 100", i))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, err := s.store.GetAccount(ctx, caller)
	if err != nil {
		return err
	}
	acct.Beneficiaries = beneficiaries
	acct.AppendHistory(deadman.LogEntry{
		Timestamp: s.now().UTC(),
		Type:      deadman.EventUpdate,
		Details:   fmt.Sprintf("beneficiary list replaced (%d entries)", len(beneficiaries)),
	})
	_, err = s.store.UpdateAccount(ctx, acct)
	return err
}

// UpdateGracePeriod sets the contestation window. Zero disables the window.
func (s *Service) UpdateGracePeriod(ctx context.Context, caller string, seconds uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, err := s.store.GetAccount(ctx, caller)
	if err != nil {
		return err
	}
	acct.GraceInterval = seconds
	acct.AppendHistory(deadman.LogEntry{
		Timestamp: s.now().UTC(),
		Type:      deadman.EventUpdate,
		Details:   fmt.Sprintf("grace period updated to %ds", seconds),
	})
	_, err = s.store.UpdateAccount(ctx, acct)
	return err
}

// AddTrustedParty authorizes an identity to cancel pending timeouts on the
// caller's account.
func (s *Service) AddTrustedParty(ctx context.Context, caller, party string) error {
	if party == "" {
		return errs.NewValidationError("trusted_party", "is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, err := s.store.GetAccount(ctx, caller)
	if err != nil {
		return err
	}
	if acct.IsTrusted(party) {
		return errs.NewConflictError("trusted party", party, "already added")
	}
	acct.TrustedParties = append(acct.TrustedParties, party)
	acct.AppendHistory(deadman.LogEntry{
		Timestamp: s.now().UTC(),
		Type:      deadman.EventUpdate,
		Details:   fmt.Sprintf("added trusted party %s", party),
	})
	_, err = s.store.UpdateAccount(ctx, acct)
	return err
}

// RemoveTrustedParty revokes a previously added trusted party.
func (s *Service) RemoveTrustedParty(ctx context.Context, caller, party string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, err := s.store.GetAccount(ctx, caller)
	if err != nil {
		return err
	}

	found := false
	kept := acct.TrustedParties[:0]
	for _, p := range acct.TrustedParties {
		if p == party {
			found = true
			continue
		}
		kept = append(kept, p)
	}
	if !found {
		return errs.NewNotFoundError("trusted party", party)
	}
	acct.TrustedParties = kept
	acct.AppendHistory(deadman.LogEntry{
		Timestamp: s.now().UTC(),
		Type:      deadman.EventUpdate,
		Details:   fmt.Sprintf("removed trusted party %s", party),
	})
	_, err = s.store.UpdateAccount(ctx, acct)
	return err
}

// CancelPendingTimeout aborts a detected timeout during the grace window.
// The owner cancels their own; otherwise the caller is checked against every
// account's trusted-party set. Cancellation clears only the detection
// marker; it does not refresh the heartbeat, so an account whose heartbeats
// stay silent re-enters the grace window on the next scheduler pass.
func (s *Service) CancelPendingTimeout(ctx context.Context, caller string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()

	acct, err := s.store.GetAccount(ctx, caller)
	if err == nil {
		if acct.TimeoutDetectedAt == nil {
			return errs.NewValidationError("timeout", "no active timeout to cancel")
		}
		acct.TimeoutDetectedAt = nil
		acct.AppendHistory(deadman.LogEntry{
			Timestamp: now,
			Type:      deadman.EventTimeoutCancelled,
			Details:   "timeout cancelled by owner",
		})
		if _, err := s.store.UpdateAccount(ctx, acct); err != nil {
			return err
		}
		metrics.RecordCancellation("owner")
		s.log.WithField("owner", caller).Info("pending timeout cancelled by owner")
		return nil
	}
	if !errs.IsNotFound(err) {
		return err
	}

	// Caller is not a registered owner; cancel on behalf of any account
	// that trusts them.
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return err
	}
	cancelled := false
	for _, candidate := range accounts {
		if !candidate.IsTrusted(caller) || candidate.TimeoutDetectedAt == nil {
			continue
		}
		candidate.TimeoutDetectedAt = nil
		candidate.AppendHistory(deadman.LogEntry{
			Timestamp: now,
			Type:      deadman.EventTimeoutCancelled,
			Details:   fmt.Sprintf("timeout cancelled by trusted party %s", caller),
		})
		if _, err := s.store.UpdateAccount(ctx, candidate); err != nil {
			return err
		}
		metrics.RecordCancellation("trusted_party")
		s.log.WithField("owner", candidate.Owner).
			WithField("trusted_party", caller).
			Info("pending timeout cancelled by trusted party")
		cancelled = true
	}
	if !cancelled {
		return errs.NewValidationError("caller", "not authorized to cancel any pending timeout")
	}
	return nil
}

// GetAccount returns the caller's account.
func (s *Service) GetAccount(ctx context.Context, caller string) (deadman.Account, error) {
	return s.store.GetAccount(ctx, caller)
}

// GetBalance returns the caller's cached balance.
func (s *Service) GetBalance(ctx context.Context, caller string) (uint64, error) {
	acct, err := s.store.GetAccount(ctx, caller)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// GetTimeoutStatus re-evaluates the state machine for the caller's account.
// The result is computed fresh on every call, never cached.
func (s *Service) GetTimeoutStatus(ctx context.Context, caller string) (deadman.TimeoutStatus, error) {
	acct, err := s.store.GetAccount(ctx, caller)
	if err != nil {
		return deadman.TimeoutStatus{}, err
	}
	return deadman.Status(s.now().UTC(), &acct), nil
}

// GetHistory returns the caller's bounded event log.
func (s *Service) GetHistory(ctx context.Context, caller string) ([]deadman.LogEntry, error) {
	acct, err := s.store.GetAccount(ctx, caller)
	if err != nil {
		return nil, err
	}
	return acct.History, nil
}

// ListAccounts returns every registered account. Administrative; the HTTP
// surface exposes it without authentication, a known hardening gap.
func (s *Service) ListAccounts(ctx context.Context) ([]deadman.Account, error) {
	return s.store.ListAccounts(ctx)
}

// getAccountLocked fetches an account under the service mutex and releases
// it before returning, for call sites that follow up with a ledger call.
func (s *Service) getAccountLocked(ctx context.Context, owner string) (deadman.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.GetAccount(ctx, owner)
}

// markTimeout persists the detection marker for an account the scheduler
// just observed timing out. The persisted value is the observation instant;
// the grace window itself is computed from the theoretical timeout instant.
// Returns false when an interleaved heartbeat or cancellation made the
// marker moot.
func (s *Service) markTimeout(ctx context.Context, owner string, observedAt time.Time) (deadman.Account, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, err := s.store.GetAccount(ctx, owner)
	if err != nil {
		return deadman.Account{}, false, err
	}
	if acct.TimeoutDetectedAt != nil {
		return acct, false, nil
	}
	if deadman.Classify(observedAt, &acct).State == deadman.StateAlive {
		return acct, false, nil
	}

	marker := observedAt
	acct.TimeoutDetectedAt = &marker
	acct.AppendHistory(deadman.LogEntry{
		Timestamp: observedAt,
		Type:      deadman.EventTimeoutDetected,
		Details:   fmt.Sprintf("timeout detected, grace period %ds", acct.GraceInterval),
	})
	acct, err = s.store.UpdateAccount(ctx, acct)
	if err != nil {
		return deadman.Account{}, false, err
	}

	metrics.RecordTimeoutDetected()
	s.log.WithField("owner", owner).
		WithField("grace_seconds", acct.GraceInterval).
		Warn("timeout detected, grace period started")
	return acct, true, nil
}

// commitDisbursement applies a successful disbursement outcome. It re-reads
// the live account and re-confirms it is still disbursable before the
// irreversible removal: a heartbeat or cancellation processed while the
// transfers were in flight aborts the removal, but the cached balance is
// zeroed regardless because the funds have already left the custody
// account.
//
// A cancellation only clears the detection marker, so the re-read account
// can still classify as disbursable off the theoretical timeout instant.
// NewlyDetected distinguishes that case: removal requires the persisted
// marker that triggered the disbursement to still be in place.
func (s *Service) commitDisbursement(ctx context.Context, owner string, outcome DisburseOutcome, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, err := s.store.GetAccount(ctx, owner)
	if err != nil {
		if errs.IsNotFound(err) {
			return false, fmt.Errorf("%w: account %s vanished during disbursement", errs.ErrInternal, owner)
		}
		return false, err
	}

	if c := deadman.Classify(now, &acct); c.State != deadman.StateDisbursable || c.NewlyDetected {
		transferred := outcome.TotalTransferred
		acct.Balance = 0
		acct.AppendHistory(deadman.LogEntry{
			Timestamp: now,
			Type:      deadman.EventDisbursement,
			Amount:    &transferred,
			Details:   fmt.Sprintf("disbursement raced a liveness signal; %d already transferred: %s", transferred, outcome.Summary),
		})
		if _, err := s.store.UpdateAccount(ctx, acct); err != nil {
			return false, err
		}
		s.log.WithField("owner", owner).
			WithField("transferred", transferred).
			Warn("account no longer disbursable at commit time; removal aborted")
		return false, nil
	}

	if err := s.store.DeleteAccount(ctx, owner); err != nil {
		return false, err
	}
	s.refreshAccountGauge(ctx)
	return true, nil
}

func (s *Service) refreshAccountGauge(ctx context.Context) {
	if accounts, err := s.store.ListAccounts(ctx); err == nil {
		metrics.SetRegisteredAccounts(len(accounts))
	}
}
