// Package deadman holds the dead man's switch domain model: per-owner
// accounts, beneficiary splits, and the timeout/grace-period state machine.
package deadman

import "time"

// DefaultGracePeriod is the contestation window applied at registration.
const DefaultGracePeriod = 7 * 24 * 60 * 60 // seconds

// HistoryCapacity bounds the per-account event log; the oldest entry is
// evicted first.
const HistoryCapacity = 100

// History entry types. These mirror the transaction ledger the frontend
// renders, so renaming them is a breaking change.
const (
	EventRegister         = "register"
	EventHeartbeat        = "heartbeat"
	EventDeposit          = "deposit"
	EventBalanceSync      = "balance_sync"
	EventWithdrawal       = "withdrawal"
	EventTimeoutDetected  = "timeout_detected"
	EventTimeoutCancelled = "timeout_cancelled"
	EventUpdate           = "update"
	EventDisbursement     = "disbursement"
)

// Beneficiary is a disbursement recipient with a percentage share of the
// custodied balance and an optional ledger subaccount tag.
type Beneficiary struct {
	Recipient  string `json:"recipient"`
	Percentage uint8  `json:"percentage"` // 0-100
	Subaccount []byte `json:"subaccount,omitempty"`
}

// LogEntry is one observability record in an account's bounded history.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Amount    *uint64   `json:"amount,omitempty"`
	Details   string    `json:"details"`
}

// Account is the per-owner dead man's switch state. The account store owns
// the value; Owner is a non-owning key supplied by the hosting environment.
type Account struct {
	Owner           string    `json:"owner"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
	TimeoutInterval uint64    `json:"timeout_interval_seconds"` // must be > 0
	GraceInterval   uint64    `json:"grace_interval_seconds"`   // 0 means no grace

	// TimeoutDetectedAt is set the first time the scheduler observes a
	// missed heartbeat and cleared by heartbeat or cancellation. Absence
	// means "alive".
	TimeoutDetectedAt *time.Time `json:"timeout_detected_at,omitempty"`

	// PrimaryBeneficiary is the legacy single-recipient field; it applies at
	// 100% only when Beneficiaries is empty.
	PrimaryBeneficiary string        `json:"primary_beneficiary"`
	Beneficiaries      []Beneficiary `json:"beneficiaries"`

	// Balance is a cached view of the external ledger's custody balance,
	// updated only by explicit reconciliation and by withdrawals.
	Balance uint64 `json:"balance"`

	TrustedParties []string   `json:"trusted_parties"`
	History        []LogEntry `json:"history"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsAnonymous reports whether an identity is the host's anonymous caller.
func IsAnonymous(identity string) bool {
	return identity == "" || identity == "anonymous"
}

// EffectiveBeneficiaries resolves the recipient list the disbursement engine
// operates on: the explicit list when present, otherwise the legacy primary
// beneficiary at 100%.
func (a *Account) EffectiveBeneficiaries() []Beneficiary {
	if len(a.Beneficiaries) > 0 {
		return a.Beneficiaries
	}
	if a.PrimaryBeneficiary != "" {
		return []Beneficiary{{Recipient: a.PrimaryBeneficiary, Percentage: 100}}
	}
	return nil
}

// IsTrusted reports whether identity may cancel a pending timeout on this
// account's behalf.
func (a *Account) IsTrusted(identity string) bool {
	for _, p := range a.TrustedParties {
		if p == identity {
			return true
		}
	}
	return false
}

// AppendHistory records an event, evicting the oldest entry beyond capacity.
func (a *Account) AppendHistory(entry LogEntry) {
	a.History = append(a.History, entry)
	if len(a.History) > HistoryCapacity {
		a.History = a.History[len(a.History)-HistoryCapacity:]
	}
}

// Clone returns a deep copy so store snapshots cannot alias live state.
func (a *Account) Clone() Account {
	out := *a
	if a.TimeoutDetectedAt != nil {
		t := *a.TimeoutDetectedAt
		out.TimeoutDetectedAt = &t
	}
	out.Beneficiaries = make([]Beneficiary, len(a.Beneficiaries))
	for i, b := range a.Beneficiaries {
		out.Beneficiaries[i] = b
		if b.Subaccount != nil {
			out.Beneficiaries[i].Subaccount = append([]byte(nil), b.Subaccount...)
		}
	}
	out.TrustedParties = append([]string(nil), a.TrustedParties...)
	out.History = make([]LogEntry, len(a.History))
	for i, e := range a.History {
		out.History[i] = e
		if e.Amount != nil {
			v := *e.Amount
			out.History[i].Amount = &v
		}
	}
	return out
}

// TimeoutStatus is the read-only view reported to callers.
type TimeoutStatus struct {
	TimeoutReached    bool      `json:"timeout_reached"`
	InGracePeriod     bool      `json:"in_grace_period"`
	TimeUntilTimeout  uint64    `json:"time_until_timeout"`  // seconds
	TimeUntilTransfer uint64    `json:"time_until_transfer"` // seconds
	GracePeriodEnd    time.Time `json:"grace_period_end"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`
	TimeoutInterval   uint64    `json:"timeout_interval_seconds"`
	GraceInterval     uint64    `json:"grace_interval_seconds"`
}
