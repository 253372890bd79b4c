package deadman

import "time"

// State classifies an account at a point in time.
type State int

const (
	// StateAlive: heartbeats are current.
	StateAlive State = iota
	// StateGracePending: the timeout is crossed but the detection marker has
	// not been persisted yet. The scheduler persists the marker in the same
	// pass, so callers outside the scheduler only ever observe the other
	// three states.
	StateGracePending
	// StateGraceActive: marker set, contestation window still open.
	StateGraceActive
	// StateDisbursable: the grace window elapsed unchallenged.
	StateDisbursable
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateGracePending:
		return "grace_pending"
	case StateGraceActive:
		return "grace_active"
	case StateDisbursable:
		return "disbursable"
	default:
		return "unknown"
	}
}

// Classification is the result of evaluating the state machine for a fixed
// (now, account) pair.
type Classification struct {
	State State

	// NewlyDetected is true when the timeout is reached but
	// TimeoutDetectedAt has not been persisted; the scheduler must record
	// the observation instant and log the transition.
	NewlyDetected bool

	// DetectedAt is the detection instant the grace window is computed
	// from: the persisted marker when present, otherwise the theoretical
	// timeout instant (last heartbeat + interval). Using the theoretical
	// instant keeps the window deterministic regardless of polling cadence.
	DetectedAt time.Time

	GraceEnd          time.Time
	TimeUntilTimeout  time.Duration // > 0 only when alive
	TimeUntilTransfer time.Duration // > 0 only inside the grace window
}

// Classify evaluates the timeout / grace-period state machine. It is pure:
// it never mutates the account, and calling it repeatedly with the same
// inputs yields the same result.
func Classify(now time.Time, acct *Account) Classification {
	interval := time.Duration(acct.TimeoutInterval) * time.Second
	grace := time.Duration(acct.GraceInterval) * time.Second

	elapsed := now.Sub(acct.LastHeartbeat)
	if elapsed < interval {
		return Classification{
			State:            StateAlive,
			TimeUntilTimeout: interval - elapsed,
		}
	}

	detectedAt := acct.LastHeartbeat.Add(interval)
	if acct.TimeoutDetectedAt != nil {
		detectedAt = *acct.TimeoutDetectedAt
	}
	graceEnd := detectedAt.Add(grace)

	c := Classification{
		NewlyDetected: acct.TimeoutDetectedAt == nil,
		DetectedAt:    detectedAt,
		GraceEnd:      graceEnd,
	}

	if now.Before(graceEnd) {
		if c.NewlyDetected {
			c.State = StateGracePending
		} else {
			c.State = StateGraceActive
		}
		c.TimeUntilTransfer = graceEnd.Sub(now)
		return c
	}

	c.State = StateDisbursable
	return c
}

// Status projects a classification into the caller-facing timeout status.
func Status(now time.Time, acct *Account) TimeoutStatus {
	c := Classify(now, acct)

	st := TimeoutStatus{
		TimeoutReached:  c.State != StateAlive,
		LastHeartbeat:   acct.LastHeartbeat,
		TimeoutInterval: acct.TimeoutInterval,
		GraceInterval:   acct.GraceInterval,
	}
	switch c.State {
	case StateAlive:
		st.TimeUntilTimeout = uint64(c.TimeUntilTimeout / time.Second)
	case StateGracePending, StateGraceActive:
		st.InGracePeriod = true
		st.GracePeriodEnd = c.GraceEnd
		st.TimeUntilTransfer = uint64(c.TimeUntilTransfer / time.Second)
	case StateDisbursable:
		st.GracePeriodEnd = c.GraceEnd
	}
	return st
}
