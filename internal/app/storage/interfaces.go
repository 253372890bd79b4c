package storage

import (
	"context"

	"github.com/edwardtay/deadman-switch/internal/app/domain/deadman"
)

// AccountStore is the single logical owner of all dead man's switch account
// state. Every mutation goes through it so invariants are enforced at one
// seam. ListAccounts returns a point-in-time snapshot; later store mutations
// do not show through previously returned values.
type AccountStore interface {
	// CreateAccount inserts a new account and fails if the owner is already
	// registered.
	CreateAccount(ctx context.Context, acct deadman.Account) (deadman.Account, error)

	// UpdateAccount replaces the stored account for acct.Owner.
	UpdateAccount(ctx context.Context, acct deadman.Account) (deadman.Account, error)

	// GetAccount fetches the account keyed by owner identity.
	GetAccount(ctx context.Context, owner string) (deadman.Account, error)

	// ListAccounts returns a snapshot of every account, ordered by owner.
	ListAccounts(ctx context.Context) ([]deadman.Account, error)

	// DeleteAccount removes an account permanently.
	DeleteAccount(ctx context.Context, owner string) error
}
