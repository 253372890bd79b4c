// Package memory provides an in-memory AccountStore. It is safe for
// concurrent use and serves tests, local development, and deployments whose
// durability comes from the snapshot boundary rather than a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/edwardtay/deadman-switch/internal/app/domain/deadman"
	"github.com/edwardtay/deadman-switch/internal/app/errs"
	"github.com/edwardtay/deadman-switch/internal/app/storage"
)

// Store is an in-memory implementation of storage.AccountStore.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]deadman.Account
}

var _ storage.AccountStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{accounts: make(map[string]deadman.Account)}
}

func (s *Store) CreateAccount(_ context.Context, acct deadman.Account) (deadman.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[acct.Owner]; exists {
		return deadman.Account{}, errs.NewConflictError("account", acct.Owner, "")
	}

	now := time.Now().UTC()
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = now
	}
	acct.UpdatedAt = now

	s.accounts[acct.Owner] = acct.Clone()
	return acct.Clone(), nil
}

func (s *Store) UpdateAccount(_ context.Context, acct deadman.Account) (deadman.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.accounts[acct.Owner]
	if !ok {
		return deadman.Account{}, errs.NewNotFoundError("account", acct.Owner)
	}

	acct.CreatedAt = original.CreatedAt
	acct.UpdatedAt = time.Now().UTC()

	s.accounts[acct.Owner] = acct.Clone()
	return acct.Clone(), nil
}

func (s *Store) GetAccount(_ context.Context, owner string) (deadman.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[owner]
	if !ok {
		return deadman.Account{}, errs.NewNotFoundError("account", owner)
	}
	return acct.Clone(), nil
}

func (s *Store) ListAccounts(_ context.Context) ([]deadman.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]deadman.Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		result = append(result, acct.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Owner < result[j].Owner })
	return result, nil
}

func (s *Store) DeleteAccount(_ context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[owner]; !ok {
		return errs.NewNotFoundError("account", owner)
	}
	delete(s.accounts, owner)
	return nil
}
