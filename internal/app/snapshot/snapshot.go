// Package snapshot persists the account store to disk and restores it on
// startup, giving the memory backend durability across restarts.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/edwardtay/deadman-switch/internal/app/domain/deadman"
	"github.com/edwardtay/deadman-switch/internal/app/errs"
	"github.com/edwardtay/deadman-switch/internal/app/storage"
	"github.com/edwardtay/deadman-switch/pkg/logger"
)

// formatVersion guards against loading snapshots written by an incompatible
// build.
const formatVersion = 1

type snapshotFile struct {
	Version int       `json:"version"`
	TakenAt time.Time `json:"taken_at"`
	// Custody is the ledger account the balances were tracked against. A
	// snapshot taken against a different custody account is refused, since
	// its cached balances would be meaningless here.
	Custody  string            `json:"custody_account"`
	Accounts []deadman.Account `json:"accounts"`
}

// Manager saves and restores account state at a fixed path.
type Manager struct {
	store   storage.AccountStore
	path    string
	custody string
	log     *logger.Logger
}

// NewManager creates a snapshot manager writing to path. custody is the
// ledger custody account the cached balances refer to.
func NewManager(store storage.AccountStore, path, custody string, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault("snapshot")
	}
	return &Manager{store: store, path: path, custody: custody, log: log}
}

// Save writes the full account set. The write goes to a temp file in the
// same directory followed by a rename, so a crash never leaves a truncated
// snapshot behind.
func (m *Manager) Save(ctx context.Context) error {
	accounts, err := m.store.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: list accounts: %w", err)
	}

	payload, err := json.MarshalIndent(snapshotFile{
		Version:  formatVersion,
		TakenAt:  time.Now().UTC(),
		Custody:  m.custody,
		Accounts: accounts,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: encode: %w", err)
	}

	dir := filepath.Dir(m.path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.json")
	if err != nil {
		return fmt.Errorf("snapshot: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("snapshot: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("snapshot: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		return fmt.Errorf("snapshot: rename: %w", err)
	}

	m.log.WithField("accounts", len(accounts)).
		WithField("path", m.path).
		Info("snapshot saved")
	return nil
}

// Restore loads the snapshot into the store. A missing file is not an
// error; the daemon simply starts empty. Accounts already present in the
// store win over the snapshot copy.
func (m *Manager) Restore(ctx context.Context) error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			m.log.WithField("path", m.path).Info("no snapshot found, starting empty")
			return nil
		}
		return fmt.Errorf("snapshot: read %s: %w", m.path, err)
	}

	var file snapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("snapshot: decode %s: %w", m.path, err)
	}
	if file.Version != formatVersion {
		return fmt.Errorf("snapshot: unsupported version %d in %s", file.Version, m.path)
	}
	if file.Custody != "" && file.Custody != m.custody {
		return fmt.Errorf("snapshot: %s was taken against custody account %q, not %q",
			m.path, file.Custody, m.custody)
	}

	restored := 0
	for _, acct := range file.Accounts {
		if _, err := m.store.CreateAccount(ctx, acct); err != nil {
			if errs.IsConflict(err) {
				continue
			}
			return fmt.Errorf("snapshot: restore account %s: %w", acct.Owner, err)
		}
		restored++
	}

	m.log.WithField("accounts", restored).
		WithField("taken_at", file.TakenAt.Format(time.RFC3339)).
		Info("snapshot restored")
	return nil
}
