// Package postgres implements the account store on PostgreSQL. Beneficiary
// lists, trusted parties, and history travel as JSONB so the row layout is
// stable while those structures evolve.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/edwardtay/deadman-switch/internal/app/domain/deadman"
	"github.com/edwardtay/deadman-switch/internal/app/errs"
	"github.com/edwardtay/deadman-switch/pkg/logger"
)

// uniqueViolation is the postgres error code for duplicate primary keys.
const uniqueViolation = "23505"

// Store is the PostgreSQL-backed account store.
type Store struct {
	db  *sqlx.DB
	log *logger.Logger
}

// New wraps an open connection pool. Call Migrate before first use.
func New(db *sqlx.DB, log *logger.Logger) *Store {
	if log == nil {
		log = logger.NewDefault("postgres")
	}
	return &Store{db: db, log: log}
}

// PoolConfig bounds the connection pool. Zero values leave the driver
// defaults in place.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func applyPool(db *sqlx.DB, pool PoolConfig) {
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
}

// Open connects to postgres, applies the pool bounds, and verifies the
// connection.
func Open(ctx context.Context, dsn string, pool PoolConfig, log *logger.Logger) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	applyPool(db, pool)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db, log), nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

type accountRow struct {
	Owner             string         `db:"owner"`
	LastHeartbeat     time.Time      `db:"last_heartbeat"`
	TimeoutInterval   uint64         `db:"timeout_interval_seconds"`
	GraceInterval     uint64         `db:"grace_interval_seconds"`
	TimeoutDetectedAt sql.NullTime   `db:"timeout_detected_at"`
	PrimaryBen        string         `db:"primary_beneficiary"`
	Beneficiaries     []byte         `db:"beneficiaries"`
	Balance           int64          `db:"balance"`
	TrustedParties    pq.StringArray `db:"trusted_parties"`
	History           []byte         `db:"history"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

const accountColumns = `owner, last_heartbeat, timeout_interval_seconds, grace_interval_seconds,
	timeout_detected_at, primary_beneficiary, beneficiaries, balance, trusted_parties, history,
	created_at, updated_at`

func toRow(acct deadman.Account) (accountRow, error) {
	beneficiaries, err := json.Marshal(acct.Beneficiaries)
	if err != nil {
		return accountRow{}, fmt.Errorf("encode beneficiaries: %w", err)
	}
	history, err := json.Marshal(acct.History)
	if err != nil {
		return accountRow{}, fmt.Errorf("encode history: %w", err)
	}

	row := accountRow{
		Owner:           acct.Owner,
		LastHeartbeat:   acct.LastHeartbeat,
		TimeoutInterval: acct.TimeoutInterval,
		GraceInterval:   acct.GraceInterval,
		PrimaryBen:      acct.PrimaryBeneficiary,
		Beneficiaries:   beneficiaries,
		Balance:         int64(acct.Balance),
		TrustedParties:  pq.StringArray(acct.TrustedParties),
		History:         history,
		CreatedAt:       acct.CreatedAt,
		UpdatedAt:       acct.UpdatedAt,
	}
	if acct.TimeoutDetectedAt != nil {
		row.TimeoutDetectedAt = sql.NullTime{Time: *acct.TimeoutDetectedAt, Valid: true}
	}
	return row, nil
}

func (r accountRow) toDomain() (deadman.Account, error) {
	acct := deadman.Account{
		Owner:              r.Owner,
		LastHeartbeat:      r.LastHeartbeat,
		TimeoutInterval:    r.TimeoutInterval,
		GraceInterval:      r.GraceInterval,
		PrimaryBeneficiary: r.PrimaryBen,
		Balance:            uint64(r.Balance),
		TrustedParties:     []string(r.TrustedParties),
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if r.TimeoutDetectedAt.Valid {
		t := r.TimeoutDetectedAt.Time
		acct.TimeoutDetectedAt = &t
	}
	if len(r.Beneficiaries) > 0 {
		if err := json.Unmarshal(r.Beneficiaries, &acct.Beneficiaries); err != nil {
			return deadman.Account{}, fmt.Errorf("decode beneficiaries for %s: %w", r.Owner, err)
		}
	}
	if len(r.History) > 0 {
		if err := json.Unmarshal(r.History, &acct.History); err != nil {
			return deadman.Account{}, fmt.Errorf("decode history for %s: %w", r.Owner, err)
		}
	}
	return acct, nil
}

// CreateAccount inserts a new account; a duplicate owner maps to a conflict
// error.
func (s *Store) CreateAccount(ctx context.Context, acct deadman.Account) (deadman.Account, error) {
	now := time.Now().UTC()
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = now
	}
	acct.UpdatedAt = now

	row, err := toRow(acct)
	if err != nil {
		return deadman.Account{}, err
	}

	_, err = s.db.NamedExecContext(ctx, `INSERT INTO accounts (`+accountColumns+`) VALUES (
		:owner, :last_heartbeat, :timeout_interval_seconds, :grace_interval_seconds,
		:timeout_detected_at, :primary_beneficiary, :beneficiaries, :balance, :trusted_parties, :history,
		:created_at, :updated_at)`, row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return deadman.Account{}, errs.NewConflictError("account", acct.Owner, "already registered")
		}
		return deadman.Account{}, fmt.Errorf("insert account %s: %w", acct.Owner, err)
	}
	return acct, nil
}

// UpdateAccount replaces the stored row; the original created_at is kept.
func (s *Store) UpdateAccount(ctx context.Context, acct deadman.Account) (deadman.Account, error) {
	acct.UpdatedAt = time.Now().UTC()

	row, err := toRow(acct)
	if err != nil {
		return deadman.Account{}, err
	}

	res, err := s.db.NamedExecContext(ctx, `UPDATE accounts SET
		last_heartbeat = :last_heartbeat,
		timeout_interval_seconds = :timeout_interval_seconds,
		grace_interval_seconds = :grace_interval_seconds,
		timeout_detected_at = :timeout_detected_at,
		primary_beneficiary = :primary_beneficiary,
		beneficiaries = :beneficiaries,
		balance = :balance,
		trusted_parties = :trusted_parties,
		history = :history,
		updated_at = :updated_at
		WHERE owner = :owner`, row)
	if err != nil {
		return deadman.Account{}, fmt.Errorf("update account %s: %w", acct.Owner, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return deadman.Account{}, fmt.Errorf("update account %s: %w", acct.Owner, err)
	}
	if affected == 0 {
		return deadman.Account{}, errs.NewNotFoundError("account", acct.Owner)
	}
	return acct, nil
}

// GetAccount fetches one account by owner.
func (s *Store) GetAccount(ctx context.Context, owner string) (deadman.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, `SELECT `+accountColumns+` FROM accounts WHERE owner = $1`, owner)
	if errors.Is(err, sql.ErrNoRows) {
		return deadman.Account{}, errs.NewNotFoundError("account", owner)
	}
	if err != nil {
		return deadman.Account{}, fmt.Errorf("get account %s: %w", owner, err)
	}
	return row.toDomain()
}

// ListAccounts returns every account ordered by owner.
func (s *Store) ListAccounts(ctx context.Context) ([]deadman.Account, error) {
	var rows []accountRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+accountColumns+` FROM accounts ORDER BY owner`); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	accounts := make([]deadman.Account, 0, len(rows))
	for _, r := range rows {
		acct, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, nil
}

// DeleteAccount removes an account permanently.
func (s *Store) DeleteAccount(ctx context.Context, owner string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE owner = $1`, owner)
	if err != nil {
		return fmt.Errorf("delete account %s: %w", owner, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete account %s: %w", owner, err)
	}
	if affected == 0 {
		return errs.NewNotFoundError("account", owner)
	}
	return nil
}
