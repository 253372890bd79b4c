package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/edwardtay/deadman-switch/internal/app/domain/deadman"
	"github.com/edwardtay/deadman-switch/internal/app/errs"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "sqlmock"), nil), mock
}

func accountRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"owner", "last_heartbeat", "timeout_interval_seconds", "grace_interval_seconds",
		"timeout_detected_at", "primary_beneficiary", "beneficiaries", "balance",
		"trusted_parties", "history", "created_at", "updated_at",
	})
}

func TestGetAccount(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Unix(1000, 0).UTC()

	mock.ExpectQuery("SELECT (.+) FROM accounts WHERE owner").
		WithArgs("alice").
		WillReturnRows(accountRows().AddRow(
			"alice", now, int64(300), int64(60), nil, "bob",
			[]byte(`[{"recipient":"bob","percentage":60},{"recipient":"carol","percentage":40}]`),
			int64(1500), []byte(`{trent}`),
			[]byte(`[{"timestamp":"2026-01-01T00:00:00Z","type":"register","details":"registered"}]`),
			now, now,
		))

	acct, err := store.GetAccount(context.Background(), "alice")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acct.Balance != 1500 {
		t.Fatalf("balance = %d, want 1500", acct.Balance)
	}
	if len(acct.Beneficiaries) != 2 || acct.Beneficiaries[1].Percentage != 40 {
		t.Fatalf("beneficiaries = %+v", acct.Beneficiaries)
	}
	if len(acct.TrustedParties) != 1 || acct.TrustedParties[0] != "trent" {
		t.Fatalf("trusted parties = %v", acct.TrustedParties)
	}
	if acct.TimeoutDetectedAt != nil {
		t.Fatal("expected nil detection marker")
	}
	if len(acct.History) != 1 || acct.History[0].Type != deadman.EventRegister {
		t.Fatalf("history = %+v", acct.History)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGetAccountNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM accounts WHERE owner").
		WithArgs("ghost").
		WillReturnRows(accountRows())

	if _, err := store.GetAccount(context.Background(), "ghost"); !errs.IsNotFound(err) {
		t.Fatalf("got %v, want not-found error", err)
	}
}

func TestCreateAccountDuplicateMapsToConflict(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO accounts").
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := store.CreateAccount(context.Background(), deadman.Account{Owner: "alice"})
	if !errs.IsConflict(err) {
		t.Fatalf("got %v, want conflict error", err)
	}
}

func TestUpdateAccountNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE accounts SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := store.UpdateAccount(context.Background(), deadman.Account{Owner: "ghost"})
	if !errs.IsNotFound(err) {
		t.Fatalf("got %v, want not-found error", err)
	}
}

func TestDeleteAccount(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM accounts WHERE owner").
		WithArgs("alice").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM accounts WHERE owner").
		WithArgs("alice").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	if err := store.DeleteAccount(ctx, "alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteAccount(ctx, "alice"); !errs.IsNotFound(err) {
		t.Fatalf("second delete: got %v, want not-found error", err)
	}
}

func TestListAccountsOrdered(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Unix(1000, 0).UTC()
	mock.ExpectQuery("SELECT (.+) FROM accounts ORDER BY owner").
		WillReturnRows(accountRows().
			AddRow("alice", now, int64(300), int64(60), nil, "", []byte(`[]`), int64(0), []byte(`{}`), []byte(`[]`), now, now).
			AddRow("bob", now, int64(100), int64(0), now, "", []byte(`[]`), int64(50), []byte(`{}`), []byte(`[]`), now, now))

	accounts, err := store.ListAccounts(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(accounts) != 2 || accounts[0].Owner != "alice" || accounts[1].Owner != "bob" {
		t.Fatalf("accounts = %+v", accounts)
	}
	if accounts[1].TimeoutDetectedAt == nil {
		t.Fatal("bob's detection marker lost in mapping")
	}
}

func TestApplyPoolBoundsConnections(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	sdb := sqlx.NewDb(db, "sqlmock")

	applyPool(sdb, PoolConfig{MaxOpenConns: 7, MaxIdleConns: 3, ConnMaxLifetime: time.Minute})
	if got := sdb.Stats().MaxOpenConnections; got != 7 {
		t.Fatalf("max open connections = %d, want 7", got)
	}

	// Zero values must leave the pool untouched.
	applyPool(sdb, PoolConfig{})
	if got := sdb.Stats().MaxOpenConnections; got != 7 {
		t.Fatalf("max open connections after zero config = %d, want 7", got)
	}
}

func TestMigrateAppliesPendingVersions(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(1))
	// Version 1 is already applied; only version 2 runs.
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_accounts_timeout_detected_at").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_migrations").
		WithArgs(2).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
