package memory

import (
	"context"
	"testing"
	"time"

	"github.com/edwardtay/deadman-switch/internal/app/domain/deadman"
	"github.com/edwardtay/deadman-switch/internal/app/errs"
)

func TestCreateGetDelete(t *testing.T) {
	store := New()
	ctx := context.Background()

	acct := deadman.Account{
		Owner:              "alice",
		LastHeartbeat:      time.Now().UTC(),
		TimeoutInterval:    3600,
		GraceInterval:      deadman.DefaultGracePeriod,
		PrimaryBeneficiary: "bob",
	}

	created, err := store.CreateAccount(ctx, acct)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
		t.Fatalf("timestamps not set: %+v", created)
	}

	if _, err := store.CreateAccount(ctx, acct); !errs.IsConflict(err) {
		t.Fatalf("expected conflict on double insert, got %v", err)
	}

	got, err := store.GetAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PrimaryBeneficiary != "bob" {
		t.Fatalf("unexpected account: %+v", got)
	}

	if err := store.DeleteAccount(ctx, "alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetAccount(ctx, "alice"); !errs.IsNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := store.DeleteAccount(ctx, "alice"); !errs.IsNotFound(err) {
		t.Fatalf("expected not found on double delete, got %v", err)
	}
}

func TestUpdateRequiresExisting(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.UpdateAccount(ctx, deadman.Account{Owner: "ghost"}); !errs.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	acct, err := store.CreateAccount(ctx, deadman.Account{Owner: "alice", TimeoutInterval: 60})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	acct.Balance = 500
	updated, err := store.UpdateAccount(ctx, acct)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Balance != 500 {
		t.Fatalf("update not applied: %+v", updated)
	}
	if !updated.CreatedAt.Equal(acct.CreatedAt) {
		t.Fatalf("created_at must be preserved")
	}
}

func TestListIsSnapshot(t *testing.T) {
	store := New()
	ctx := context.Background()

	for _, owner := range []string{"carol", "alice", "bob"} {
		if _, err := store.CreateAccount(ctx, deadman.Account{Owner: owner, TimeoutInterval: 60}); err != nil {
			t.Fatalf("create %s: %v", owner, err)
		}
	}

	list, err := store.ListAccounts(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].Owner != "alice" || list[2].Owner != "carol" {
		t.Fatalf("unexpected list: %+v", list)
	}

	// Mutating the store after listing must not show through the snapshot.
	acct := list[1]
	acct.Balance = 999
	if _, err := store.UpdateAccount(ctx, acct); err != nil {
		t.Fatalf("update: %v", err)
	}
	if list[1].Balance != 0 {
		t.Fatalf("snapshot aliased live state")
	}
}
