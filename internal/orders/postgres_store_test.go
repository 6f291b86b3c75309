//go:build integration

package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/keygate/internal/idgen"
	"github.com/mbd888/keygate/internal/testutil"
)

func newPGOrder(subjectID string) *Order {
	return &Order{
		ID:        idgen.WithPrefix("ord_"),
		SubjectID: subjectID,
		ServerID:  "server-1",
		PlanID:    "monthly",
		Protocol:  "trojan",
		Amount:    5000,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

func TestPostgresOrders_CreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	order := newPGOrder("100")
	if err := store.Create(ctx, order); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, order.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SubjectID != "100" || got.Status != StatusPending || got.Amount != 5000 {
		t.Errorf("got %+v", got)
	}
	if got.ResolvedAt != nil {
		t.Errorf("ResolvedAt = %v, want nil", got.ResolvedAt)
	}

	if _, err := store.Get(ctx, "ord_missing000000000000000000"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("missing order: err = %v, want ErrOrderNotFound", err)
	}
}

func TestPostgresOrders_TransitionFromPending(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	order := newPGOrder("100")
	if err := store.Create(ctx, order); err != nil {
		t.Fatalf("Create: %v", err)
	}

	won, err := store.TransitionFromPending(ctx, order.ID, StatusApproved, "admin1", time.Now().UTC())
	if err != nil {
		t.Fatalf("TransitionFromPending: %v", err)
	}
	if !won {
		t.Fatal("first transition should win")
	}

	// Second transition loses: the row is no longer pending.
	won, err = store.TransitionFromPending(ctx, order.ID, StatusRejected, "admin2", time.Now().UTC())
	if err != nil {
		t.Fatalf("second TransitionFromPending: %v", err)
	}
	if won {
		t.Fatal("second transition must lose")
	}

	got, _ := store.Get(ctx, order.ID)
	if got.Status != StatusApproved || got.ResolvedBy != "admin1" || got.ResolvedAt == nil {
		t.Errorf("got %+v, want approved by admin1", got)
	}
}

func TestPostgresOrders_SetColumns(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	order := newPGOrder("100")
	if err := store.Create(ctx, order); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.SetScreenshot(ctx, order.ID, "abc123"); err != nil {
		t.Fatalf("SetScreenshot: %v", err)
	}
	if err := store.SetKeyRef(ctx, order.ID, "client-7"); err != nil {
		t.Fatalf("SetKeyRef: %v", err)
	}
	got, _ := store.Get(ctx, order.ID)
	if got.ScreenshotFP != "abc123" || got.KeyRef != "client-7" {
		t.Errorf("got %+v", got)
	}

	if err := store.SetScreenshot(ctx, "ord_missing000000000000000000", "x"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("missing order: err = %v, want ErrOrderNotFound", err)
	}
}

func TestPostgresOrders_Queries(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		o := newPGOrder("100")
		o.CreatedAt = now.Add(time.Duration(-i) * time.Minute)
		if err := store.Create(ctx, o); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	other := newPGOrder("999")
	if err := store.Create(ctx, other); err != nil {
		t.Fatalf("Create: %v", err)
	}

	list, err := store.ListBySubject(ctx, "100", 10)
	if err != nil {
		t.Fatalf("ListBySubject: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("got %d orders, want 3", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].CreatedAt.After(list[i-1].CreatedAt) {
			t.Error("orders not sorted newest first")
		}
	}

	times, err := store.CreationTimesSince(ctx, "100", now.Add(-90*time.Second))
	if err != nil {
		t.Fatalf("CreationTimesSince: %v", err)
	}
	if len(times) != 2 {
		t.Errorf("got %d creation times, want 2", len(times))
	}
}

func TestPostgresOrders_StaleAndRejected(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	old := newPGOrder("100")
	old.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	fresh := newPGOrder("100")
	for _, o := range []*Order{old, fresh} {
		if err := store.Create(ctx, o); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	stale, err := store.ListStalePending(ctx, time.Now().UTC().Add(-24*time.Hour), 10)
	if err != nil {
		t.Fatalf("ListStalePending: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != old.ID {
		t.Errorf("stale = %v, want only the old order", stale)
	}

	if _, err := store.TransitionFromPending(ctx, fresh.ID, StatusRejected, "admin1", time.Now().UTC()); err != nil {
		t.Fatalf("reject: %v", err)
	}
	n, err := store.CountRejectedSince(ctx, "100", time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountRejectedSince: %v", err)
	}
	if n != 1 {
		t.Errorf("rejected count = %d, want 1", n)
	}
}
