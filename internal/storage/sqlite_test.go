package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"orderbot/internal/directory"
	"orderbot/internal/transport"
	"orderbot/pkg/logx"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{Path: filepath.Join(t.TempDir(), "ledger.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOrderStatusRoundTrip(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.OrderStatus(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing order err = %v, want ErrNotFound", err)
	}

	if err := db.SetOrderStatus(ctx, 1, "processing"); err != nil {
		t.Fatalf("SetOrderStatus error: %v", err)
	}
	st, err := db.OrderStatus(ctx, 1)
	if err != nil || st != "processing" {
		t.Fatalf("OrderStatus = %q, %v", st, err)
	}

	if err := db.SetOrderStatus(ctx, 2, "processing"); err != nil {
		t.Fatalf("SetOrderStatus error: %v", err)
	}
	if err := db.SetOrderStatus(ctx, 1, "delivered"); err != nil {
		t.Fatalf("SetOrderStatus error: %v", err)
	}
	ids, err := db.OrdersInStatus(ctx, "processing")
	if err != nil {
		t.Fatalf("OrdersInStatus error: %v", err)
	}
	if len(ids) != 1 || ids[0] != 2 {
		t.Fatalf("OrdersInStatus = %v, want [2]", ids)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.Setting(ctx, "escalation.interval"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing setting err = %v, want ErrNotFound", err)
	}
	if err := db.PutSetting(ctx, "escalation.interval", "10m"); err != nil {
		t.Fatalf("PutSetting error: %v", err)
	}
	if err := db.PutSetting(ctx, "escalation.interval", "15m"); err != nil {
		t.Fatalf("PutSetting upsert error: %v", err)
	}
	v, err := db.Setting(ctx, "escalation.interval")
	if err != nil || v != "15m" {
		t.Fatalf("Setting = %q, %v", v, err)
	}
}

func TestDirectoryQueries(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	if err := db.UpsertUser(ctx, 10, "north", now); err != nil {
		t.Fatalf("UpsertUser error: %v", err)
	}
	if err := db.UpsertUser(ctx, 11, "south", now.Add(-48*time.Hour)); err != nil {
		t.Fatalf("UpsertUser error: %v", err)
	}
	if err := db.UpsertStaff(ctx, 20, "courier", true); err != nil {
		t.Fatalf("UpsertStaff error: %v", err)
	}
	if err := db.UpsertStaff(ctx, 21, "courier", false); err != nil {
		t.Fatalf("UpsertStaff error: %v", err)
	}

	all, err := db.RecipientsAll(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("RecipientsAll = %v, %v", all, err)
	}
	active, err := db.RecipientsActiveSince(ctx, now.Add(-24*time.Hour))
	if err != nil || len(active) != 1 || active[0] != 10 {
		t.Fatalf("RecipientsActiveSince = %v, %v", active, err)
	}
	north, err := db.RecipientsByRegion(ctx, "north")
	if err != nil || len(north) != 1 || north[0] != 10 {
		t.Fatalf("RecipientsByRegion = %v, %v", north, err)
	}
	staff, err := db.ActiveStaff(ctx, "courier")
	if err != nil || len(staff) != 1 || staff[0] != 20 {
		t.Fatalf("ActiveStaff = %v, %v (inactive staff must be excluded)", staff, err)
	}
}

func TestBroadcastJobLifecycle(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	job := BroadcastJob{
		ID: "job-1",
		Payload: transport.Payload{
			Text:     "big sale",
			PhotoURL: "https://example.com/sale.png",
			Buttons:  []transport.LinkButton{{Label: "Open", URL: "https://example.com"}},
		},
		Selector:  directory.ActiveSince(7),
		Status:    JobPending,
		CreatedAt: time.Now(),
	}
	if err := db.CreateBroadcast(ctx, job); err != nil {
		t.Fatalf("CreateBroadcast error: %v", err)
	}

	got, err := db.Broadcast(ctx, "job-1")
	if err != nil {
		t.Fatalf("Broadcast error: %v", err)
	}
	if got.Payload.Text != "big sale" || got.Payload.PhotoURL == "" || len(got.Payload.Buttons) != 1 {
		t.Fatalf("payload did not round-trip: %+v", got.Payload)
	}
	if got.Selector.Kind != directory.KindActiveSince || got.Selector.Days != 7 {
		t.Fatalf("selector did not round-trip: %+v", got.Selector)
	}
	if got.Status != JobPending || !got.CompletedAt.IsZero() {
		t.Fatalf("fresh job = %+v, want pending without completion time", got)
	}

	if err := db.SetBroadcastTotal(ctx, "job-1", 40); err != nil {
		t.Fatalf("SetBroadcastTotal error: %v", err)
	}
	if err := db.SetBroadcastProgress(ctx, "job-1", 10, JobPending, time.Time{}); err != nil {
		t.Fatalf("checkpoint error: %v", err)
	}
	done := time.Now()
	if err := db.SetBroadcastProgress(ctx, "job-1", 38, JobCompleted, done); err != nil {
		t.Fatalf("final progress error: %v", err)
	}

	got, err = db.Broadcast(ctx, "job-1")
	if err != nil {
		t.Fatalf("Broadcast error: %v", err)
	}
	if got.Total != 40 || got.Sent != 38 || got.Status != JobCompleted || got.CompletedAt.IsZero() {
		t.Fatalf("final job = %+v", got)
	}

	if _, err := db.Broadcast(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing job err = %v, want ErrNotFound", err)
	}
}

func TestListBroadcastsNewestFirst(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 3; i++ {
		job := BroadcastJob{
			ID:        "job-" + string(rune('a'+i)),
			Payload:   transport.Payload{Text: "x"},
			Selector:  directory.AllUsers(),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := db.CreateBroadcast(ctx, job); err != nil {
			t.Fatalf("CreateBroadcast error: %v", err)
		}
	}

	jobs, err := db.ListBroadcasts(ctx, 2)
	if err != nil {
		t.Fatalf("ListBroadcasts error: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("len = %d, want 2", len(jobs))
	}
	if jobs[0].ID != "job-c" || jobs[1].ID != "job-b" {
		t.Fatalf("order = %s,%s, want job-c,job-b", jobs[0].ID, jobs[1].ID)
	}
}
