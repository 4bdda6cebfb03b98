package audit_test

import (
	"context"
	"testing"
	"time"

	"stocktrail.org/internal/audit"
	"stocktrail.org/internal/store/mem"
)

func TestRecordFillsServerFields(t *testing.T) {
	store := mem.NewStore()
	at := time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)
	rec := audit.NewRecorder(store.Audit()).WithClock(func() time.Time { return at })

	ctx := audit.WithRequestID(context.Background(), "req-123")
	ctx = audit.WithClientMeta(ctx, audit.ClientMeta{IP: "10.1.2.3", UserAgent: "curl/8.0"})

	e := &audit.Entry{ActorID: "u1", Action: "authz.test", Outcome: audit.OutcomeAllow}
	if err := rec.Record(ctx, e); err != nil {
		t.Fatal(err)
	}
	if !e.OccurredAt.Equal(at) {
		t.Fatalf("occurred_at=%v", e.OccurredAt)
	}
	if e.RequestID != "req-123" || e.IP != "10.1.2.3" || e.UserAgent != "curl/8.0" {
		t.Fatalf("entry=%+v", e)
	}
	if e.Seq == 0 {
		t.Fatal("store did not assign a sequence")
	}
}

func TestRecordIgnoresEmptyAction(t *testing.T) {
	store := mem.NewStore()
	rec := audit.NewRecorder(store.Audit())
	ctx := context.Background()

	if err := rec.Record(ctx, &audit.Entry{ActorID: "u1"}); err != nil {
		t.Fatal(err)
	}
	if err := rec.Record(ctx, nil); err != nil {
		t.Fatal(err)
	}
	entries, err := rec.Search(ctx, audit.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("entries=%d, want 0", len(entries))
	}
}

func TestSearchFilters(t *testing.T) {
	store := mem.NewStore()
	rec := audit.NewRecorder(store.Audit())
	ctx := context.Background()

	base := time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)
	seed := []*audit.Entry{
		{ActorID: "u1", OrgID: "o1", Action: "authz.membership.grant", Outcome: audit.OutcomeChange, OccurredAt: base},
		{ActorID: "u1", OrgID: "o2", Action: "data.export", Outcome: audit.OutcomeAllow, OccurredAt: base.Add(time.Minute)},
		{ActorID: "u2", OrgID: "o1", Action: "authz.org.suspend", Outcome: audit.OutcomeChange, OccurredAt: base.Add(2 * time.Minute)},
	}
	for _, e := range seed {
		if err := rec.Record(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	byActor, _ := rec.Search(ctx, audit.Filter{ActorID: "u1"})
	if len(byActor) != 2 {
		t.Fatalf("by actor=%d, want 2", len(byActor))
	}
	byPrefix, _ := rec.Search(ctx, audit.Filter{Action: "authz."})
	if len(byPrefix) != 2 {
		t.Fatalf("by prefix=%d, want 2", len(byPrefix))
	}
	byWindow, _ := rec.Search(ctx, audit.Filter{From: base.Add(30 * time.Second), To: base.Add(90 * time.Second)})
	if len(byWindow) != 1 || byWindow[0].Action != "data.export" {
		t.Fatalf("by window=%+v", byWindow)
	}
	limited, _ := rec.Search(ctx, audit.Filter{Limit: 1})
	if len(limited) != 1 {
		t.Fatalf("limited=%d", len(limited))
	}
}

func TestEntriesObservableInWriteOrder(t *testing.T) {
	store := mem.NewStore()
	rec := audit.NewRecorder(store.Audit())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := rec.Record(ctx, &audit.Entry{ActorID: "u1", Action: "authz.test", Outcome: audit.OutcomeAllow}); err != nil {
			t.Fatal(err)
		}
	}
	entries, _ := rec.Search(ctx, audit.Filter{ActorID: "u1"})
	var last uint64
	for _, e := range entries {
		if e.Seq <= last {
			t.Fatalf("sequence not strictly increasing: %d after %d", e.Seq, last)
		}
		last = e.Seq
	}
}
