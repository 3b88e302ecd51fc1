package store

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "bridge.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAuthorizedPageUpsertsByID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.RecordAuthorizedPage(ctx, AuthorizedPage{ID: "p1", Name: "Old", AccessToken: "t1"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.RecordAuthorizedPage(ctx, AuthorizedPage{ID: "p1", Name: "New", AccessToken: "t2"}); err != nil {
		t.Fatalf("record again: %v", err)
	}

	pages, err := s.ListAuthorizedPages(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pages) != 1 {
		t.Fatalf("expected 1 page, got %d", len(pages))
	}
	if pages[0].Name != "New" || pages[0].AccessToken != "t2" {
		t.Fatalf("upsert did not overwrite: %+v", pages[0])
	}
}

func TestRecordAuthorizedPageRequiresID(t *testing.T) {
	s := openTestStore(t)
	if err := s.RecordAuthorizedPage(context.Background(), AuthorizedPage{Name: "noid"}); err == nil {
		t.Fatal("expected error for empty page id")
	}
}

func TestAssignAndUnassignPageAreIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.RecordAuthorizedPage(ctx, AuthorizedPage{ID: "p1", Name: "Page", AccessToken: "t"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.AssignPage(ctx, "c1", "p1"); err != nil {
			t.Fatalf("assign #%d: %v", i+1, err)
		}
	}
	groups, err := s.ListChannelPageGroups(ctx)
	if err != nil {
		t.Fatalf("groups: %v", err)
	}
	if len(groups["c1"]) != 1 {
		t.Fatalf("expected one assignment, got %+v", groups["c1"])
	}

	for i := 0; i < 2; i++ {
		if err := s.UnassignPage(ctx, "c1", "p1"); err != nil {
			t.Fatalf("unassign #%d: %v", i+1, err)
		}
	}
	groups, err = s.ListChannelPageGroups(ctx)
	if err != nil {
		t.Fatalf("groups after unassign: %v", err)
	}
	if len(groups) != 0 {
		t.Fatalf("expected empty groups, got %+v", groups)
	}
}

func TestListChannelPageGroupsSkipsUnauthorizedPages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.RecordAuthorizedPage(ctx, AuthorizedPage{ID: "known", Name: "Known", AccessToken: "t"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.AssignPage(ctx, "c1", "known"); err != nil {
		t.Fatalf("assign known: %v", err)
	}
	if err := s.AssignPage(ctx, "c1", "ghost"); err != nil {
		t.Fatalf("assign ghost: %v", err)
	}
	if err := s.AssignPage(ctx, "c2", "ghost"); err != nil {
		t.Fatalf("assign ghost to c2: %v", err)
	}

	groups, err := s.ListChannelPageGroups(ctx)
	if err != nil {
		t.Fatalf("groups: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("expected only c1, got %+v", groups)
	}
	if len(groups["c1"]) != 1 || groups["c1"][0].ID != "known" {
		t.Fatalf("expected only the authorized page, got %+v", groups["c1"])
	}
}

func TestRecordDeliveryIsAtMostOncePerChannelPost(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.RecordDelivery(ctx, "c1", "m1", "post1"); err != nil {
		t.Fatalf("record delivery: %v", err)
	}
	// Second insert for the same pair is swallowed by the unique key.
	if err := s.RecordDelivery(ctx, "c1", "m2", "post1"); err != nil {
		t.Fatalf("duplicate record delivery: %v", err)
	}

	deliveries, err := s.ListDeliveries(ctx)
	if err != nil {
		t.Fatalf("list deliveries: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(deliveries))
	}
	if deliveries[0].MessageID != "m1" {
		t.Fatalf("first write should win, got %+v", deliveries[0])
	}
}

func TestIsDeliveredScopesByChannel(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.RecordDelivery(ctx, "c1", "m1", "post1"); err != nil {
		t.Fatalf("record delivery: %v", err)
	}

	delivered, err := s.IsDelivered(ctx, "c1", "post1")
	if err != nil {
		t.Fatalf("is delivered: %v", err)
	}
	if !delivered {
		t.Fatal("expected post1 delivered to c1")
	}
	delivered, err = s.IsDelivered(ctx, "c2", "post1")
	if err != nil {
		t.Fatalf("is delivered other channel: %v", err)
	}
	if delivered {
		t.Fatal("post1 must not count as delivered to c2")
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.RecordAuthorizedPage(ctx, AuthorizedPage{ID: "p1", Name: "Page", AccessToken: "t"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	pages, err := reopened.ListAuthorizedPages(ctx)
	if err != nil {
		t.Fatalf("list after reopen: %v", err)
	}
	if len(pages) != 1 || pages[0].ID != "p1" {
		t.Fatalf("state lost across reopen: %+v", pages)
	}
}
