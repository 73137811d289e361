package store

import (
	"context"
	"path/filepath"
	"testing"
)

func TestRecordAndListSessions(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	st, err := New(dbPath)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	sess := Session{
		ID:            "sess-1",
		CarCode:       100,
		StartedAt:     1_700_000_000_000,
		EndedAt:       1_700_000_600_000,
		PacketCount:   36_000,
		BestLapMs:     101823,
		FinalLapCount: 5,
		NDJSONPath:    "/data/1700000000_car-100.ndjson",
		MetaPath:      "/data/1700000000_car-100.meta.json",
	}
	if err := st.RecordSession(ctx, sess); err != nil {
		t.Fatalf("record session: %v", err)
	}

	got, ok, err := st.GetSession(ctx, "sess-1")
	if err != nil || !ok {
		t.Fatalf("get session: ok=%v err=%v", ok, err)
	}
	if got.CarCode != 100 || got.BestLapMs != 101823 {
		t.Fatalf("unexpected session identity: %#v", got)
	}

	list, err := st.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(list) != 1 || list[0].ID != "sess-1" {
		t.Fatalf("expected 1 session in listing, got %#v", list)
	}
}

func TestRecordSessionUpsertsOnConflict(t *testing.T) {
	t.Parallel()

	st, err := New(":memory:")
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	sess := Session{ID: "sess-1", CarCode: 100, StartedAt: 1000, EndedAt: 2000, PacketCount: 10, BestLapMs: -1, NDJSONPath: "a", MetaPath: "b"}
	if err := st.RecordSession(ctx, sess); err != nil {
		t.Fatalf("initial record: %v", err)
	}

	sess.EndedAt = 3000
	sess.PacketCount = 20
	sess.BestLapMs = 95000
	if err := st.RecordSession(ctx, sess); err != nil {
		t.Fatalf("upsert record: %v", err)
	}

	got, ok, err := st.GetSession(ctx, "sess-1")
	if err != nil || !ok {
		t.Fatalf("get session: ok=%v err=%v", ok, err)
	}
	if got.EndedAt != 3000 || got.PacketCount != 20 || got.BestLapMs != 95000 {
		t.Fatalf("expected upserted fields, got %#v", got)
	}
}

func TestSettingsGetSetDelete(t *testing.T) {
	t.Parallel()

	st, err := New(":memory:")
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	if _, ok, err := st.GetSetting(ctx, "engineer_enabled"); err != nil || ok {
		t.Fatalf("expected missing setting, got ok=%v err=%v", ok, err)
	}

	if err := st.SetSetting(ctx, "engineer_enabled", "true"); err != nil {
		t.Fatalf("set setting: %v", err)
	}
	val, ok, err := st.GetSetting(ctx, "engineer_enabled")
	if err != nil || !ok || val != "true" {
		t.Fatalf("expected true, got val=%q ok=%v err=%v", val, ok, err)
	}

	if err := st.DeleteSetting(ctx, "engineer_enabled"); err != nil {
		t.Fatalf("delete setting: %v", err)
	}
	if _, ok, _ := st.GetSetting(ctx, "engineer_enabled"); ok {
		t.Fatal("expected setting removed after delete")
	}
}

func TestListSessionsOrdersNewestFirst(t *testing.T) {
	t.Parallel()

	st, err := New(":memory:")
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	for i, id := range []string{"old", "mid", "new"} {
		sess := Session{ID: id, CarCode: 1, StartedAt: int64(1000 * (i + 1)), EndedAt: int64(2000 * (i + 1)), BestLapMs: -1}
		if err := st.RecordSession(ctx, sess); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}

	list, err := st.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(list) != 3 || list[0].ID != "new" || list[2].ID != "old" {
		t.Fatalf("expected newest-first ordering, got %#v", list)
	}
}
