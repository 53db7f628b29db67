package endpoint

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// historySchema mirrors the endpoint_history migration.
const historySchema = `
CREATE TABLE endpoint_history (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    endpoint_id TEXT NOT NULL,
    kind        TEXT NOT NULL,
    status      TEXT NOT NULL DEFAULT '',
    detail      TEXT NOT NULL DEFAULT '',
    created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);
CREATE INDEX idx_endpoint_history_endpoint_created
    ON endpoint_history (endpoint_id, created_at DESC);
`

func openHistoryDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec(historySchema); err != nil {
		t.Fatalf("creating schema: %v", err)
	}
	return db
}

func TestHistoryRecordStatus(t *testing.T) {
	repo := NewSQLiteHistoryRepository(openHistoryDB(t))
	ctx := context.Background()

	err := repo.RecordStatus(ctx, "PJSIP/100", StatusRinging, map[string]any{"tech": "PJSIP"})
	if err != nil {
		t.Fatalf("RecordStatus() error = %v", err)
	}

	entries, err := repo.GetHistory(ctx, "PJSIP/100", 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("GetHistory() returned %d entries, want 1", len(entries))
	}

	entry := entries[0]
	if entry.Kind != HistoryKindStatus {
		t.Errorf("Kind = %q, want %q", entry.Kind, HistoryKindStatus)
	}
	if entry.Status != StatusRinging {
		t.Errorf("Status = %q, want %q", entry.Status, StatusRinging)
	}
	if entry.Detail["tech"] != "PJSIP" {
		t.Errorf("Detail[tech] = %v, want PJSIP", entry.Detail["tech"])
	}
	if entry.CreatedAt.IsZero() {
		t.Error("CreatedAt is zero")
	}
}

func TestHistoryRecordDTMF(t *testing.T) {
	repo := NewSQLiteHistoryRepository(openHistoryDB(t))
	ctx := context.Background()

	dtmf := DTMF{Digit: "5", Direction: "Received", ReceivedAt: time.Now().UTC()}
	if err := repo.RecordDTMF(ctx, "SIP/200", dtmf); err != nil {
		t.Fatalf("RecordDTMF() error = %v", err)
	}

	entries, err := repo.GetHistory(ctx, "SIP/200", 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("GetHistory() returned %d entries, want 1", len(entries))
	}

	entry := entries[0]
	if entry.Kind != HistoryKindDTMF {
		t.Errorf("Kind = %q, want %q", entry.Kind, HistoryKindDTMF)
	}
	if entry.Detail["digit"] != "5" {
		t.Errorf("Detail[digit] = %v, want 5", entry.Detail["digit"])
	}
	if entry.Detail["direction"] != "Received" {
		t.Errorf("Detail[direction] = %v, want Received", entry.Detail["direction"])
	}
}

func TestHistoryRequiresEndpointID(t *testing.T) {
	repo := NewSQLiteHistoryRepository(openHistoryDB(t))
	ctx := context.Background()

	if err := repo.RecordStatus(ctx, "", StatusIdle, nil); err == nil {
		t.Error("RecordStatus() with empty id should fail")
	}
	if err := repo.RecordDTMF(ctx, "", DTMF{Digit: "1"}); err == nil {
		t.Error("RecordDTMF() with empty id should fail")
	}
	if _, err := repo.GetHistory(ctx, "", 10); err == nil {
		t.Error("GetHistory() with empty id should fail")
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	db := openHistoryDB(t)
	repo := NewSQLiteHistoryRepository(db)
	ctx := context.Background()

	// Insert with explicit timestamps so ordering doesn't depend on
	// sub-second clock resolution.
	timestamps := []string{
		"2026-08-01T10:00:00Z",
		"2026-08-01T10:05:00Z",
		"2026-08-01T10:10:00Z",
	}
	statuses := []Status{StatusIdle, StatusRinging, StatusInUse}
	for i, ts := range timestamps {
		_, err := db.ExecContext(ctx,
			"INSERT INTO endpoint_history (endpoint_id, kind, status, detail, created_at) VALUES (?, ?, ?, '', ?)",
			"PJSIP/100", HistoryKindStatus, string(statuses[i]), ts,
		)
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	entries, err := repo.GetHistory(ctx, "PJSIP/100", 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("GetHistory() returned %d entries, want 3", len(entries))
	}

	want := []Status{StatusInUse, StatusRinging, StatusIdle}
	for i, entry := range entries {
		if entry.Status != want[i] {
			t.Errorf("entries[%d].Status = %q, want %q", i, entry.Status, want[i])
		}
	}
}

func TestHistoryLimitClamped(t *testing.T) {
	repo := NewSQLiteHistoryRepository(openHistoryDB(t))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := repo.RecordStatus(ctx, "PJSIP/100", StatusIdle, nil); err != nil {
			t.Fatalf("RecordStatus() error = %v", err)
		}
	}

	entries, err := repo.GetHistory(ctx, "PJSIP/100", 2)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("GetHistory(limit=2) returned %d entries, want 2", len(entries))
	}

	// Zero limit falls back to the default, which covers all 5 rows.
	entries, err = repo.GetHistory(ctx, "PJSIP/100", 0)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 5 {
		t.Errorf("GetHistory(limit=0) returned %d entries, want 5", len(entries))
	}
}

func TestHistoryPrune(t *testing.T) {
	db := openHistoryDB(t)
	repo := NewSQLiteHistoryRepository(db)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour).Format(time.RFC3339)
	_, err := db.ExecContext(ctx,
		"INSERT INTO endpoint_history (endpoint_id, kind, status, detail, created_at) VALUES (?, ?, ?, '', ?)",
		"PJSIP/100", HistoryKindStatus, string(StatusIdle), old,
	)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := repo.RecordStatus(ctx, "PJSIP/100", StatusRinging, nil); err != nil {
		t.Fatalf("RecordStatus() error = %v", err)
	}

	deleted, err := repo.PruneHistory(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("PruneHistory() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("PruneHistory() deleted %d rows, want 1", deleted)
	}

	entries, err := repo.GetHistory(ctx, "PJSIP/100", 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("GetHistory() returned %d entries after prune, want 1", len(entries))
	}
	if entries[0].Status != StatusRinging {
		t.Errorf("surviving entry status = %q, want %q", entries[0].Status, StatusRinging)
	}

	if _, err := repo.PruneHistory(ctx, 0); err == nil {
		t.Error("PruneHistory(0) should fail")
	}
}
