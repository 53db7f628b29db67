package endpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// SQLiteHistoryRepository implements HistoryRepository using SQLite.
//
// Transition details are stored as JSON in the endpoint_history table.
type SQLiteHistoryRepository struct {
	db *sql.DB
}

// Ensure SQLiteHistoryRepository implements HistoryRepository.
var _ HistoryRepository = (*SQLiteHistoryRepository)(nil)

// NewSQLiteHistoryRepository creates a new SQLite history repository.
//
// Parameters:
//   - db: Open SQLite connection used for queries
//
// Returns:
//   - *SQLiteHistoryRepository: Repository instance ready for use
func NewSQLiteHistoryRepository(db *sql.DB) *SQLiteHistoryRepository {
	return &SQLiteHistoryRepository{db: db}
}

// RecordStatus inserts a status transition for an endpoint.
func (r *SQLiteHistoryRepository) RecordStatus(ctx context.Context, endpointID string, status Status, detail map[string]any) error {
	if endpointID == "" {
		return fmt.Errorf("endpoint id is required")
	}
	return r.insert(ctx, endpointID, HistoryKindStatus, string(status), detail)
}

// RecordDTMF inserts a DTMF digit record for an endpoint.
func (r *SQLiteHistoryRepository) RecordDTMF(ctx context.Context, endpointID string, dtmf DTMF) error {
	if endpointID == "" {
		return fmt.Errorf("endpoint id is required")
	}
	detail := map[string]any{
		"digit":     dtmf.Digit,
		"direction": dtmf.Direction,
	}
	return r.insert(ctx, endpointID, HistoryKindDTMF, "", detail)
}

func (r *SQLiteHistoryRepository) insert(ctx context.Context, endpointID, kind, status string, detail map[string]any) error {
	var detailJSON string
	if detail != nil {
		data, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("marshalling detail: %w", err)
		}
		detailJSON = string(data)
	}

	_, err := r.db.ExecContext(ctx,
		"INSERT INTO endpoint_history (endpoint_id, kind, status, detail) VALUES (?, ?, ?, ?)",
		endpointID, kind, status, detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting endpoint history: %w", err)
	}
	return nil
}

// GetHistory returns recent transitions for an endpoint, newest first.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - endpointID: Canonical endpoint identifier
//   - limit: Maximum entries to return (default 50, max 200)
func (r *SQLiteHistoryRepository) GetHistory(ctx context.Context, endpointID string, limit int) ([]HistoryEntry, error) {
	if endpointID == "" {
		return nil, fmt.Errorf("endpoint id is required")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, endpoint_id, kind, status, detail, created_at
		 FROM endpoint_history
		 WHERE endpoint_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		endpointID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying endpoint history: %w", err)
	}
	defer rows.Close()

	entries := make([]HistoryEntry, 0, limit)
	for rows.Next() {
		var entry HistoryEntry
		var status, detailJSON, createdAt string

		if err := rows.Scan(&entry.ID, &entry.EndpointID, &entry.Kind, &status, &detailJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning endpoint history: %w", err)
		}
		entry.Status = Status(status)

		if detailJSON != "" {
			if err := json.Unmarshal([]byte(detailJSON), &entry.Detail); err != nil {
				return nil, fmt.Errorf("unmarshalling detail: %w", err)
			}
		}

		timestamp, err := parseHistoryTimestamp(createdAt)
		if err != nil {
			return nil, err
		}
		entry.CreatedAt = timestamp

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating endpoint history: %w", err)
	}

	return entries, nil
}

// PruneHistory deletes entries older than the given duration.
//
// Returns the number of rows deleted.
func (r *SQLiteHistoryRepository) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM endpoint_history WHERE created_at < ?",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting endpoint history: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}

	return rowsAffected, nil
}

// parseHistoryTimestamp parses a timestamp stored in SQLite.
func parseHistoryTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("created_at is empty")
	}

	timestamp, err := time.Parse(time.RFC3339, value)
	if err == nil {
		return timestamp, nil
	}

	fallback, fallbackErr := time.Parse("2006-01-02 15:04:05", value)
	if fallbackErr == nil {
		return fallback, nil
	}

	return time.Time{}, fmt.Errorf("parsing created_at: %w", err)
}
