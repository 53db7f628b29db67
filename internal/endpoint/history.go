package endpoint

import (
	"context"
	"time"
)

// History entry kinds.
const (
	HistoryKindStatus = "status"
	HistoryKindDTMF   = "dtmf"
)

// HistoryEntry is one recorded endpoint transition.
type HistoryEntry struct {
	ID         int64          `json:"id"`
	EndpointID string         `json:"endpoint_id"`
	Kind       string         `json:"kind"`
	Status     Status         `json:"status,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// HistoryRepository persists endpoint transitions. The in-memory
// registry remains the source of truth; history is an append-only
// record for diagnostics and the read API.
type HistoryRepository interface {
	RecordStatus(ctx context.Context, endpointID string, status Status, detail map[string]any) error
	RecordDTMF(ctx context.Context, endpointID string, dtmf DTMF) error
	GetHistory(ctx context.Context, endpointID string, limit int) ([]HistoryEntry, error)
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)
}
