package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/gray-logic-asterisk/internal/bridges/asterisk"
)

// SystemMetrics represents the complete bridge metrics response.
type SystemMetrics struct {
	Timestamp     string                     `json:"timestamp"`
	Version       string                     `json:"version"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Runtime       RuntimeMetrics             `json:"runtime"`
	Endpoints     EndpointMetrics            `json:"endpoints"`
	Session       *asterisk.SessionStatus    `json:"session,omitempty"`
	Manager       *asterisk.BridgeStatistics `json:"manager,omitempty"`
	Database      *DatabaseMetrics           `json:"database,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// EndpointMetrics contains endpoint registry statistics.
type EndpointMetrics struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleMetrics returns comprehensive bridge metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
	}

	regStats := s.registry.GetStats()
	metrics.Endpoints = EndpointMetrics{
		Total:    regStats.Endpoints,
		ByStatus: make(map[string]int, len(regStats.ByStatus)),
	}
	for status, count := range regStats.ByStatus {
		metrics.Endpoints.ByStatus[string(status)] = count
	}

	// Manager session stats come from the health reporter when wired.
	if s.health != nil {
		snapshot := s.health.Snapshot()
		metrics.Session = snapshot.Session
		metrics.Manager = snapshot.Statistics
	}

	if s.db != nil {
		dbStats := s.db.Stats()
		metrics.Database = &DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
