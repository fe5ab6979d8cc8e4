package database

import (
	"context"
	"database/sql"
	"time"
)

// HealthStatus is the database section of the health payload: liveness,
// pool pressure, and the applied schema version.
type HealthStatus struct {
	Status          string `json:"status"`
	ResponseTime    int64  `json:"response_time_ms"`
	OpenConnections int    `json:"open_connections"`
	InUse           int    `json:"in_use"`
	Idle            int    `json:"idle"`
	WaitCount       int64  `json:"wait_count"`
	WaitDuration    int64  `json:"wait_duration_ms"`
	MaxOpenConns    int    `json:"max_open_conns"`
	SchemaVersion   uint   `json:"schema_version,omitempty"`
	SchemaDirty     bool   `json:"schema_dirty,omitempty"`
}

// Health pings the database and reports pool statistics plus the
// migration version golang-migrate recorded on startup. A dirty schema
// means a migration was interrupted and needs operator attention.
func Health(ctx context.Context, db *sql.DB) (*HealthStatus, error) {
	start := time.Now()

	if err := db.PingContext(ctx); err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			ResponseTime: time.Since(start).Milliseconds(),
		}, err
	}

	stats := db.Stats()
	hs := &HealthStatus{
		Status:          "healthy",
		ResponseTime:    time.Since(start).Milliseconds(),
		OpenConnections: stats.OpenConnections,
		InUse:           stats.InUse,
		Idle:            stats.Idle,
		WaitCount:       stats.WaitCount,
		WaitDuration:    stats.WaitDuration.Milliseconds(),
		MaxOpenConns:    stats.MaxOpenConnections,
	}

	// Best effort: schema_migrations only exists after init ran.
	var version uint
	var dirty bool
	if err := db.QueryRowContext(ctx,
		`SELECT version, dirty FROM schema_migrations`).Scan(&version, &dirty); err == nil {
		hs.SchemaVersion = version
		hs.SchemaDirty = dirty
	}

	return hs, nil
}
