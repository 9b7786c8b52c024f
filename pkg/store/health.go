package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// HealthStatus is the /health payload: reachability, pool pressure, and
// how many stage tasks are currently executing.
type HealthStatus struct {
	Status          string `json:"status"`
	ResponseTime    int64  `json:"response_time_ms"`
	OpenConnections int    `json:"open_connections"`
	InUse           int    `json:"in_use"`
	Idle            int    `json:"idle"`
	WaitCount       int64  `json:"wait_count"`
	MaxOpenConns    int    `json:"max_open_conns"`
	RunningTasks    int    `json:"running_tasks"`
}

// Health pings the database and snapshots pool pressure plus the number
// of in-flight stage tasks. A failed ping reports unhealthy alongside the
// error so handlers can return both a body and a 503.
func Health(ctx context.Context, db *sqlx.DB) (*HealthStatus, error) {
	start := time.Now()
	if err := db.PingContext(ctx); err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			ResponseTime: time.Since(start).Milliseconds(),
		}, err
	}

	// Best effort: a count failure degrades the report, not the status.
	var running int
	_ = db.GetContext(ctx, &running,
		`SELECT COUNT(*) FROM agent_tasks WHERE status = 'running'`)

	pool := db.Stats()
	return &HealthStatus{
		Status:          "healthy",
		ResponseTime:    time.Since(start).Milliseconds(),
		OpenConnections: pool.OpenConnections,
		InUse:           pool.InUse,
		Idle:            pool.Idle,
		WaitCount:       pool.WaitCount,
		MaxOpenConns:    pool.MaxOpenConnections,
		RunningTasks:    running,
	}, nil
}
