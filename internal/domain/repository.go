// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require streamID for strict per-source isolation.
type Repository interface {
	// Anomaly operations
	SaveAnomaly(ctx context.Context, streamID string, rec *AnomalyRecord) error
	GetAnomaly(ctx context.Context, streamID string, anomalyID string) (*AnomalyRecord, error)
	CountAnomaliesBySignature(ctx context.Context, streamID string, signature string, since time.Time) (int64, error)

	// Alert operations
	SaveAlert(ctx context.Context, streamID string, alert *Alert) error
	UpdateAlert(ctx context.Context, streamID string, alert *Alert) error
	GetAlert(ctx context.Context, streamID string, alertID string) (*Alert, error)
	ListAlerts(ctx context.Context, streamID string, since time.Time, severity *Severity) ([]*Alert, error)

	// Suppression pattern operations
	SavePattern(ctx context.Context, streamID string, pattern *SuppressionPattern) error
	ListPatterns(ctx context.Context, streamID string) ([]*SuppressionPattern, error)
	DeletePattern(ctx context.Context, streamID string, patternID string) error

	// Confirmed false-positive operations
	SaveFalsePositive(ctx context.Context, streamID string, fp *ConfirmedFalsePositive) error
	ListFalsePositives(ctx context.Context, streamID string) ([]*ConfirmedFalsePositive, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
