// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveAnomaly stores an anomaly record with stream isolation.
func (r *SQLRepository) SaveAnomaly(ctx context.Context, streamID string, rec *domain.AnomalyRecord) error {
	if streamID == "" {
		return fmt.Errorf("%w: streamID is required", ErrInvalidInput)
	}

	columns, _ := json.Marshal(rec.Columns)
	features, _ := json.Marshal(rec.Features)
	data, _ := json.Marshal(rec.Data)

	query := `
		INSERT INTO anomalies (
			id, stream_id, timestamp, source, score, columns, features, signature,
			frequency_factor, impact_factor,
			financial_impact, operational_impact, reputational_impact, regulatory_impact,
			data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, streamID, rec.Timestamp, rec.Source, rec.Score,
		string(columns), string(features), rec.Signature(),
		rec.FrequencyFactor, rec.ImpactFactor,
		rec.FinancialImpact, rec.OperationalImpact,
		rec.ReputationalImpact, rec.RegulatoryImpact,
		string(data),
	)
	return err
}

// GetAnomaly retrieves an anomaly by ID with stream isolation.
func (r *SQLRepository) GetAnomaly(ctx context.Context, streamID string, anomalyID string) (*domain.AnomalyRecord, error) {
	if streamID == "" {
		return nil, fmt.Errorf("%w: streamID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, stream_id, timestamp, source, score, columns, features,
			   frequency_factor, impact_factor,
			   financial_impact, operational_impact, reputational_impact, regulatory_impact,
			   data
		FROM anomalies
		WHERE stream_id = ? AND id = ?
	`

	var rec domain.AnomalyRecord
	var columns, features, data string

	err := r.db.QueryRowContext(ctx, r.rebind(query), streamID, anomalyID).Scan(
		&rec.ID, &rec.StreamID, &rec.Timestamp, &rec.Source, &rec.Score,
		&columns, &features,
		&rec.FrequencyFactor, &rec.ImpactFactor,
		&rec.FinancialImpact, &rec.OperationalImpact,
		&rec.ReputationalImpact, &rec.RegulatoryImpact,
		&data,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(columns), &rec.Columns)
	json.Unmarshal([]byte(features), &rec.Features)
	if data != "" && data != "null" {
		json.Unmarshal([]byte(data), &rec.Data)
	}

	return &rec, nil
}

// CountAnomaliesBySignature counts recurrences of a signature since the
// given time, with stream isolation.
func (r *SQLRepository) CountAnomaliesBySignature(ctx context.Context, streamID string, signature string, since time.Time) (int64, error) {
	if streamID == "" {
		return 0, fmt.Errorf("%w: streamID is required", ErrInvalidInput)
	}

	query := `
		SELECT COUNT(*) FROM anomalies
		WHERE stream_id = ? AND signature = ? AND timestamp >= ?
	`

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), streamID, signature, since).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// SaveAlert stores an alert with stream isolation.
func (r *SQLRepository) SaveAlert(ctx context.Context, streamID string, alert *domain.Alert) error {
	if streamID == "" {
		return fmt.Errorf("%w: streamID is required", ErrInvalidInput)
	}

	data, _ := json.Marshal(alert.Data)

	handled := 0
	if alert.Handled {
		handled = 1
	}

	query := `
		INSERT INTO alerts (
			id, stream_id, anomaly_id, timestamp, severity, message, data,
			source, escalation_level, handled, handled_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		alert.ID, streamID, alert.AnomalyID, alert.Timestamp,
		alert.Severity.String(), alert.Message, string(data),
		alert.Source, alert.EscalationLevel, handled, alert.HandledAt,
	)
	return err
}

// UpdateAlert updates the mutable fields of an alert.
func (r *SQLRepository) UpdateAlert(ctx context.Context, streamID string, alert *domain.Alert) error {
	if streamID == "" {
		return fmt.Errorf("%w: streamID is required", ErrInvalidInput)
	}

	handled := 0
	if alert.Handled {
		handled = 1
	}

	query := `
		UPDATE alerts
		SET severity = ?, escalation_level = ?, handled = ?, handled_at = ?
		WHERE stream_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		alert.Severity.String(), alert.EscalationLevel, handled, alert.HandledAt,
		streamID, alert.ID,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAlert retrieves an alert by ID with stream isolation.
func (r *SQLRepository) GetAlert(ctx context.Context, streamID string, alertID string) (*domain.Alert, error) {
	if streamID == "" {
		return nil, fmt.Errorf("%w: streamID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, stream_id, anomaly_id, timestamp, severity, message, data,
			   source, escalation_level, handled, handled_at
		FROM alerts
		WHERE stream_id = ? AND id = ?
	`

	alert, err := scanAlert(r.db.QueryRowContext(ctx, r.rebind(query), streamID, alertID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return alert, nil
}

// ListAlerts retrieves alerts created at or after since, optionally
// restricted to a severity, newest first.
func (r *SQLRepository) ListAlerts(ctx context.Context, streamID string, since time.Time, severity *domain.Severity) ([]*domain.Alert, error) {
	if streamID == "" {
		return nil, fmt.Errorf("%w: streamID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, stream_id, anomaly_id, timestamp, severity, message, data,
			   source, escalation_level, handled, handled_at
		FROM alerts
		WHERE stream_id = ? AND timestamp >= ?
	`
	args := []any{streamID, since}

	if severity != nil {
		query += " AND severity = ?"
		args = append(args, severity.String())
	}
	query += " ORDER BY timestamp DESC"

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}

	return alerts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*domain.Alert, error) {
	var alert domain.Alert
	var severity, data string
	var handled int
	var handledAt sql.NullTime

	err := row.Scan(
		&alert.ID, &alert.StreamID, &alert.AnomalyID, &alert.Timestamp,
		&severity, &alert.Message, &data,
		&alert.Source, &alert.EscalationLevel, &handled, &handledAt,
	)
	if err != nil {
		return nil, err
	}

	sev, err := domain.ParseSeverity(severity)
	if err != nil {
		return nil, err
	}
	alert.Severity = sev
	alert.Handled = handled == 1
	if handledAt.Valid {
		t := handledAt.Time
		alert.HandledAt = &t
	}
	if data != "" && data != "null" {
		json.Unmarshal([]byte(data), &alert.Data)
	}

	return &alert, nil
}

// SavePattern stores or updates a suppression pattern with stream isolation.
func (r *SQLRepository) SavePattern(ctx context.Context, streamID string, pattern *domain.SuppressionPattern) error {
	if streamID == "" {
		return fmt.Errorf("%w: streamID is required", ErrInvalidInput)
	}

	enabled := 0
	if pattern.Enabled {
		enabled = 1
	}

	createdAt := pattern.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	now := time.Now().UTC()

	query := `
		INSERT INTO suppression_patterns (
			id, stream_id, name, description, expression, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, stream_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		pattern.ID, streamID, pattern.Name, pattern.Description,
		pattern.Expression, enabled, createdAt, now,
	)
	return err
}

// ListPatterns retrieves all active suppression patterns for a stream.
func (r *SQLRepository) ListPatterns(ctx context.Context, streamID string) ([]*domain.SuppressionPattern, error) {
	if streamID == "" {
		return nil, fmt.Errorf("%w: streamID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, name, description, expression, enabled, created_at
		FROM suppression_patterns
		WHERE stream_id = ? AND enabled = 1
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), streamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patterns []*domain.SuppressionPattern
	for rows.Next() {
		var p domain.SuppressionPattern
		var enabled int

		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Expression, &enabled, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Enabled = enabled == 1
		patterns = append(patterns, &p)
	}

	return patterns, rows.Err()
}

// DeletePattern soft-deletes a suppression pattern by setting enabled = 0.
func (r *SQLRepository) DeletePattern(ctx context.Context, streamID string, patternID string) error {
	if streamID == "" {
		return fmt.Errorf("%w: streamID is required", ErrInvalidInput)
	}

	query := `
		UPDATE suppression_patterns
		SET enabled = 0, updated_at = ?
		WHERE stream_id = ? AND id = ? AND enabled = 1
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), streamID, patternID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// SaveFalsePositive stores a confirmed false positive with stream isolation.
func (r *SQLRepository) SaveFalsePositive(ctx context.Context, streamID string, fp *domain.ConfirmedFalsePositive) error {
	if streamID == "" {
		return fmt.Errorf("%w: streamID is required", ErrInvalidInput)
	}

	columns, _ := json.Marshal(fp.Columns)
	features, _ := json.Marshal(fp.Features)

	createdAt := fp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO false_positives (
			id, stream_id, anomaly_id, columns, features, created_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		fp.ID, streamID, fp.AnomalyID, string(columns), string(features), createdAt,
	)
	return err
}

// ListFalsePositives retrieves all confirmed false positives for a stream.
func (r *SQLRepository) ListFalsePositives(ctx context.Context, streamID string) ([]*domain.ConfirmedFalsePositive, error) {
	if streamID == "" {
		return nil, fmt.Errorf("%w: streamID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, anomaly_id, columns, features, created_at
		FROM false_positives
		WHERE stream_id = ?
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), streamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fps []*domain.ConfirmedFalsePositive
	for rows.Next() {
		var fp domain.ConfirmedFalsePositive
		var columns, features string

		if err := rows.Scan(&fp.ID, &fp.AnomalyID, &columns, &features, &fp.CreatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(columns), &fp.Columns)
		json.Unmarshal([]byte(features), &fp.Features)
		fps = append(fps, &fp)
	}

	return fps, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
