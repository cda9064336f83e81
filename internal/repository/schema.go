package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaAnomalies = `
CREATE TABLE IF NOT EXISTS anomalies (
    id TEXT PRIMARY KEY,
    stream_id TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    source TEXT NOT NULL,
    score REAL NOT NULL,
    columns TEXT NOT NULL,
    features TEXT NOT NULL,
    signature TEXT NOT NULL,
    frequency_factor REAL NOT NULL DEFAULT 0,
    impact_factor REAL NOT NULL DEFAULT 0,
    financial_impact REAL NOT NULL DEFAULT 0,
    operational_impact REAL NOT NULL DEFAULT 0,
    reputational_impact REAL NOT NULL DEFAULT 0,
    regulatory_impact REAL NOT NULL DEFAULT 0,
    data TEXT
);

CREATE INDEX IF NOT EXISTS idx_anomalies_stream ON anomalies(stream_id);
CREATE INDEX IF NOT EXISTS idx_anomalies_signature ON anomalies(stream_id, signature, timestamp);
CREATE INDEX IF NOT EXISTS idx_anomalies_timestamp ON anomalies(stream_id, timestamp);
`

const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    stream_id TEXT NOT NULL,
    anomaly_id TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    severity TEXT NOT NULL,
    message TEXT NOT NULL,
    data TEXT,
    source TEXT NOT NULL,
    escalation_level INTEGER NOT NULL DEFAULT 0,
    handled INTEGER NOT NULL DEFAULT 0,
    handled_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_alerts_stream ON alerts(stream_id);
CREATE INDEX IF NOT EXISTS idx_alerts_severity ON alerts(stream_id, severity);
CREATE INDEX IF NOT EXISTS idx_alerts_handled ON alerts(stream_id, handled);
CREATE INDEX IF NOT EXISTS idx_alerts_timestamp ON alerts(stream_id, timestamp);
`

const schemaSuppressionPatterns = `
CREATE TABLE IF NOT EXISTS suppression_patterns (
    id TEXT NOT NULL,
    stream_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, stream_id)
);

CREATE INDEX IF NOT EXISTS idx_suppression_patterns_stream ON suppression_patterns(stream_id);
CREATE INDEX IF NOT EXISTS idx_suppression_patterns_enabled ON suppression_patterns(stream_id, enabled);
`

const schemaFalsePositives = `
CREATE TABLE IF NOT EXISTS false_positives (
    id TEXT NOT NULL,
    stream_id TEXT NOT NULL,
    anomaly_id TEXT NOT NULL,
    columns TEXT NOT NULL,
    features TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, stream_id)
);

CREATE INDEX IF NOT EXISTS idx_false_positives_stream ON false_positives(stream_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaAnomalies,
		schemaAlerts,
		schemaSuppressionPatterns,
		schemaFalsePositives,
	}
}
