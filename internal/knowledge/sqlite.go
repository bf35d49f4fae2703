package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const schema = `
CREATE TABLE IF NOT EXISTS patterns (
    category TEXT NOT NULL,
    name TEXT NOT NULL,
    definition TEXT NOT NULL,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (category, name)
);

CREATE TABLE IF NOT EXISTS detections (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    pattern_type TEXT NOT NULL,
    pattern_name TEXT NOT NULL,
    confidence REAL NOT NULL,
    instance_id TEXT NOT NULL DEFAULT '',
    metadata TEXT NOT NULL DEFAULT '{}',
    detected_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_detections_pattern ON detections(pattern_type, pattern_name);
`

// ConfirmationThreshold is the minimum published confidence that counts as a
// confirmation in cross-reference answers.
const ConfirmationThreshold = 0.5

// SQLiteStore is a local knowledge store. It serves as a Store behind the gRPC
// server and as a Client for single-machine use.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates a store at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertPattern stores a pattern definition served to rules queries. def is
// any JSON-encodable definition with "category" and "name" fields.
func (s *SQLiteStore) UpsertPattern(ctx context.Context, category, name string, def any) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode pattern: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO patterns (category, name, definition, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(category, name) DO UPDATE SET definition = excluded.definition, updated_at = excluded.updated_at`,
		category, name, string(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert pattern: %w", err)
	}
	return nil
}

// Detection is one published detection.
type Detection struct {
	PatternType string         `json:"pattern_type"`
	PatternName string         `json:"pattern_name"`
	Confidence  float64        `json:"confidence"`
	InstanceID  string         `json:"instance_id"`
	Metadata    map[string]any `json:"metadata"`
	Timestamp   string         `json:"timestamp"`
}

// CrossReference summarizes what other instances reported for a pattern.
type CrossReference struct {
	Confirmations     int     `json:"confirmations"`
	Instances         int     `json:"instances"`
	AverageConfidence float64 `json:"average_confidence"`
}

// HandlePublish implements Store.
func (s *SQLiteStore) HandlePublish(ctx context.Context, topic string, payload map[string]any) error {
	if topic != TopicDetectionPublish {
		return fmt.Errorf("unknown publish topic %q", topic)
	}
	var d Detection
	if len(payload) == 0 {
		return errors.New("invalid detection payload: empty")
	}
	if _, err := OK(payload).DecodeData(&d); err != nil {
		return fmt.Errorf("invalid detection payload: %w", err)
	}
	if d.PatternType == "" || d.PatternName == "" {
		return fmt.Errorf("invalid detection payload: missing pattern_type or pattern_name")
	}
	meta, err := json.Marshal(d.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	detectedAt := time.Now().UTC()
	if ts, err := time.Parse(time.RFC3339, d.Timestamp); err == nil {
		detectedAt = ts.UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO detections (pattern_type, pattern_name, confidence, instance_id, metadata, detected_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.PatternType, d.PatternName, d.Confidence, d.InstanceID, string(meta), detectedAt)
	if err != nil {
		return fmt.Errorf("failed to record detection: %w", err)
	}
	return nil
}

// HandleQuery implements Store.
func (s *SQLiteStore) HandleQuery(ctx context.Context, topic string, payload map[string]any) (Response, error) {
	switch topic {
	case TopicRulesQuery:
		defs, err := s.patterns(ctx)
		if err != nil {
			return nil, err
		}
		return OK(defs), nil
	case TopicCrossRefQuery:
		category, _ := payload["pattern_type"].(string)
		name, _ := payload["name"].(string)
		xref, err := s.crossReference(ctx, category, name)
		if err != nil {
			return nil, err
		}
		return OK(xref), nil
	default:
		return nil, fmt.Errorf("unknown query topic %q", topic)
	}
}

func (s *SQLiteStore) patterns(ctx context.Context) ([]any, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM patterns ORDER BY category, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query patterns: %w", err)
	}
	defer rows.Close()

	out := []any{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan pattern: %w", err)
		}
		var def map[string]any
		if err := json.Unmarshal([]byte(raw), &def); err != nil {
			continue
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) crossReference(ctx context.Context, category, name string) (CrossReference, error) {
	var xref CrossReference
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN confidence >= ? THEN 1 END),
			COUNT(DISTINCT instance_id),
			AVG(confidence)
		FROM detections
		WHERE pattern_type = ? AND pattern_name = ?`,
		ConfirmationThreshold, category, name).Scan(&xref.Confirmations, &xref.Instances, &avg)
	if err != nil {
		return xref, fmt.Errorf("failed to query detections: %w", err)
	}
	xref.AverageConfidence = avg.Float64
	return xref, nil
}

// Query implements Client against the local database.
func (s *SQLiteStore) Query(ctx context.Context, topic string, payload map[string]any, _ time.Duration) (Response, error) {
	return s.HandleQuery(ctx, topic, payload)
}

// Publish implements Client against the local database.
func (s *SQLiteStore) Publish(ctx context.Context, topic string, payload map[string]any) error {
	return s.HandlePublish(ctx, topic, payload)
}
