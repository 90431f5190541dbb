// Package history keeps a queryable ledger of every finished inference job.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no record matches.
var ErrNotFound = errors.New("result not found")

// Fixed width so that created_at sorts chronologically as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Record is one finished job.
type Record struct {
	ProcessID     string    `json:"process_id"`
	Pipeline      string    `json:"pipeline"`
	InputPath     string    `json:"input_path"`
	AnomalyLevel  string    `json:"anomaly_level,omitempty"`
	AnalogVoltage string    `json:"analog_voltage,omitempty"`
	Anomalous     bool      `json:"anomalous"`
	ResultDir     string    `json:"result_dir"`
	Source        string    `json:"source"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store is a SQLite backed ledger.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the ledger at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS results (
		process_id TEXT PRIMARY KEY,
		pipeline TEXT NOT NULL,
		input_path TEXT NOT NULL,
		anomaly_level TEXT NOT NULL DEFAULT '',
		analog_voltage TEXT NOT NULL DEFAULT '',
		anomalous INTEGER NOT NULL DEFAULT 0,
		result_dir TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_results_created ON results(created_at);
	CREATE INDEX IF NOT EXISTS idx_results_input ON results(input_path);
	`)
	return err
}

// Save inserts or replaces r.
func (s *Store) Save(ctx context.Context, r Record) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO results
			(process_id, pipeline, input_path, anomaly_level, analog_voltage, anomalous, result_dir, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ProcessID, r.Pipeline, r.InputPath, r.AnomalyLevel, r.AnalogVoltage,
		boolToInt(r.Anomalous), r.ResultDir, r.Source, r.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("save result %s: %w", r.ProcessID, err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT process_id, pipeline, input_path, anomaly_level, analog_voltage, anomalous, result_dir, source, created_at
		FROM results ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ByProcessID returns the record for processID or ErrNotFound.
func (s *Store) ByProcessID(ctx context.Context, processID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT process_id, pipeline, input_path, anomaly_level, analog_voltage, anomalous, result_dir, source, created_at
		FROM results WHERE process_id = ?`, processID)
	r, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

// CountAnomalous returns how many anomalous results were recorded since t.
func (s *Store) CountAnomalous(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM results WHERE anomalous = 1 AND created_at >= ?`,
		since.UTC().Format(timeLayout)).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(sc scanner) (Record, error) {
	var (
		r         Record
		anomalous int
		created   string
	)
	if err := sc.Scan(&r.ProcessID, &r.Pipeline, &r.InputPath, &r.AnomalyLevel, &r.AnalogVoltage,
		&anomalous, &r.ResultDir, &r.Source, &created); err != nil {
		return Record{}, err
	}
	r.Anomalous = anomalous != 0
	if t, err := time.Parse(timeLayout, created); err == nil {
		r.CreatedAt = t
	}
	return r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
