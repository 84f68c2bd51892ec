// Package results stores commit pins and task outcomes in SQLite
package results

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/poltergeist/crater/pkg/types"

	_ "modernc.org/sqlite"
)

// Record is one stored task outcome
type Record struct {
	Experiment string
	Toolchain  string
	Package    types.PackageSpec
	Outcome    types.TaskOutcome
	RecordedAt time.Time
}

// SQLiteSink implements interfaces.ResultSink on a SQLite database
type SQLiteSink struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// NewSQLiteSink opens or creates the results database at path
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create directory: %v", types.ErrStorage, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", types.ErrStorage, err)
	}
	// One writer at a time; the engine records from a single goroutine anyway
	db.SetMaxOpenConns(1)

	sink := &SQLiteSink{db: db, dbPath: path}
	if err := sink.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return sink, nil
}

func (s *SQLiteSink) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS shas (
		experiment TEXT NOT NULL,
		org TEXT NOT NULL,
		name TEXT NOT NULL,
		sha TEXT NOT NULL,
		PRIMARY KEY (experiment, org, name)
	);

	CREATE TABLE IF NOT EXISTS results (
		experiment TEXT NOT NULL,
		toolchain TEXT NOT NULL,
		crate_id TEXT NOT NULL,
		crate_type TEXT NOT NULL,
		crate_name TEXT NOT NULL,
		crate_version TEXT NOT NULL DEFAULT '',
		crate_org TEXT NOT NULL DEFAULT '',
		crate_sha TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		output TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		recorded_at INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (experiment, toolchain, crate_id)
	);
	CREATE INDEX IF NOT EXISTS idx_results_status ON results(experiment, status);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("%w: failed to create schema: %v", types.ErrStorage, err)
	}
	return nil
}

// Close closes the database
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// RecordSha implements interfaces.ResultSink
func (s *SQLiteSink) RecordSha(ex *types.Experiment, repo types.RepoPackage, sha string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO shas (experiment, org, name, sha) VALUES (?, ?, ?, ?)
		 ON CONFLICT(experiment, org, name) DO UPDATE SET sha = excluded.sha`,
		ex.Name, repo.Org, repo.Name, sha,
	)
	if err != nil {
		return fmt.Errorf("%w: failed to record sha: %v", types.ErrStorage, err)
	}
	return nil
}

// RecordTaskOutcome implements interfaces.ResultSink. Recording the same
// task twice keeps the latest outcome.
func (s *SQLiteSink) RecordTaskOutcome(ex *types.Experiment, tc types.Toolchain, pkg types.Package, outcome types.TaskOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	spec := types.SpecOf(pkg)
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO results
		 (experiment, toolchain, crate_id, crate_type, crate_name, crate_version, crate_org, crate_sha,
		  status, output, error, duration_ms, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.Name, tc.String(), pkg.ID(), string(spec.Type), spec.Name, spec.Version, spec.Org, spec.SHA,
		string(outcome.Status), outcome.Output, outcome.Error, outcome.Duration.Milliseconds(),
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("%w: failed to record outcome of %s: %v", types.ErrStorage, pkg, err)
	}
	return nil
}

// GetSha returns the recorded commit of a repo package
func (s *SQLiteSink) GetSha(experiment string, repo types.RepoPackage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sha string
	err := s.db.QueryRow(
		"SELECT sha FROM shas WHERE experiment = ? AND org = ? AND name = ?",
		experiment, repo.Org, repo.Name,
	).Scan(&sha)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: sha of %s in %s", types.ErrNotFound, repo.Slug(), experiment)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrStorage, err)
	}
	return sha, nil
}

// ListOutcomes returns every recorded outcome of an experiment, ordered by
// toolchain and package id
func (s *SQLiteSink) ListOutcomes(experiment string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT toolchain, crate_type, crate_name, crate_version, crate_org, crate_sha,
		        status, output, error, duration_ms, recorded_at
		 FROM results WHERE experiment = ? ORDER BY toolchain, crate_id`,
		experiment,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStorage, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r          Record
			crateType  string
			status     string
			durationMs int64
			recordedMs int64
		)
		r.Experiment = experiment
		if err := rows.Scan(&r.Toolchain, &crateType, &r.Package.Name, &r.Package.Version, &r.Package.Org,
			&r.Package.SHA, &status, &r.Outcome.Output, &r.Outcome.Error, &durationMs, &recordedMs); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrStorage, err)
		}
		r.Package.Type = types.PackageKind(crateType)
		r.Outcome.Status = types.OutcomeStatus(status)
		r.Outcome.Duration = time.Duration(durationMs) * time.Millisecond
		r.RecordedAt = time.UnixMilli(recordedMs)
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStorage, err)
	}
	return records, nil
}

// CountByStatus tallies the outcomes of an experiment
func (s *SQLiteSink) CountByStatus(experiment string) (map[types.OutcomeStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		"SELECT status, COUNT(*) FROM results WHERE experiment = ? GROUP BY status",
		experiment,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStorage, err)
	}
	defer rows.Close()

	counts := make(map[types.OutcomeStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrStorage, err)
		}
		counts[types.OutcomeStatus(status)] = n
	}
	return counts, rows.Err()
}

// DeleteExperiment removes all data recorded for an experiment
func (s *SQLiteSink) DeleteExperiment(experiment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorage, err)
	}
	defer tx.Rollback()

	for _, table := range []string{"shas", "results"} {
		if _, err := tx.Exec("DELETE FROM "+table+" WHERE experiment = ?", experiment); err != nil {
			return fmt.Errorf("%w: failed to clear %s: %v", types.ErrStorage, table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorage, err)
	}
	return nil
}

// CopyExperiment duplicates recorded data under a new experiment name
func (s *SQLiteSink) CopyExperiment(src, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorage, err)
	}
	defer tx.Rollback()

	statements := []string{
		`INSERT OR REPLACE INTO shas (experiment, org, name, sha)
		 SELECT ?, org, name, sha FROM shas WHERE experiment = ?`,
		`INSERT OR REPLACE INTO results
		 (experiment, toolchain, crate_id, crate_type, crate_name, crate_version, crate_org, crate_sha,
		  status, output, error, duration_ms, recorded_at)
		 SELECT ?, toolchain, crate_id, crate_type, crate_name, crate_version, crate_org, crate_sha,
		        status, output, error, duration_ms, recorded_at
		 FROM results WHERE experiment = ?`,
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(stmt, dst, src); err != nil {
			return fmt.Errorf("%w: failed to copy results: %v", types.ErrStorage, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorage, err)
	}
	return nil
}
