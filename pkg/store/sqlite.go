package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Xseven888/Sora2-Video-Generator/pkg/logging"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/models"
)

// sqliteDB persists jobs as JSON documents in a single table
type sqliteDB struct {
	db     *sql.DB
	logger *logging.Logger
}

func newSQLite(dbPath string, logger *logging.Logger) (*sqliteDB, error) {
	// WAL plus a busy timeout so a second CLI invocation waits instead of failing
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &sqliteDB{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *sqliteDB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		seq INTEGER PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		data TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *sqliteDB) name() string { return "sqlite" }

func (s *sqliteDB) load() ([]*models.Job, error) {
	rows, err := s.db.Query(`SELECT id, data FROM jobs ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		var job models.Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			s.logger.Warn("Skipping unreadable job row", map[string]interface{}{
				"job_id": id,
				"error":  err,
			})
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

// save replaces the table contents with jobs, in order
func (s *sqliteDB) save(jobs []*models.Job) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM jobs`); err != nil {
		return fmt.Errorf("failed to clear jobs: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO jobs (seq, id, status, created_at, data) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, job := range jobs {
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
		}
		if _, err := stmt.Exec(i+1, job.ID, string(job.Status), job.CreatedAt, string(data)); err != nil {
			return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteDB) close() error {
	return s.db.Close()
}
