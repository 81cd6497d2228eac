package forward

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Janxz264/dicom-bridge-mx/dicom"
)

const schema = `
CREATE TABLE IF NOT EXISTS forward_jobs (
	id                  TEXT PRIMARY KEY,
	sop_class_uid       TEXT NOT NULL,
	sop_instance_uid    TEXT NOT NULL,
	transfer_syntax_uid TEXT NOT NULL,
	source_ae_title     TEXT NOT NULL,
	state               TEXT NOT NULL,
	attempts            INTEGER NOT NULL DEFAULT 0,
	next_attempt_at     INTEGER NOT NULL,
	last_error          TEXT NOT NULL DEFAULT '',
	created_at          INTEGER NOT NULL,
	payload             BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS forward_jobs_state_idx ON forward_jobs(state);
`

// Store persists forward jobs in SQLite. Jobs survive restarts:
// Pending reloads anything not yet delivered, and dead-lettered jobs
// stay queryable with their payloads dumped as Part-10 files.
type Store struct {
	db      *sql.DB
	dumpDir string
}

// OpenStore opens (creating if needed) the job database. dumpDir is
// where dead-lettered payloads are written; empty disables dumps.
func OpenStore(path, dumpDir string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create job schema: %w", err)
	}
	if dumpDir != "" {
		if err := os.MkdirAll(dumpDir, 0o755); err != nil {
			db.Close()
			return nil, fmt.Errorf("create dead-letter dir: %w", err)
		}
	}
	return &Store{db: db, dumpDir: dumpDir}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert persists a new job.
func (s *Store) Insert(ctx context.Context, job *Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO forward_jobs
			(id, sop_class_uid, sop_instance_uid, transfer_syntax_uid,
			 source_ae_title, state, attempts, next_attempt_at, last_error,
			 created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.SOPClassUID, job.SOPInstanceUID, job.TransferSyntaxUID,
		job.SourceAETitle, string(job.State), job.Attempts,
		job.NextAttemptAt.UnixMilli(), job.LastError,
		job.CreatedAt.UnixMilli(), job.Data)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

// Pending returns every undelivered job, resetting in-flight jobs from a
// previous run back to pending.
func (s *Store) Pending(ctx context.Context) ([]*Job, error) {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE forward_jobs SET state = ? WHERE state = ?`,
		string(JobPending), string(JobInFlight)); err != nil {
		return nil, fmt.Errorf("reset in-flight jobs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sop_class_uid, sop_instance_uid, transfer_syntax_uid,
		       source_ae_title, state, attempts, next_attempt_at, last_error,
		       created_at, payload
		FROM forward_jobs WHERE state = ?
		ORDER BY created_at`, string(JobPending))
	if err != nil {
		return nil, fmt.Errorf("load pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkInFlight claims the job for a delivery attempt. It reports false
// when the row no longer exists, meaning an earlier attempt already
// delivered or dead-lettered the job.
func (s *Store) MarkInFlight(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE forward_jobs SET state = ? WHERE id = ? AND state != ?`,
		string(JobInFlight), id, string(JobDeadLettered))
	if err != nil {
		return false, fmt.Errorf("mark job %s in flight: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark job %s in flight: %w", id, err)
	}
	return n > 0, nil
}

// MarkRetry records a failed attempt and its next retry time.
func (s *Store) MarkRetry(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastErr string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE forward_jobs
		SET state = ?, attempts = ?, next_attempt_at = ?, last_error = ?
		WHERE id = ?`,
		string(JobPending), attempts, nextAttemptAt.UnixMilli(), lastErr, id)
	if err != nil {
		return fmt.Errorf("mark job %s for retry: %w", id, err)
	}
	return nil
}

// MarkDelivered removes a delivered job; the payload has reached the
// destination and is no longer ours to keep.
func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM forward_jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete delivered job %s: %w", id, err)
	}
	return nil
}

// MarkDeadLettered flips the job terminal and dumps its payload as a
// Part-10 file so operators can inspect or replay it with standard
// tooling.
func (s *Store) MarkDeadLettered(ctx context.Context, job *Job, lastErr string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE forward_jobs SET state = ?, attempts = ?, last_error = ? WHERE id = ?`,
		string(JobDeadLettered), job.Attempts, lastErr, job.ID)
	if err != nil {
		return fmt.Errorf("dead-letter job %s: %w", job.ID, err)
	}

	if s.dumpDir == "" {
		return nil
	}
	path := filepath.Join(s.dumpDir, job.SOPInstanceUID+".dcm")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create dead-letter dump: %w", err)
	}
	defer f.Close()
	if err := dicom.WritePart10(f, job.SOPClassUID, job.SOPInstanceUID, job.TransferSyntaxUID, job.Data); err != nil {
		return fmt.Errorf("write dead-letter dump: %w", err)
	}
	return nil
}

// DeadLetters returns all dead-lettered jobs, oldest first.
func (s *Store) DeadLetters(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sop_class_uid, sop_instance_uid, transfer_syntax_uid,
		       source_ae_title, state, attempts, next_attempt_at, last_error,
		       created_at, payload
		FROM forward_jobs WHERE state = ?
		ORDER BY created_at`, string(JobDeadLettered))
	if err != nil {
		return nil, fmt.Errorf("load dead letters: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(rows *sql.Rows) (*Job, error) {
	var job Job
	var state string
	var nextAttempt, created int64
	if err := rows.Scan(&job.ID, &job.SOPClassUID, &job.SOPInstanceUID,
		&job.TransferSyntaxUID, &job.SourceAETitle, &state, &job.Attempts,
		&nextAttempt, &job.LastError, &created, &job.Data); err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.State = JobState(state)
	job.NextAttemptAt = time.UnixMilli(nextAttempt)
	job.CreatedAt = time.UnixMilli(created)
	return &job, nil
}
