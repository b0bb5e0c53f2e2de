package jobqueue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNoJob is returned by Claim when nothing is waiting
var ErrNoJob = errors.New("no waiting job")

// Store persists jobs in SQLite
type Store struct {
	db *sql.DB

	// now is swapped out in tests
	now func() time.Time
}

// NewStore opens (and migrates) the job database at path. ":memory:"
// works for tests.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open job database: %w", err)
	}

	// WAL keeps readers and the claiming writer out of each other's way
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS jobs (
		id           TEXT PRIMARY KEY,
		type         TEXT NOT NULL,
		payload      TEXT NOT NULL,
		state        TEXT NOT NULL,
		progress     TEXT NOT NULL DEFAULT '',
		result       TEXT NOT NULL DEFAULT '',
		stalls       INTEGER NOT NULL DEFAULT 0,
		created_at   TIMESTAMP NOT NULL,
		updated_at   TIMESTAMP NOT NULL,
		heartbeat_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_state_type ON jobs(state, type, created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to migrate job schema: %w", err)
	}
	return nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert persists a new waiting job
func (s *Store) Insert(job *Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	now := s.now()
	job.State = StateWaiting
	job.CreatedAt = now
	job.UpdatedAt = now
	job.HeartbeatAt = now

	_, err = s.db.Exec(`
		INSERT INTO jobs (id, type, payload, state, stalls, created_at, updated_at, heartbeat_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		job.ID, job.Type, string(payload), job.State, now, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// Claim atomically moves the oldest waiting job of the given type to
// active and returns it. The transaction guarantees no two workers get
// the same job.
func (s *Store) Claim(jobType string) (*Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT id FROM jobs
		WHERE state = ? AND type = ?
		ORDER BY created_at
		LIMIT 1`,
		StateWaiting, jobType,
	)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoJob
		}
		return nil, fmt.Errorf("failed to select waiting job: %w", err)
	}

	now := s.now()
	res, err := tx.Exec(`
		UPDATE jobs SET state = ?, updated_at = ?, heartbeat_at = ?
		WHERE id = ? AND state = ?`,
		StateActive, now, now, id, StateWaiting,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, ErrNoJob
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	return s.Get(id)
}

// Get loads a job by id
func (s *Store) Get(id string) (*Job, error) {
	row := s.db.QueryRow(`
		SELECT id, type, payload, state, progress, result, stalls, created_at, updated_at, heartbeat_at
		FROM jobs WHERE id = ?`, id)

	var job Job
	var payload string
	err := row.Scan(&job.ID, &job.Type, &payload, &job.State, &job.Progress,
		&job.Result, &job.Stalls, &job.CreatedAt, &job.UpdatedAt, &job.HeartbeatAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s not found", id)
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &job.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return &job, nil
}

// Heartbeat renews an active job's lease
func (s *Store) Heartbeat(id string) error {
	_, err := s.db.Exec(`
		UPDATE jobs SET heartbeat_at = ? WHERE id = ? AND state = ?`,
		s.now(), id, StateActive,
	)
	return err
}

// SetProgress records a progress note on an active job
func (s *Store) SetProgress(id, progress string) error {
	_, err := s.db.Exec(`
		UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ?`,
		progress, s.now(), id,
	)
	return err
}

// Complete marks a job completed with its result
func (s *Store) Complete(id, result string) error {
	return s.finish(id, StateCompleted, result)
}

// Fail marks a job failed with a reason
func (s *Store) Fail(id, reason string) error {
	return s.finish(id, StateFailed, reason)
}

func (s *Store) finish(id, state, result string) error {
	now := s.now()
	_, err := s.db.Exec(`
		UPDATE jobs SET state = ?, result = ?, updated_at = ? WHERE id = ?`,
		state, result, now, id,
	)
	return err
}

// Depth counts waiting jobs of a type
func (s *Store) Depth(jobType string) (int, error) {
	row := s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE state = ? AND type = ?`, StateWaiting, jobType)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// RequeueStalled finds active jobs whose heartbeat is older than the
// stall interval. Each is requeued with its stall count bumped; a job
// over the stall budget moves to the terminal stalled state instead.
// Returns the requeued and exhausted job ids.
func (s *Store) RequeueStalled(stalledInterval time.Duration, maxStalls int) (requeued, exhausted []string, err error) {
	deadline := s.now().Add(-stalledInterval)

	rows, err := s.db.Query(`
		SELECT id, stalls FROM jobs WHERE state = ? AND heartbeat_at < ?`,
		StateActive, deadline,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to scan for stalled jobs: %w", err)
	}
	type stalled struct {
		id     string
		stalls int
	}
	var found []stalled
	for rows.Next() {
		var st stalled
		if err := rows.Scan(&st.id, &st.stalls); err != nil {
			rows.Close()
			return nil, nil, err
		}
		found = append(found, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	now := s.now()
	for _, st := range found {
		if st.stalls+1 >= maxStalls {
			if _, err := s.db.Exec(`
				UPDATE jobs SET state = ?, stalls = stalls + 1, result = ?, updated_at = ?
				WHERE id = ? AND state = ?`,
				StateStalled, "job stalled too many times", now, st.id, StateActive,
			); err != nil {
				return requeued, exhausted, err
			}
			exhausted = append(exhausted, st.id)
			continue
		}
		if _, err := s.db.Exec(`
			UPDATE jobs SET state = ?, stalls = stalls + 1, updated_at = ?, heartbeat_at = ?
			WHERE id = ? AND state = ?`,
			StateWaiting, now, now, st.id, StateActive,
		); err != nil {
			return requeued, exhausted, err
		}
		requeued = append(requeued, st.id)
	}
	return requeued, exhausted, nil
}
