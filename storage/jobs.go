package storage

import (
	"fmt"
	"time"

	"argus/core"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Job lifecycle states.
const (
	JobStatusPending = "pending"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusDead    = "dead"
)

// IntelLookupJob is one persisted enrichment lookup request.
type IntelLookupJob struct {
	ID          string
	IOCValue    string
	IOCType     core.IOCType
	AlertID     string
	Status      string
	Attempts    int
	NextAttempt time.Time
	LastError   string
}

// JobStore persists enrichment jobs so lookups survive restarts and failed
// jobs stay observable in a dead-letter state.
type JobStore struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewJobStore creates a job store over the given database.
func NewJobStore(sqlite *SQLite, logger *zap.SugaredLogger) *JobStore {
	return &JobStore{sqlite: sqlite, logger: logger}
}

// Insert persists a new pending job eligible for immediate dispatch.
func (js *JobStore) Insert(iocValue string, iocType core.IOCType, alertID string) (*IntelLookupJob, error) {
	job := &IntelLookupJob{
		ID:          uuid.New().String(),
		IOCValue:    iocValue,
		IOCType:     iocType,
		AlertID:     alertID,
		Status:      JobStatusPending,
		NextAttempt: time.Now().UTC(),
	}
	_, err := js.sqlite.DB.Exec(`
		INSERT INTO enrichment_jobs (id, ioc_value, ioc_type, alert_id, status, attempts, next_attempt)
		VALUES (?, ?, ?, ?, ?, 0, ?)`,
		job.ID, job.IOCValue, string(job.IOCType), job.AlertID, job.Status, job.NextAttempt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert enrichment job: %w", err)
	}
	return job, nil
}

// ClaimDue atomically marks up to limit due pending jobs as running and
// returns them. The single-writer connection serializes concurrent claims.
func (js *JobStore) ClaimDue(limit int) ([]*IntelLookupJob, error) {
	rows, err := js.sqlite.DB.Query(`
		SELECT id, ioc_value, ioc_type, alert_id, attempts, next_attempt, last_error
		FROM enrichment_jobs
		WHERE status = ? AND next_attempt <= ?
		ORDER BY next_attempt LIMIT ?`,
		JobStatusPending, time.Now().UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*IntelLookupJob
	for rows.Next() {
		var job IntelLookupJob
		var iocType string
		if err := rows.Scan(&job.ID, &job.IOCValue, &iocType, &job.AlertID,
			&job.Attempts, &job.NextAttempt, &job.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		job.IOCType = core.IOCType(iocType)
		job.Status = JobStatusRunning
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating due jobs: %w", err)
	}

	for _, job := range jobs {
		if _, err := js.sqlite.DB.Exec(
			`UPDATE enrichment_jobs SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			JobStatusRunning, job.ID,
		); err != nil {
			return nil, fmt.Errorf("failed to claim job %s: %w", job.ID, err)
		}
	}
	return jobs, nil
}

// Complete marks a job done.
func (js *JobStore) Complete(id string) error {
	_, err := js.sqlite.DB.Exec(
		`UPDATE enrichment_jobs SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		JobStatusDone, id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", id, err)
	}
	return nil
}

// Fail records a failed attempt. Jobs that still have attempts left are
// rescheduled at nextAttempt and return to pending; exhausted jobs move to
// the dead state so they remain observable rather than silently dropped.
func (js *JobStore) Fail(id string, attempt int, maxAttempts int, nextAttempt time.Time, cause string) (dead bool, err error) {
	status := JobStatusPending
	if attempt >= maxAttempts {
		status = JobStatusDead
	}
	_, err = js.sqlite.DB.Exec(`
		UPDATE enrichment_jobs
		SET status = ?, attempts = ?, next_attempt = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		status, attempt, nextAttempt.UTC(), cause, id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record job failure for %s: %w", id, err)
	}
	return status == JobStatusDead, nil
}

// RequeueRunning returns running jobs to pending. Called once at startup so
// jobs orphaned by a crash are re-dispatched.
func (js *JobStore) RequeueRunning() (int64, error) {
	res, err := js.sqlite.DB.Exec(
		`UPDATE enrichment_jobs SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE status = ?`,
		JobStatusPending, JobStatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue running jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountByStatus returns job counts grouped by status. Used by the ops API.
func (js *JobStore) CountByStatus() (map[string]int64, error) {
	rows, err := js.sqlite.DB.Query(`SELECT status, COUNT(*) FROM enrichment_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// DeadJobs returns the most recent dead jobs up to limit.
func (js *JobStore) DeadJobs(limit int) ([]*IntelLookupJob, error) {
	rows, err := js.sqlite.DB.Query(`
		SELECT id, ioc_value, ioc_type, alert_id, attempts, next_attempt, last_error
		FROM enrichment_jobs WHERE status = ?
		ORDER BY updated_at DESC LIMIT ?`,
		JobStatusDead, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*IntelLookupJob
	for rows.Next() {
		var job IntelLookupJob
		var iocType string
		if err := rows.Scan(&job.ID, &job.IOCValue, &iocType, &job.AlertID,
			&job.Attempts, &job.NextAttempt, &job.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan dead job: %w", err)
		}
		job.IOCType = core.IOCType(iocType)
		job.Status = JobStatusDead
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}
