package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

var (
	deadletterMeter = metrics.NewRegisteredMeter("store/deadletter/recorded", nil)
	redriveMeter    = metrics.NewRegisteredMeter("store/deadletter/redriven", nil)
)

// PublishFunc pushes a raw payload back onto a queue during redrive. It is
// satisfied by queue.Manager.PushRaw.
type PublishFunc func(ctx context.Context, queueName, jobID string, payload []byte) error

// RecordFailure writes a dead-letter row for a job the worker gave up on.
// The job payload is preserved verbatim so it can be republished later. A
// second failure of the same job updates the existing row in place. The
// caller must only ack the queue job when this returns nil.
func (s *Store) RecordFailure(ctx context.Context, jobID, queueName, jobType string, payload []byte, jobErr error, workerID string) error {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO failed_jobs (
		job_id, queue_name, job_type, data, error, retries, status, worker_id, created_at
	) VALUES ($1,$2,$3,$4,$5,0,$6,$7,now())
	ON CONFLICT (job_id) DO UPDATE SET
		error = EXCLUDED.error,
		data = EXCLUDED.data,
		status = EXCLUDED.status,
		worker_id = EXCLUDED.worker_id`,
		jobID, queueName, jobType, payload, msg, WorkerError, workerID)
	if err != nil {
		return fmt.Errorf("record failed job %s: %w", jobID, err)
	}
	deadletterMeter.Mark(1)
	return nil
}

// DeleteFailedJob clears the dead-letter row after a redriven job finally
// succeeded. Deleting a job that was never dead-lettered is a no-op.
func (s *Store) DeleteFailedJob(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM failed_jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete failed job %s: %w", jobID, err)
	}
	return nil
}

// Redrive republishes every errored dead-letter row of the given job type.
// Per job: the row flips to RETRYING with its retry counter bumped and the
// stored payload stamped status="retrying", then the payload is pushed back
// onto its source queue. The row update only commits once the publish
// succeeded, so a Redis outage leaves the row eligible for the next redrive.
func (s *Store) Redrive(ctx context.Context, jobType string, publish PublishFunc) (int, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, job_id, queue_name, data
		FROM failed_jobs WHERE status = $1 AND job_type = $2 ORDER BY id`,
		WorkerError, jobType)
	if err != nil {
		return 0, fmt.Errorf("list failed jobs: %w", err)
	}
	type pending struct {
		id        int64
		jobID     string
		queueName string
		data      []byte
	}
	var jobs []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.jobID, &p.queueName, &p.data); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan failed job: %w", err)
		}
		jobs = append(jobs, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("list failed jobs: %w", err)
	}

	redriven := 0
	for _, p := range jobs {
		stamped, err := stampRetrying(p.data)
		if err != nil {
			log.Warn("Skipping unparseable dead-letter payload", "job", p.jobID, "err", err)
			continue
		}
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return redriven, fmt.Errorf("begin redrive of %s: %w", p.jobID, err)
		}
		_, err = tx.Exec(ctx, `UPDATE failed_jobs SET
			status = $2, retries = retries + 1, last_retry_at = now(), data = $3
			WHERE id = $1`,
			p.id, WorkerRetrying, stamped)
		if err == nil {
			err = publish(ctx, p.queueName, p.jobID, stamped)
		}
		if err != nil {
			tx.Rollback(ctx)
			return redriven, fmt.Errorf("redrive %s: %w", p.jobID, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return redriven, fmt.Errorf("commit redrive of %s: %w", p.jobID, err)
		}
		redriven++
		redriveMeter.Mark(1)
	}
	return redriven, nil
}

// FailedJobCount reports the number of dead-letter rows per status, for the
// admin surface.
func (s *Store) FailedJobCount(ctx context.Context, status WorkerStatus) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM failed_jobs WHERE status = $1`, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count failed jobs: %w", err)
	}
	return n, nil
}

// stampRetrying rewrites a stored job payload with status "retrying" so the
// processor knows to clear the dead-letter row after a successful run. All
// other fields pass through untouched, with number precision preserved.
func stampRetrying(payload []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	m["status"] = "retrying"
	return json.Marshal(m)
}
