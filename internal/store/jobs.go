package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/deployerd/deployerd/internal/errs"
	"github.com/deployerd/deployerd/internal/model"
)

// visibilityTimeout bounds how long a claimed job may run before a stuck
// or crashed worker's claim is considered stale and reverted to waiting
//.
const visibilityTimeout = 2 * time.Minute

// JobStore is the bbolt-backed implementation of interfaces.JobStore.
type JobStore struct {
	db *BoltStore
}

// NewJobStore wraps an opened BoltStore for job persistence.
func NewJobStore(db *BoltStore) *JobStore {
	return &JobStore{db: db}
}

func (s *JobStore) putJob(tx *bolt.Tx, job *model.Job) error {
	b := tx.Bucket(bucketJobs)
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrNotSerializable, err)
	}
	return b.Put([]byte(job.ID), data)
}

func (s *JobStore) getJobTx(tx *bolt.Tx, id string) (*model.Job, error) {
	b := tx.Bucket(bucketJobs)
	data := b.Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("job %s: %w", id, errs.ErrNotFound)
	}
	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Enqueue persists a new job. The caller is responsible for filling in
// ID, Kind, Payload and options; Enqueue stamps CreatedAt/EligibleAt and
// the initial Status.
func (s *JobStore) Enqueue(job *model.Job) error {
	if _, err := json.Marshal(job.Payload); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrNotSerializable, err)
	}
	now := time.Now()
	job.CreatedAt = now
	if job.Delay > 0 {
		job.Status = model.JobStatusDelayed
		job.EligibleAt = now.Add(job.Delay)
	} else {
		job.Status = model.JobStatusWaiting
		job.EligibleAt = now
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 3
	}

	return s.db.db.Update(func(tx *bolt.Tx) error {
		return s.putJob(tx, job)
	})
}

// Claim atomically picks the highest-priority (lowest value) eligible
// job, ties going to the earliest enqueued (CreatedAt), and marks it
// active. bbolt's single-writer
// transaction makes this safe across concurrently polling workers and
// across process replicas sharing the same database file.
func (s *JobStore) Claim(ctx context.Context, workerID string) (*model.Job, error) {
	var claimed *model.Job

	err := s.db.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		now := time.Now()

		var candidates []*model.Job
		err := b.ForEach(func(k, v []byte) error {
			var job model.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			switch job.Status {
			case model.JobStatusWaiting:
				candidates = append(candidates, &job)
			case model.JobStatusDelayed:
				if !job.EligibleAt.After(now) {
					candidates = append(candidates, &job)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Priority != candidates[j].Priority {
				return candidates[i].Priority < candidates[j].Priority
			}
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		})

		job := candidates[0]
		job.Status = model.JobStatusActive
		job.StartedAt = now
		job.Attempts++
		job.ClaimedBy = workerID
		job.ClaimExpiry = now.Add(visibilityTimeout)

		if err := s.putJob(tx, job); err != nil {
			return err
		}
		claimed = job
		return nil
	})

	return claimed, err
}

// Heartbeat extends a claimed job's visibility timeout so a slow-but-alive
// worker does not lose its claim.
func (s *JobStore) Heartbeat(jobID, workerID string, extend time.Duration) error {
	return s.db.db.Update(func(tx *bolt.Tx) error {
		job, err := s.getJobTx(tx, jobID)
		if err != nil {
			return err
		}
		if job.ClaimedBy != workerID {
			return fmt.Errorf("job %s not claimed by %s: %w", jobID, workerID, errs.ErrConflict)
		}
		job.ClaimExpiry = time.Now().Add(extend)
		return s.putJob(tx, job)
	})
}

// Progress best-effort updates a job's completion percentage. It never
// fails the job itself - callers should log, not propagate, a write
// error here.
func (s *JobStore) Progress(jobID string, pct int) error {
	return s.db.db.Update(func(tx *bolt.Tx) error {
		job, err := s.getJobTx(tx, jobID)
		if err != nil {
			return err
		}
		job.Progress = pct
		return s.putJob(tx, job)
	})
}

// Complete marks a job finished successfully.
func (s *JobStore) Complete(jobID string, result []byte) error {
	return s.db.db.Update(func(tx *bolt.Tx) error {
		job, err := s.getJobTx(tx, jobID)
		if err != nil {
			return err
		}
		job.Status = model.JobStatusCompleted
		job.Progress = 100
		job.Result = result
		job.FinishedAt = time.Now()
		return s.putJob(tx, job)
	})
}

// Fail records a job failure and applies the retry/dead-letter policy:
// if attempts < MaxAttempts, the job is rescheduled delayed with the next
// eligibility computed from its backoff; otherwise it is moved to
// dead-letter (Status=failed, final error preserved).
func (s *JobStore) Fail(jobID string, jobErr error) error {
	return s.db.db.Update(func(tx *bolt.Tx) error {
		job, err := s.getJobTx(tx, jobID)
		if err != nil {
			return err
		}
		job.Error = jobErr.Error()

		if job.Attempts < job.MaxAttempts {
			job.Status = model.JobStatusDelayed
			job.EligibleAt = time.Now().Add(nextDelay(job.Backoff, job.Attempts))
		} else {
			job.Status = model.JobStatusFailed
			job.FinishedAt = time.Now()
		}
		return s.putJob(tx, job)
	})
}

// nextDelay computes the retry delay: for exponential backoff base b,
// attempt k is delayed >= b * 2^(k-1); fixed backoff always delays by
// the base.
func nextDelay(b model.Backoff, attempt int) time.Duration {
	if b.BaseDelay <= 0 {
		b.BaseDelay = time.Second
	}
	if b.Type != model.BackoffExponential {
		return b.BaseDelay
	}
	if attempt < 1 {
		attempt = 1
	}
	d := b.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Cancel marks a job cancelled. For an active job this is best-effort:
// the running handler must cooperate via its cancellation token.
func (s *JobStore) Cancel(jobID string) error {
	return s.db.db.Update(func(tx *bolt.Tx) error {
		job, err := s.getJobTx(tx, jobID)
		if err != nil {
			return err
		}
		job.Status = model.JobStatusCancelled
		job.FinishedAt = time.Now()
		return s.putJob(tx, job)
	})
}

// Retry re-queues a failed (including dead-lettered) job as waiting,
// resetting its attempt counter.
func (s *JobStore) Retry(jobID string) error {
	return s.db.db.Update(func(tx *bolt.Tx) error {
		job, err := s.getJobTx(tx, jobID)
		if err != nil {
			return err
		}
		job.Status = model.JobStatusWaiting
		job.Attempts = 0
		job.Error = ""
		job.EligibleAt = time.Now()
		return s.putJob(tx, job)
	})
}

// Get returns a single job by id.
func (s *JobStore) Get(jobID string) (*model.Job, error) {
	var job *model.Job
	err := s.db.db.View(func(tx *bolt.Tx) error {
		j, err := s.getJobTx(tx, jobID)
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	return job, err
}

// ListByKind returns every job of a given kind.
func (s *JobStore) ListByKind(kind model.JobKind) ([]*model.Job, error) {
	return s.list(func(j *model.Job) bool { return j.Kind == kind })
}

// ListByStatus returns every job in a given status.
func (s *JobStore) ListByStatus(status model.JobStatus) ([]*model.Job, error) {
	return s.list(func(j *model.Job) bool { return j.Status == status })
}

func (s *JobStore) list(pred func(*model.Job) bool) ([]*model.Job, error) {
	var jobs []*model.Job
	err := s.db.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var job model.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if pred == nil || pred(&job) {
				jobs = append(jobs, &job)
			}
			return nil
		})
	})
	return jobs, err
}

// Counts returns the number of jobs per status.
func (s *JobStore) Counts() (map[model.JobStatus]int, error) {
	counts := map[model.JobStatus]int{}
	jobs, err := s.list(nil)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		counts[j.Status]++
	}
	return counts, nil
}

// RequeueStaleClaims reverts every active job whose claim has expired
// back to waiting, so a crashed worker's job is picked up by another
// worker at its next attempt. Returns the number requeued.
func (s *JobStore) RequeueStaleClaims(ctx context.Context) (int, error) {
	var n int
	err := s.db.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		now := time.Now()
		var stale []*model.Job
		err := b.ForEach(func(k, v []byte) error {
			var job model.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.Status == model.JobStatusActive && job.ClaimExpiry.Before(now) {
				stale = append(stale, &job)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, job := range stale {
			job.Status = model.JobStatusWaiting
			job.ClaimedBy = ""
			job.EligibleAt = now
			if err := s.putJob(tx, job); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// GC discards completed jobs beyond retainCompleted-per-kind and failed
// jobs beyond retainFailed-per-kind, keeping the most recently finished.
func (s *JobStore) GC(retainCompleted, retainFailed int) error {
	jobs, err := s.list(nil)
	if err != nil {
		return err
	}

	byKindStatus := map[string][]*model.Job{}
	for _, j := range jobs {
		if j.Status != model.JobStatusCompleted && j.Status != model.JobStatusFailed {
			continue
		}
		key := string(j.Kind) + "/" + string(j.Status)
		byKindStatus[key] = append(byKindStatus[key], j)
	}

	return s.db.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		for key, group := range byKindStatus {
			limit := retainCompleted
			if key[len(key)-len(string(model.JobStatusFailed)):] == string(model.JobStatusFailed) {
				limit = retainFailed
			}
			sort.Slice(group, func(i, j int) bool {
				return group[i].FinishedAt.After(group[j].FinishedAt)
			})
			if len(group) <= limit {
				continue
			}
			for _, j := range group[limit:] {
				if err := b.Delete([]byte(j.ID)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
