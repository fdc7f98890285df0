// Package job tracks the lifecycle of a single sync run: status transitions,
// entity counters and the terminal error detail surfaced to callers.
package job

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a sync job.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusRunning    Status = "RUNNING"
	StatusCancelling Status = "CANCELLING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Counters accumulates per-disposition entity totals for one run.
type Counters struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Kept     int `json:"kept"`
	Deleted  int `json:"deleted"`
	Skipped  int `json:"skipped"`
}

// Add merges other into c.
func (c *Counters) Add(other Counters) {
	c.Inserted += other.Inserted
	c.Updated += other.Updated
	c.Kept += other.Kept
	c.Deleted += other.Deleted
	c.Skipped += other.Skipped
}

// Total returns the number of entities accounted for.
func (c Counters) Total() int {
	return c.Inserted + c.Updated + c.Kept + c.Deleted + c.Skipped
}

// ErrorDetail describes why a job failed.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Job is a mutable record of one sync run. All methods are safe for
// concurrent use.
type Job struct {
	mu sync.Mutex

	id        string
	syncID    string
	status    Status
	counters  Counters
	errDetail *ErrorDetail

	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time
}

// Snapshot is an immutable copy of a job's state at one point in time.
type Snapshot struct {
	ID          string       `json:"id"`
	SyncID      string       `json:"sync_id"`
	Status      Status       `json:"status"`
	Counters    Counters     `json:"counters"`
	Error       *ErrorDetail `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	StartedAt   time.Time    `json:"started_at,omitzero"`
	CompletedAt time.Time    `json:"completed_at,omitzero"`
}

// New creates a pending job for syncID. An empty id is replaced with a
// fresh UUID.
func New(id, syncID string) *Job {
	if id == "" {
		id = uuid.NewString()
	}
	return &Job{
		id:        id,
		syncID:    syncID,
		status:    StatusPending,
		createdAt: time.Now().UTC(),
	}
}

// ID returns the job identifier.
func (j *Job) ID() string { return j.id }

// SyncID returns the owning sync configuration id.
func (j *Job) SyncID() string { return j.syncID }

// Status returns the current lifecycle state.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// allowed enumerates the legal transitions. Re-entering a terminal state is
// handled separately as a no-op.
var allowed = map[Status][]Status{
	StatusPending:    {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:    {StatusCompleted, StatusFailed, StatusCancelling, StatusCancelled},
	StatusCancelling: {StatusCancelled, StatusFailed},
}

// Transition moves the job to next. Requesting the terminal state the job is
// already in is a no-op; any other transition out of a terminal state is an
// error.
func (j *Job) Transition(next Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transitionLocked(next)
}

func (j *Job) transitionLocked(next Status) error {
	if j.status == next {
		return nil
	}
	if j.status.Terminal() {
		return fmt.Errorf("job %s: cannot transition %s -> %s", j.id, j.status, next)
	}
	for _, s := range allowed[j.status] {
		if s == next {
			now := time.Now().UTC()
			switch next {
			case StatusRunning:
				j.startedAt = now
			case StatusCompleted, StatusFailed, StatusCancelled:
				j.completedAt = now
			}
			j.status = next
			return nil
		}
	}
	return fmt.Errorf("job %s: cannot transition %s -> %s", j.id, j.status, next)
}

// Fail moves the job to FAILED and records the error detail. Failing an
// already terminal job is a no-op so late workers cannot clobber an outcome.
func (j *Job) Fail(code, message string, retryable bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return nil
	}
	if err := j.transitionLocked(StatusFailed); err != nil {
		return err
	}
	j.errDetail = &ErrorDetail{Code: code, Message: message, Retryable: retryable}
	return nil
}

// AddCounts merges delta into the job counters.
func (j *Job) AddCounts(delta Counters) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.counters.Add(delta)
}

// Counters returns a copy of the accumulated totals.
func (j *Job) Counters() Counters {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.counters
}

// Snapshot returns a consistent copy of the job state.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	snap := Snapshot{
		ID:          j.id,
		SyncID:      j.syncID,
		Status:      j.status,
		Counters:    j.counters,
		CreatedAt:   j.createdAt,
		StartedAt:   j.startedAt,
		CompletedAt: j.completedAt,
	}
	if j.errDetail != nil {
		detail := *j.errDetail
		snap.Error = &detail
	}
	return snap
}
