package agent

import (
	"context"
	"errors"
	"sync"
	"time"
)

type JobStatus string

const (
	JobStatusRunning JobStatus = "running"
	JobStatusSuccess JobStatus = "success"
	JobStatusFailed  JobStatus = "failed"
)

var ErrJobBusy = errors.New("agent: a job is already running")

type Job struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Status    JobStatus `json:"status"`
	Output    string    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JobAction is run on its own goroutine by the JobManager.
type JobAction func(ctx context.Context) (string, error)

// JobManager runs at most one job at a time off the tick goroutine and
// keeps only the most recent one. Callers poll Busy or Last.
type JobManager struct {
	mu sync.RWMutex
	// current is the running job, if any
	current *Job
	last    *Job
}

func NewJobManager() *JobManager {
	return &JobManager{}
}

func (jm *JobManager) StartJob(ctx context.Context, id, jobType string, action JobAction) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if jm.current != nil {
		return ErrJobBusy
	}

	now := time.Now()
	job := &Job{
		ID:        id,
		Type:      jobType,
		Status:    JobStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	jm.current = job
	jm.last = job

	go func() {
		out, err := action(ctx)
		jm.mu.Lock()
		defer jm.mu.Unlock()

		job.UpdatedAt = time.Now()
		job.Output = out
		if err != nil {
			job.Status = JobStatusFailed
			job.Error = err.Error()
		} else {
			job.Status = JobStatusSuccess
		}
		if jm.current == job {
			jm.current = nil
		}
	}()
	return nil
}

func (jm *JobManager) Busy() bool {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.current != nil
}

// Last returns a copy of the most recently started job.
func (jm *JobManager) Last() (Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	if jm.last == nil {
		return Job{}, false
	}
	return *jm.last, true
}
