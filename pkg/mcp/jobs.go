package mcp

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Sriram-PR/site-mirror/pkg/crawler"
)

// JobStatus represents the current state of a mirror job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Active reports whether a job with this status still holds its site
func (s JobStatus) Active() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

// Job is a background mirror of one site. Values returned by JobManager are snapshots.
type Job struct {
	ID           string    `json:"id"`
	SiteKey      string    `json:"site_key"`
	Status       JobStatus `json:"status"`
	Resume       bool      `json:"resume"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at,omitzero"`
	Queued       int64     `json:"queued"`
	Downloaded   int64     `json:"downloaded"`
	Saved        int64     `json:"saved"`
	Failed       int64     `json:"failed"`
	Pending      int       `json:"pending"`
	Concurrency  int       `json:"concurrency"`
	ErrorMessage string    `json:"error_message,omitempty"`

	ctx    context.Context
	cancel context.CancelFunc
}

// JobManager tracks background mirror jobs. At most one job per site is active.
type JobManager struct {
	jobs   map[string]*Job
	bySite map[string]string // siteKey -> ID of the active job
	mu     sync.RWMutex
}

// NewJobManager creates an empty job manager
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:   make(map[string]*Job),
		bySite: make(map[string]string),
	}
}

// CreateJob registers a pending job for siteKey. If the site already has an
// active job, that job is returned with created set to false.
func (m *JobManager) CreateJob(siteKey string, resume bool) (job Job, created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.bySite[siteKey]; ok {
		if existing := m.jobs[id]; existing != nil && existing.Status.Active() {
			return existing.snapshot(), false
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &Job{
		ID:        uuid.NewString(),
		SiteKey:   siteKey,
		Status:    JobStatusPending,
		Resume:    resume,
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	m.jobs[j.ID] = j
	m.bySite[siteKey] = j.ID
	return j.snapshot(), true
}

// GetJob returns a snapshot of the job with the given ID
func (m *JobManager) GetJob(jobID string) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return j.snapshot(), true
}

// ActiveJob returns the active job of siteKey, if any
func (m *JobManager) ActiveJob(siteKey string) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.bySite[siteKey]; ok {
		if j := m.jobs[id]; j != nil && j.Status.Active() {
			return j.snapshot(), true
		}
	}
	return Job{}, false
}

// Context returns the context a job's crawler runs under
func (m *JobManager) Context(jobID string) context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if j, ok := m.jobs[jobID]; ok {
		return j.ctx
	}
	return context.Background()
}

// MarkRunning moves a pending job to running. It returns false if the job
// was cancelled before it started.
func (m *JobManager) MarkRunning(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j.Status != JobStatusPending {
		return false
	}
	j.Status = JobStatusRunning
	return true
}

// UpdateProgress copies live crawler counters into the job
func (m *JobManager) UpdateProgress(jobID string, stats crawler.Stats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[jobID]; ok {
		j.Queued = stats.Queued
		j.Downloaded = stats.Downloaded
		j.Saved = stats.Saved
		j.Failed = stats.Failed
		j.Pending = stats.Pending
		j.Concurrency = stats.Concurrency
	}
}

// Finish records the final status of a job. A cancelled job stays cancelled.
func (m *JobManager) Finish(jobID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || !j.Status.Active() {
		return
	}
	j.Status = JobStatusCompleted
	if err != nil {
		j.Status = JobStatusFailed
		j.ErrorMessage = err.Error()
	}
	j.CompletedAt = time.Now()
	j.cancel()
	delete(m.bySite, j.SiteKey)
}

// CancelJob cancels an active job and reports whether it did
func (m *JobManager) CancelJob(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || !j.Status.Active() {
		return false
	}
	j.cancelLocked()
	delete(m.bySite, j.SiteKey)
	return true
}

// CancelAll cancels every active job
func (m *JobManager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.Status.Active() {
			j.cancelLocked()
		}
	}
	clear(m.bySite)
}

// ListJobs returns snapshots of all jobs, newest first
func (m *JobManager) ListJobs() []Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	jobs := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j.snapshot())
	}
	slices.SortFunc(jobs, func(a, b Job) int { return b.StartedAt.Compare(a.StartedAt) })
	return jobs
}

func (j *Job) cancelLocked() {
	j.cancel()
	j.Status = JobStatusCancelled
	j.CompletedAt = time.Now()
}

func (j *Job) snapshot() Job {
	s := *j
	s.ctx, s.cancel = nil, nil
	return s
}
