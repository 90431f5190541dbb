// Package taskstore keeps the on-demand jobs submitted over the API, CLI or
// MCP server in memory together with their progress log.
package taskstore

import (
	"sort"
	"sync"
	"time"
)

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusRetrying  JobStatus = "retrying"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Finished reports whether the job reached a terminal state.
func (s JobStatus) Finished() bool {
	return s == StatusCompleted || s == StatusFailed
}

// DefaultMaxJobs bounds how many jobs are retained.
const DefaultMaxJobs = 500

type Job struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	InputPath string    `json:"input_path"`
	Status    JobStatus `json:"status"`
	Attempt   int       `json:"attempt"`

	ProcessID     string `json:"process_id,omitempty"`
	ResultDir     string `json:"result_dir,omitempty"`
	AnomalyLevel  string `json:"anomaly_level,omitempty"`
	AnalogVoltage string `json:"analog_voltage,omitempty"`
	Error         string `json:"error,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Logs      []LogEntry `json:"logs"`
}

type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"` // info, error, success
	Message   string    `json:"message"`
}

// Store is safe for concurrent use. Jobs are returned as copies.
type Store struct {
	mu      sync.RWMutex
	jobs    map[string]*Job
	maxJobs int
	now     func() time.Time
}

func NewStore() *Store {
	return &Store{
		jobs:    make(map[string]*Job),
		maxJobs: DefaultMaxJobs,
		now:     time.Now,
	}
}

// Create stores job as pending. When the store is full the oldest finished
// jobs are dropped.
func (s *Store) Create(job Job) Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = StatusPending
	}
	stored := job
	s.jobs[job.ID] = &stored
	s.prune()
	return clone(&stored)
}

func (s *Store) prune() {
	if len(s.jobs) <= s.maxJobs {
		return
	}
	var finished []*Job
	for _, j := range s.jobs {
		if j.Status.Finished() {
			finished = append(finished, j)
		}
	}
	sort.Slice(finished, func(i, k int) bool {
		return finished[i].UpdatedAt.Before(finished[k].UpdatedAt)
	})
	for _, j := range finished {
		if len(s.jobs) <= s.maxJobs {
			return
		}
		delete(s.jobs, j.ID)
	}
}

func (s *Store) Get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return clone(job), true
}

// List returns all jobs, newest first.
func (s *Store) List() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, clone(job))
	}
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].ID > jobs[j].ID
	})
	return jobs
}

func (s *Store) UpdateStatus(id string, status JobStatus) {
	s.Update(id, func(j *Job) { j.Status = status })
}

// Update applies fn to the stored job under the lock.
func (s *Store) Update(id string, fn func(*Job)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return false
	}
	fn(job)
	job.UpdatedAt = s.now()
	return true
}

func (s *Store) AddLog(id string, level, message string) {
	s.Update(id, func(j *Job) {
		j.Logs = append(j.Logs, LogEntry{
			Timestamp: s.now(),
			Level:     level,
			Message:   message,
		})
	})
}

func clone(j *Job) Job {
	out := *j
	out.Logs = append([]LogEntry(nil), j.Logs...)
	return out
}
