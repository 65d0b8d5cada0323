package api

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"coursepilot/internal/services"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusComplete   = "complete"
	JobStatusFailed     = "failed"
)

// SyncJob tracks one background Canvas sync that the frontend polls.
type SyncJob struct {
	ID        string               `json:"jobId"`
	Status    string               `json:"status"`
	CreatedAt time.Time            `json:"createdAt"`
	UpdatedAt time.Time            `json:"updatedAt"`
	Stage     string               `json:"stage,omitempty"`
	Done      int                  `json:"done"`
	Total     int                  `json:"total"`
	Percent   int                  `json:"percent"`
	Result    *services.SyncResult `json:"result,omitempty"`
	Error     string               `json:"error,omitempty"`
}

type JobManager struct {
	mu   sync.RWMutex
	jobs map[string]*SyncJob
}

func NewJobManager() *JobManager {
	return &JobManager{
		jobs: make(map[string]*SyncJob),
	}
}

func (m *JobManager) CreateJob() string {
	job := &SyncJob{
		ID:        uuid.NewString(),
		Status:    JobStatusPending,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	return job.ID
}

func (m *JobManager) GetJob(id string) (*SyncJob, bool) {
	m.mu.RLock()
	job, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return job.clone(), true
}

func (m *JobManager) MarkProcessing(id string) {
	m.withJob(id, func(job *SyncJob) {
		job.Status = JobStatusProcessing
	})
}

func (m *JobManager) UpdateProgress(id, stage string, done, total int) {
	m.withJob(id, func(job *SyncJob) {
		job.Status = JobStatusProcessing
		job.Stage = stage
		job.Done = done
		job.Total = total
		job.Percent = percent(done, total)
	})
}

func (m *JobManager) MarkCompleted(id string, result *services.SyncResult) {
	m.withJob(id, func(job *SyncJob) {
		job.Status = JobStatusComplete
		job.Percent = 100
		job.Result = result
	})
}

func (m *JobManager) MarkFailed(id, msg string) {
	m.withJob(id, func(job *SyncJob) {
		job.Status = JobStatusFailed
		job.Error = strings.TrimSpace(msg)
	})
}

func (m *JobManager) withJob(id string, fn func(job *SyncJob)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return
	}
	fn(job)
	job.UpdatedAt = time.Now().UTC()
}

func (job *SyncJob) clone() *SyncJob {
	if job == nil {
		return nil
	}
	copied := *job
	if job.Result != nil {
		result := *job.Result
		result.Errors = append([]string(nil), job.Result.Errors...)
		copied.Result = &result
	}
	return &copied
}

func percent(current, total int) int {
	if total <= 0 {
		return 0
	}
	p := current * 100 / total
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
