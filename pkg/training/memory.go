package training

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps jobs in process memory. It backs one-shot CLI runs that
// have no database.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]JobModel
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[uuid.UUID]JobModel)}
}

func (m *MemoryStore) Create(ctx context.Context, job *JobModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = *job
	return nil
}

func (m *MemoryStore) Start(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	job.Status = StatusRunning
	job.StartedAt = &startedAt
	m.jobs[id] = job
	return nil
}

func (m *MemoryStore) Finish(ctx context.Context, id uuid.UUID, result JobResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	job.Status = result.Status
	job.Metrics = result.Metrics
	job.ArtifactPath = result.ArtifactPath
	job.ModelVersion = result.ModelVersion
	job.ErrorMessage = result.ErrorMessage
	job.CompletedAt = &result.CompletedAt
	m.jobs[id] = job
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*JobModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return &job, nil
}

func (m *MemoryStore) List(ctx context.Context, limit int) ([]JobModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []JobModel
	for _, job := range m.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
