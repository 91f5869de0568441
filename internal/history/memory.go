package history

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"provider/internal/job"
)

const (
	defaultMemoryCapacity = 1000
	// MemoryLogTail bounds the logs kept per record; the control plane holds
	// the full output.
	MemoryLogTail = 16 << 10
)

var _ Repository = (*MemoryRepository)(nil)

// MemoryRepository keeps the newest capacity records in process memory, each
// with at most MemoryLogTail bytes of logs.
type MemoryRepository struct {
	mu       sync.RWMutex
	records  map[string]*Record
	order    []string
	capacity int
}

func NewMemoryRepository(capacity int) *MemoryRepository {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryRepository{
		records:  make(map[string]*Record),
		capacity: capacity,
	}
}

// tailLogs keeps the last limit bytes of logs, starting on a rune boundary.
func tailLogs(logs string, limit int) string {
	if len(logs) <= limit {
		return logs
	}
	cut := len(logs) - limit
	for cut < len(logs) && !utf8.RuneStart(logs[cut]) {
		cut++
	}
	return fmt.Sprintf("[earlier output dropped, %d bytes total]\n", len(logs)) + logs[cut:]
}

func (m *MemoryRepository) Create(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.JobID]; ok {
		return ErrExists
	}
	cp := *rec
	cp.Logs = tailLogs(cp.Logs, MemoryLogTail)
	m.records[rec.JobID] = &cp
	m.order = append(m.order, rec.JobID)

	// 超出容量时淘汰最旧的记录
	for len(m.order) > m.capacity {
		delete(m.records, m.order[0])
		m.order = m.order[1:]
	}
	return nil
}

func (m *MemoryRepository) Get(ctx context.Context, jobID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryRepository) MarkRunning(ctx context.Context, jobID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[jobID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = job.StatusRunning
	rec.StartedAt = at
	return nil
}

func (m *MemoryRepository) Finish(ctx context.Context, res job.Result, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[res.JobID]
	if !ok {
		return ErrNotFound
	}
	rec.ApplyResult(res, at)
	rec.Logs = tailLogs(rec.Logs, MemoryLogTail)
	return nil
}

func (m *MemoryRepository) List(ctx context.Context, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.order) {
		limit = len(m.order)
	}
	out := make([]*Record, 0, limit)
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *m.records[m.order[i]]
		out = append(out, &cp)
	}
	return out, nil
}
