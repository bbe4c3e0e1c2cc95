package audit

import (
	"context"
	"sync"

	"secure-analysis-gateway/internal/models"
)

// Sink persists audit entries. Append assigns Seq, PrevHash and Hash
// atomically with respect to other appends and returns the stored entry.
type Sink interface {
	Append(ctx context.Context, e models.AuditEntry) (models.AuditEntry, error)
	Query(ctx context.Context, f models.AuditFilter) ([]models.AuditEntry, error)
	Scan(ctx context.Context, fn func(models.AuditEntry) error) error
}

// MemorySink keeps the log in process memory.
type MemorySink struct {
	mu      sync.RWMutex
	entries []models.AuditEntry
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Append(_ context.Context, e models.AuditEntry) (models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var prev models.AuditEntry
	if n := len(m.entries); n > 0 {
		prev = m.entries[n-1]
	}
	e = Link(prev, e)
	m.entries = append(m.entries, e)
	return e, nil
}

func (m *MemorySink) Query(_ context.Context, f models.AuditFilter) ([]models.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.AuditEntry, 0)
	for _, e := range m.entries {
		if e.Seq <= f.AfterSeq || !f.Matches(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemorySink) Scan(ctx context.Context, fn func(models.AuditEntry) error) error {
	m.mu.RLock()
	snapshot := make([]models.AuditEntry, len(m.entries))
	copy(snapshot, m.entries)
	m.mu.RUnlock()
	for _, e := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}
