package disbursement

import (
	"context"
	"sort"
	"sync"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/fault"
)

// Repository persists requests.
type Repository interface {
	// NextID reserves the next request identifier. Identifiers are
	// monotonically increasing and never handed out twice.
	NextID(ctx context.Context) (uint64, error)
	Insert(ctx context.Context, r *Request) error
	Update(ctx context.Context, r *Request) error
	// Get returns fault.ErrNotFound for unknown identifiers.
	Get(ctx context.Context, id uint64) (*Request, error)
	List(ctx context.Context, f Filter) ([]*Request, error)
}

// MemoryRepository implements Repository in memory.
type MemoryRepository struct {
	mu       sync.RWMutex
	lastID   uint64
	requests map[uint64]*Request
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{requests: make(map[uint64]*Request)}
}

func (m *MemoryRepository) NextID(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastID++
	return m.lastID, nil
}

func (m *MemoryRepository) Insert(_ context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.requests[r.ID]; exists {
		return fault.Newf(fault.ErrInvalidState, "request %d already exists", r.ID)
	}
	m.requests[r.ID] = r.clone()
	return nil
}

func (m *MemoryRepository) Update(_ context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.requests[r.ID]; !exists {
		return fault.Newf(fault.ErrNotFound, "request %d", r.ID)
	}
	m.requests[r.ID] = r.clone()
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id uint64) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, fault.Newf(fault.ErrNotFound, "request %d", id)
	}
	return r.clone(), nil
}

func (m *MemoryRepository) List(_ context.Context, f Filter) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uint64, 0, len(m.requests))
	for id := range m.requests {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]*Request, 0)
	skipped := 0
	for _, id := range ids {
		r := m.requests[id]
		if !f.matches(r) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, r.clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}
