package orders

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory order store for demo/development mode.
type MemoryStore struct {
	mu     sync.Mutex
	orders map[string]*Order
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order)}
}

func (m *MemoryStore) Create(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) SetScreenshot(ctx context.Context, id, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	o.ScreenshotFP = fingerprint
	return nil
}

func (m *MemoryStore) SetKeyRef(ctx context.Context, id, keyRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	o.KeyRef = keyRef
	return nil
}

// TransitionFromPending performs the conditional update under the store
// mutex, mirroring the row-level atomicity of the SQL implementation.
func (m *MemoryStore) TransitionFromPending(ctx context.Context, id string, to Status, resolvedBy string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return false, ErrOrderNotFound
	}
	if o.Status != StatusPending {
		return false, nil
	}
	o.Status = to
	o.ResolvedBy = resolvedBy
	o.ResolvedAt = &at
	return true, nil
}

func (m *MemoryStore) ListBySubject(ctx context.Context, subjectID string, limit int) ([]*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Order
	for _, o := range m.orders {
		if o.SubjectID == subjectID {
			cp := *o
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListStalePending(ctx context.Context, before time.Time, limit int) ([]*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Order
	for _, o := range m.orders {
		if o.Status == StatusPending && o.CreatedAt.Before(before) {
			cp := *o
			result = append(result, &cp)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) CreationTimesSince(ctx context.Context, subjectID string, since time.Time) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var times []time.Time
	for _, o := range m.orders {
		if o.SubjectID == subjectID && o.CreatedAt.After(since) {
			times = append(times, o.CreatedAt)
		}
	}
	return times, nil
}

func (m *MemoryStore) CountRejectedSince(ctx context.Context, subjectID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.orders {
		if o.SubjectID == subjectID && o.Status == StatusRejected &&
			o.ResolvedAt != nil && o.ResolvedAt.After(since) {
			n++
		}
	}
	return n, nil
}

var _ Store = (*MemoryStore)(nil)
