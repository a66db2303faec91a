package callsession

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps both partitions in process memory behind a single lock,
// so a move between partitions is never observable half done.
type MemoryStore struct {
	mu      sync.RWMutex
	active  map[string]*Call
	history map[string]*Call
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		active:  make(map[string]*Call),
		history: make(map[string]*Call),
	}
}

func (m *MemoryStore) InsertActive(_ context.Context, c *Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[c.ID]; ok {
		return fmt.Errorf("%w: %s", ErrConflict, c.ID)
	}
	if _, ok := m.history[c.ID]; ok {
		return fmt.Errorf("%w: %s", ErrConflict, c.ID)
	}
	m.active[c.ID] = c.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Call, Partition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, inActive := m.active[id]
	h, inHistory := m.history[id]
	switch {
	case inActive && inHistory:
		panic(fmt.Sprintf("callsession: call %s present in both partitions", id))
	case inActive:
		return a.Clone(), PartitionActive, nil
	case inHistory:
		return h.Clone(), PartitionHistory, nil
	}
	return nil, "", fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (m *MemoryStore) ListActive(_ context.Context, status Status) ([]*Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Call, 0, len(m.active))
	for _, c := range m.active {
		if status != "" && c.Status != status {
			continue
		}
		result = append(result, c.Clone())
	}
	sortByScheduledStart(result, false)
	return result, nil
}

func (m *MemoryStore) ListHistory(_ context.Context, f HistoryFilter) ([]*Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Call, 0, len(m.history))
	for _, c := range m.history {
		if f.Matches(c) {
			result = append(result, c.Clone())
		}
	}
	sortByScheduledStart(result, true)
	return result, nil
}

func (m *MemoryStore) UpdateActive(_ context.Context, id string, fn func(c *Call) error) (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.active[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	working := current.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	working.ID = id

	if working.Partition() == PartitionHistory {
		delete(m.active, id)
		m.history[id] = working
	} else {
		m.active[id] = working
	}
	return working.Clone(), nil
}

func (m *MemoryStore) PromoteToHistory(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.active[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.active, id)
	m.history[id] = c
	return nil
}

func (m *MemoryStore) AttachSummary(_ context.Context, id string, s *Summary) (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.history[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	c.Summary = s.Clone()
	return c.Clone(), nil
}

// Counts returns the size of each partition.
func (m *MemoryStore) Counts() (active, history int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active), len(m.history)
}

func sortByScheduledStart(calls []*Call, desc bool) {
	sort.Slice(calls, func(i, j int) bool {
		a, b := calls[i], calls[j]
		if !a.ScheduledStart.Equal(b.ScheduledStart) {
			if desc {
				return a.ScheduledStart.After(b.ScheduledStart)
			}
			return a.ScheduledStart.Before(b.ScheduledStart)
		}
		return a.ID < b.ID
	})
}
