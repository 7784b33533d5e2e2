package store

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store, used by tests and the memory backend
type Memory struct {
	mu      sync.RWMutex
	data    map[string][]byte
	history map[string][]HistoryEntry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		data:    make(map[string][]byte),
		history: make(map[string][]HistoryEntry),
		now:     time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (m *Memory) Put(ctx context.Context, key string, value []byte) error {
	return m.Apply(ctx, []Mutation{Put(key, value)})
}

func (m *Memory) RangeScan(_ context.Context, prefix string) ([]KV, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []KV
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, KV{Key: k, Value: bytes.Clone(v)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) HistoryOf(_ context.Context, key string) ([]HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.history[key]
	out := make([]HistoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (m *Memory) Apply(ctx context.Context, batch []Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, mut := range batch {
		cur, exists := m.data[mut.Key]
		if !ConditionHolds(mut, cur, exists) {
			return ConditionError(mut.Cond)
		}
	}

	now := m.now()
	for _, mut := range batch {
		switch {
		case mut.CheckOnly:
			continue
		case mut.Delete:
			if _, ok := m.data[mut.Key]; !ok {
				continue
			}
			delete(m.data, mut.Key)
			m.history[mut.Key] = append(m.history[mut.Key], HistoryEntry{Deleted: true, RecordedAt: now})
		default:
			v := bytes.Clone(mut.Value)
			m.data[mut.Key] = v
			m.history[mut.Key] = append(m.history[mut.Key], HistoryEntry{Value: v, RecordedAt: now})
		}
	}
	return nil
}

func (m *Memory) Close() {}

// ConditionHolds evaluates a mutation's precondition against the current value
func ConditionHolds(mut Mutation, cur []byte, exists bool) bool {
	switch mut.Cond {
	case CondAbsent:
		return !exists
	case CondPresent:
		return exists
	case CondEquals:
		return exists && bytes.Equal(cur, mut.Expect)
	}
	return true
}
