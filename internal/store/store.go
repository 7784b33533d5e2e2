package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared across all backend implementations.
var (
	ErrNotFound               = errors.New("key not found")
	ErrDuplicateTransaction   = errors.New("duplicate transaction")
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// KV is one entry returned by a range scan
type KV struct {
	Key   string
	Value []byte
}

// HistoryEntry is one past value of a key, oldest first
type HistoryEntry struct {
	Value      []byte
	Deleted    bool
	RecordedAt time.Time
}

// Condition guards a Mutation inside Apply
type Condition int

const (
	CondNone    Condition = iota
	CondAbsent            // key must not exist
	CondEquals            // current value must equal Expect
	CondPresent           // key must exist
)

// Mutation is one write (or pure precondition) inside an atomic batch
type Mutation struct {
	Key       string
	Value     []byte
	Delete    bool
	CheckOnly bool
	Cond      Condition
	Expect    []byte
}

func Put(key string, value []byte) Mutation {
	return Mutation{Key: key, Value: value}
}

func Delete(key string) Mutation {
	return Mutation{Key: key, Delete: true}
}

// Check asserts a condition without writing
func Check(key string, cond Condition, expect []byte) Mutation {
	return Mutation{Key: key, CheckOnly: true, Cond: cond, Expect: expect}
}

// IfAbsent requires the key not to exist yet
func (m Mutation) IfAbsent() Mutation {
	m.Cond = CondAbsent
	return m
}

// IfUnchanged requires the current value to still equal prev
func (m Mutation) IfUnchanged(prev []byte) Mutation {
	m.Cond = CondEquals
	m.Expect = prev
	return m
}

// Store is the Ledger Store contract the accounting engine builds its invariants on.
//
// Apply commits every mutation of the batch or none of them. If any condition does not
// hold, nothing is written and ErrConcurrentModification is returned (ErrDuplicateTransaction
// for a failed CondAbsent), which callers use as a compare-and-set.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	RangeScan(ctx context.Context, prefix string) ([]KV, error)
	HistoryOf(ctx context.Context, key string) ([]HistoryEntry, error)
	Apply(ctx context.Context, batch []Mutation) error
	Close()
}

// ConditionError returns the sentinel for a violated condition
func ConditionError(cond Condition) error {
	if cond == CondAbsent {
		return ErrDuplicateTransaction
	}
	return ErrConcurrentModification
}

// PrefixEnd returns the smallest key greater than every key starting with prefix
func PrefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}
