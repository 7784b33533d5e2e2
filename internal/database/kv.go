package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"custodial-ledger-go/internal/store"

	"go.uber.org/zap"
)

func (s *Service) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, queryGetValue, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, nil
}

func (s *Service) Put(ctx context.Context, key string, value []byte) error {
	return s.Apply(ctx, []store.Mutation{store.Put(key, value)})
}

func (s *Service) RangeScan(ctx context.Context, prefix string) ([]store.KV, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if end := store.PrefixEnd(prefix); end != "" {
		rows, err = s.db.QueryContext(ctx, queryRangeScan, prefix, end)
	} else {
		rows, err = s.db.QueryContext(ctx, queryRangeScanOpen, prefix)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", prefix, err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}()

	var out []store.KV
	for rows.Next() {
		var kv store.KV
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, fmt.Errorf("failed to read scan row: %w", err)
		}
		out = append(out, kv)
	}
	return out, rows.Err()
}

func (s *Service) HistoryOf(ctx context.Context, key string) ([]store.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, queryGetHistory, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query history of %s: %w", key, err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}()

	var out []store.HistoryEntry
	for rows.Next() {
		var (
			entry      store.HistoryEntry
			recordedAt int64
		)
		if err := rows.Scan(&entry.Value, &entry.Deleted, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to read history row: %w", err)
		}
		entry.RecordedAt = time.Unix(0, recordedAt).UTC()
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Apply runs the batch in one immediate transaction; the write lock is taken at BEGIN so
// conditions checked inside the transaction cannot be invalidated before commit.
func (s *Service) Apply(ctx context.Context, batch []store.Mutation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, mut := range batch {
		if mut.Cond == store.CondNone {
			continue
		}
		var cur []byte
		err := tx.QueryRowContext(ctx, queryGetValue, mut.Key).Scan(&cur)
		exists := true
		if errors.Is(err, sql.ErrNoRows) {
			exists = false
		} else if err != nil {
			return fmt.Errorf("failed to check %s: %w", mut.Key, err)
		}
		if !store.ConditionHolds(mut, cur, exists) {
			return store.ConditionError(mut.Cond)
		}
	}

	now := time.Now().UnixNano()
	for _, mut := range batch {
		switch {
		case mut.CheckOnly:
			continue
		case mut.Delete:
			result, err := tx.ExecContext(ctx, queryDeleteValue, mut.Key)
			if err != nil {
				return fmt.Errorf("failed to delete %s: %w", mut.Key, err)
			}
			if n, _ := result.RowsAffected(); n == 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx, queryInsertHistory, mut.Key, nil, true, now); err != nil {
				return fmt.Errorf("failed to record history of %s: %w", mut.Key, err)
			}
		default:
			if _, err := tx.ExecContext(ctx, queryUpsertValue, mut.Key, mut.Value, now); err != nil {
				return fmt.Errorf("failed to write %s: %w", mut.Key, err)
			}
			if _, err := tx.ExecContext(ctx, queryInsertHistory, mut.Key, mut.Value, false, now); err != nil {
				return fmt.Errorf("failed to record history of %s: %w", mut.Key, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
