package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// GetJSON loads and decodes key, returning the raw bytes for later IfUnchanged checks
func GetJSON(ctx context.Context, s Store, key string, v any) ([]byte, error) {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return raw, nil
}

// PutJSON builds a write mutation for v
func PutJSON(key string, v any) (Mutation, []byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Mutation{}, nil, fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return Put(key, raw), raw, nil
}

// ScanJSON decodes every value under prefix, in key order
func ScanJSON[T any](ctx context.Context, s Store, prefix string) ([]T, error) {
	kvs, err := s.RangeScan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(kvs))
	for _, kv := range kvs {
		var v T
		if err := json.Unmarshal(kv.Value, &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", kv.Key, err)
		}
		out = append(out, v)
	}
	return out, nil
}
