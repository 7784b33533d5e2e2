package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"custodial-ledger-go/internal/models"
	"custodial-ledger-go/internal/store"
	"custodial-ledger-go/internal/store/storetest"

	_ "github.com/mattn/go-sqlite3"
)

func testConfig(path string) models.DatabaseConfig {
	return models.DatabaseConfig{
		Path:            path,
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
		ConnMaxIdleTime: time.Minute,
		PingTimeout:     time.Second,
	}
}

func setupTestDB(t *testing.T) *Service {
	svc, err := NewService(context.Background(), testConfig(":memory:"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func TestSQLiteStoreInMemory(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return setupTestDB(t)
	})
}

func TestSQLiteStoreOnDisk(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		svc, err := NewService(context.Background(), testConfig(filepath.Join(t.TempDir(), "ledger.db")))
		if err != nil {
			t.Fatalf("Failed to open test database: %v", err)
		}
		t.Cleanup(svc.Close)
		return svc
	})
}

func TestNewServiceValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.DatabaseConfig)
	}{
		{"empty path", func(c *models.DatabaseConfig) { c.Path = "" }},
		{"zero open conns", func(c *models.DatabaseConfig) { c.MaxOpenConns = 0 }},
		{"negative idle conns", func(c *models.DatabaseConfig) { c.MaxIdleConns = -1 }},
		{"zero ping timeout", func(c *models.DatabaseConfig) { c.PingTimeout = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(":memory:")
			tt.mutate(&cfg)
			if _, err := NewService(context.Background(), cfg); err == nil {
				t.Errorf("expected error for %s", tt.name)
			}
		})
	}
}

func TestHistoryPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	svc, err := NewService(ctx, testConfig(path))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := svc.Put(ctx, "wallets/a", []byte("1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := svc.Put(ctx, "wallets/a", []byte("2")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	svc.Close()

	reopened, err := NewService(ctx, testConfig(path))
	if err != nil {
		t.Fatalf("Failed to reopen database: %v", err)
	}
	defer reopened.Close()

	history, err := reopened.HistoryOf(ctx, "wallets/a")
	if err != nil {
		t.Fatalf("HistoryOf failed: %v", err)
	}
	if len(history) != 2 || string(history[1].Value) != "2" {
		t.Errorf("unexpected history: %+v", history)
	}
	if history[0].RecordedAt.IsZero() {
		t.Errorf("expected recorded_at to be set")
	}
}
