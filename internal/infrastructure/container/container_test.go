package container

import (
	"context"
	"path/filepath"
	"testing"

	"xfeed/internal/infrastructure/config"
	"xfeed/internal/infrastructure/storage"
	sqliterepo "xfeed/internal/infrastructure/storage/sqlite"
)

func TestContainerDefaultsToMemoryStore(t *testing.T) {
	c, err := New(context.Background(), &config.Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if _, ok := c.Store().(*storage.MemoryStore); !ok {
		t.Fatalf("store = %T", c.Store())
	}
	if c.TickerCache() != nil || c.StatusPublisher() != nil {
		t.Fatal("redis ports should be nil when redis is disabled")
	}
}

func TestContainerOpensSQLite(t *testing.T) {
	cfg := &config.Config{}
	cfg.Storage.Enabled = true
	cfg.Storage.SQLite.Enabled = true
	cfg.Storage.SQLite.Path = filepath.Join(t.TempDir(), "data", "xfeed.db")

	c, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := c.Store().(*sqliterepo.Repo); !ok {
		t.Fatalf("store = %T", c.Store())
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// second close is a no-op
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
