package testsupport

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/karloscodes/cartridge"
	ctestsupport "github.com/karloscodes/cartridge/testsupport"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"workstats/internal/catalog"
	"workstats/internal/channels"
	"workstats/internal/config"
	"workstats/internal/logstore"
	"workstats/internal/models"
	"workstats/internal/sessions"
	"workstats/internal/stats"
)

// testDBCache caches test databases by test name to allow multiple calls
// within the same test to share the same database
var testDBCache = make(map[string]*gorm.DB)
var testDBCacheMu sync.Mutex

// TestDBManager wraps cartridge's TestDBManager
type TestDBManager struct {
	*ctestsupport.TestDBManager
}

// NewTestDBManager creates a TestDBManager that implements cartridge.DBManager
func NewTestDBManager(db *gorm.DB) *TestDBManager {
	return &TestDBManager{
		TestDBManager: ctestsupport.NewTestDBManager(db),
	}
}

// Ensure TestDBManager implements cartridge.DBManager
var _ cartridge.DBManager = (*TestDBManager)(nil)

// allModels returns the owned tables plus the reference tables
func allModels() []any {
	owned := []any{
		&sessions.Session{},
		&stats.DailyStat{},
		&stats.CumulativeStat{},
		&channels.ChannelStat{},
	}
	return append(owned, catalog.Models()...)
}

// SetupTestDB creates a test database with all models migrated.
// Uses a named in-memory database with cache=shared to allow multiple connections
// to share the same database within a test. Caches the database by test name
// so multiple calls within the same test return the same database.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	// Use root test name for caching so subtests share the parent's database
	rootName := t.Name()
	if idx := strings.Index(rootName, "/"); idx > 0 {
		rootName = rootName[:idx]
	}

	testDBCacheMu.Lock()
	if db, exists := testDBCache[rootName]; exists {
		testDBCacheMu.Unlock()
		return db
	}
	testDBCacheMu.Unlock()

	dsn := fmt.Sprintf("file:test_%s_%d?mode=memory&cache=shared", rootName, time.Now().UnixNano())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("testsupport: failed to open test database: %v", err)
	}

	// One connection keeps the shared in-memory database free of table locks
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(allModels()...); err != nil {
		t.Fatalf("testsupport: failed to migrate models: %v", err)
	}

	testDBCacheMu.Lock()
	testDBCache[rootName] = db
	testDBCacheMu.Unlock()

	t.Cleanup(func() {
		testDBCacheMu.Lock()
		delete(testDBCache, rootName)
		testDBCacheMu.Unlock()
		sqlDB, err := db.DB()
		if err == nil {
			sqlDB.Close()
		}
	})

	return db
}

// SetupTestDBManager creates a test DB manager using cartridge's testsupport
func SetupTestDBManager(t *testing.T) (*TestDBManager, *slog.Logger) {
	t.Helper()
	return NewTestDBManager(SetupTestDB(t)), GetLogger()
}

// TestConfig returns a configuration for the test environment with
// sequential fan-out.
func TestConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("WORKSTATS_ENV", config.Test)
	t.Setenv("WORKSTATS_TIMEZONE", "Asia/Shanghai")
	t.Setenv("WORKSTATS_CHANNEL_CONCURRENCY", "1")
	t.Setenv("WORKSTATS_LOOKUP_CONCURRENCY", "1")

	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

// CleanTables deletes every row of the given tables
func CleanTables(db *gorm.DB, tables ...string) {
	db.Transaction(func(tx *gorm.DB) error {
		for _, table := range tables {
			tx.Exec("DELETE FROM " + table)
			tx.Exec("DELETE FROM sqlite_sequence WHERE name=?", table)
		}
		return nil
	})
}

// GetLogger returns a test logger
func GetLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})
	return slog.New(handler)
}

// Shanghai is the reference timezone used across tests.
func Shanghai(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)
	return loc
}

// MustJSON marshals v for fixtures.
func MustJSON(t *testing.T, v any) models.JSON {
	t.Helper()
	j, err := models.NewJSON(v)
	require.NoError(t, err)
	return j
}

// FakeQuery is one recorded call to FakeLogStore.
type FakeQuery struct {
	From  time.Time
	To    time.Time
	Query string
	Args  []any
}

// FakeLogStore is an in-memory logstore.Querier. Handler decides the rows
// for each call; a nil Handler returns no rows.
type FakeLogStore struct {
	mu      sync.Mutex
	calls   []FakeQuery
	Handler func(q FakeQuery) ([]logstore.Row, error)
}

var _ logstore.Querier = (*FakeLogStore)(nil)

// NewFakeLogStore returns a store that answers every query with rows.
func NewFakeLogStore(rows ...logstore.Row) *FakeLogStore {
	return &FakeLogStore{
		Handler: func(FakeQuery) ([]logstore.Row, error) { return rows, nil },
	}
}

func (f *FakeLogStore) Query(ctx context.Context, from, to time.Time, query string, args ...any) ([]logstore.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := FakeQuery{From: from, To: to, Query: query, Args: args}

	f.mu.Lock()
	f.calls = append(f.calls, q)
	handler := f.Handler
	f.mu.Unlock()

	if handler == nil {
		return nil, nil
	}
	return handler(q)
}

// Calls returns the recorded queries in call order.
func (f *FakeLogStore) Calls() []FakeQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeQuery(nil), f.calls...)
}

// FakeLocator resolves IPs from a fixed table.
type FakeLocator map[string]string

func (l FakeLocator) Region(ip string) string { return l[ip] }
