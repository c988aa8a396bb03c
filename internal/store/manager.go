package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Manager hands out per-tenant DB handles. Handles live for the process, not
// the request; the cache is capped and the least-recently-used handle is
// closed when a new tenant pushes it out.
type Manager struct {
	dataDir string
	prefix  string

	mu    sync.Mutex
	cache *lru.Cache[string, *DB]

	logger *slog.Logger
}

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z][0-9]{4}$`)

// ValidTenantID reports whether id has the documented shape
// (one letter followed by four digits).
func ValidTenantID(id string) bool { return tenantIDPattern.MatchString(id) }

// NewManager creates a manager rooted at dataDir with at most maxHandles
// cached tenant databases.
func NewManager(dataDir, prefix string, maxHandles int, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	m := &Manager{
		dataDir: dataDir,
		prefix:  prefix,
		logger:  logger.With("component", "store-manager"),
	}
	cache, err := lru.NewWithEvict(maxHandles, func(tenantID string, db *DB) {
		if err := db.Close(); err != nil {
			m.logger.Error("failed to close evicted tenant db", "tenant", tenantID, "error", err)
		}
	})
	if err != nil {
		return nil, err
	}
	m.cache = cache
	return m, nil
}

// Tenant returns the handle for tenantID, opening it on first use.
func (m *Manager) Tenant(tenantID string) (*DB, error) {
	if !ValidTenantID(tenantID) {
		return nil, fmt.Errorf("invalid tenant id %q", tenantID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if db, ok := m.cache.Get(tenantID); ok {
		return db, nil
	}
	path := filepath.Join(m.dataDir, fmt.Sprintf("%s_%s.db", m.prefix, tenantID))
	db, err := Open(tenantID, path)
	if err != nil {
		return nil, err
	}
	m.cache.Add(tenantID, db)
	return db, nil
}

// Exists reports whether a database file for the tenant already exists,
// without opening or creating it.
func (m *Manager) Exists(tenantID string) bool {
	path := filepath.Join(m.dataDir, fmt.Sprintf("%s_%s.db", m.prefix, tenantID))
	_, err := os.Stat(path)
	return err == nil
}

// TenantIDs lists every tenant with a database on disk.
func (m *Manager) TenantIDs() ([]string, error) {
	entries, err := os.ReadDir(m.dataDir)
	if err != nil {
		return nil, fmt.Errorf("read data dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, m.prefix+"_") || !strings.HasSuffix(name, ".db") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, m.prefix+"_"), ".db")
		if ValidTenantID(id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// DropTenant closes and removes a tenant database.
func (m *Manager) DropTenant(tenantID string) error {
	m.mu.Lock()
	m.cache.Remove(tenantID) // evict callback closes the handle
	m.mu.Unlock()

	path := filepath.Join(m.dataDir, fmt.Sprintf("%s_%s.db", m.prefix, tenantID))
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove tenant db: %w", err)
		}
	}
	return nil
}

// Close closes every cached handle.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Purge()
}
