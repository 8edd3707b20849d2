// Package session persists per-tenant auth material and metadata in a
// file-backed durable tier with a redis cache in front of it.
package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/petzap/wabridge/internal/domain"
)

const (
	metadataFile   = "metadata.json"
	cacheKeyPrefix = "session:metadata:"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Manager owns the session directory tree and the metadata cache.
type Manager struct {
	root     string
	cache    Cache
	cacheTTL time.Duration
}

// NewManager probes preferredRoot for writability once and falls back
// to a directory under the system temp dir when the probe fails.
func NewManager(preferredRoot string, cache Cache, cacheTTL time.Duration) *Manager {
	root := probeWritable(preferredRoot)
	return &Manager{root: root, cache: cache, cacheTTL: cacheTTL}
}

func probeWritable(preferred string) string {
	if err := os.MkdirAll(preferred, 0o755); err == nil {
		if f, err := os.CreateTemp(preferred, ".probe-*"); err == nil {
			name := f.Name()
			f.Close()
			os.Remove(name)
			return preferred
		}
	}
	fallback := filepath.Join(os.TempDir(), "wabridge-sessions")
	if err := os.MkdirAll(fallback, 0o755); err != nil {
		zap.L().Error("session fallback path not writable",
			zap.String("path", fallback), zap.Error(err))
	}
	zap.L().Warn("session path not writable, using fallback",
		zap.String("preferred", preferred),
		zap.String("fallback", fallback))
	return fallback
}

// Root returns the active session root after the writability probe.
func (m *Manager) Root() string { return m.root }

// SessionDir returns the per-tenant directory path.
func (m *Manager) SessionDir(key domain.TenantKey) string {
	return filepath.Join(m.root, key.String())
}

// EnsureSessionDir creates the tenant directory if needed.
func (m *Manager) EnsureSessionDir(key domain.TenantKey) (string, error) {
	dir := m.SessionDir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "create session dir %s", dir)
	}
	return dir, nil
}

// SaveRecord writes the metadata synchronously to the durable tier,
// then refreshes the cache best-effort. Callers may rely on the record
// being on disk when this returns nil.
func (m *Manager) SaveRecord(ctx context.Context, rec domain.SessionRecord) error {
	dir, err := m.EnsureSessionDir(rec.Key())
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal session record")
	}
	path := filepath.Join(dir, metadataFile)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", path)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "sync %s", path)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "close %s", path)
	}
	m.cacheSet(ctx, rec.Key(), data)
	return nil
}

// LoadRecord reads the metadata, consulting the cache first and
// repopulating it from disk on a miss.
func (m *Manager) LoadRecord(ctx context.Context, key domain.TenantKey) (*domain.SessionRecord, error) {
	if m.cache != nil {
		if data, err := m.cache.Get(ctx, cacheKeyPrefix+key.String()); err == nil {
			var rec domain.SessionRecord
			if err := json.Unmarshal(data, &rec); err == nil {
				return &rec, nil
			}
			zap.L().Warn("corrupt cached session record, rereading disk",
				zap.String("tenant", key.String()))
		}
	}
	path := filepath.Join(m.SessionDir(key), metadataFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read %s", path)
	}
	var rec domain.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	m.cacheSet(ctx, key, data)
	return &rec, nil
}

// TouchConnected stamps last-connected and persists durably.
func (m *Manager) TouchConnected(ctx context.Context, key domain.TenantKey, at time.Time) error {
	rec, err := m.LoadRecord(ctx, key)
	if err != nil {
		return err
	}
	if rec == nil {
		return errors.Errorf("no session record for %s", key)
	}
	rec.LastConnected = &at
	return m.SaveRecord(ctx, *rec)
}

// Remove purges both tiers for the tenant: cache entry first, then the
// whole credential directory.
func (m *Manager) Remove(ctx context.Context, key domain.TenantKey) error {
	if m.cache != nil {
		if err := m.cache.Delete(ctx, cacheKeyPrefix+key.String()); err != nil {
			zap.L().Warn("session cache delete failed",
				zap.String("tenant", key.String()), zap.Error(err))
		}
	}
	dir := m.SessionDir(key)
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "remove %s", dir)
	}
	return nil
}

// SessionExists reports whether credential material is on disk.
func (m *Manager) SessionExists(key domain.TenantKey) bool {
	dir := m.SessionDir(key)
	for _, name := range []string{"creds.db", "creds.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

// Validate checks the session directory holds both credentials and
// metadata.
func (m *Manager) Validate(key domain.TenantKey) error {
	if !m.SessionExists(key) {
		return errors.Errorf("no credentials for %s", key)
	}
	if _, err := os.Stat(filepath.Join(m.SessionDir(key), metadataFile)); err != nil {
		return errors.Wrapf(err, "no metadata for %s", key)
	}
	return nil
}

// List returns the tenant keys with sessions on disk, optionally
// filtered by organization.
func (m *Manager) List(org string) ([]domain.TenantKey, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read %s", m.root)
	}
	var keys []domain.TenantKey
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		parts := strings.SplitN(e.Name(), "_", 2)
		if len(parts) != 2 {
			continue
		}
		if org != "" && parts[0] != org {
			continue
		}
		keys = append(keys, domain.TenantKey{OrganizationID: parts[0], InstanceID: parts[1]})
	}
	return keys, nil
}

// CleanupOldSessions removes sessions whose last activity is older
// than the threshold. skip lets the caller protect live tenants.
func (m *Manager) CleanupOldSessions(ctx context.Context, olderThan time.Duration, skip func(domain.TenantKey) bool) (int, error) {
	keys, err := m.List("")
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, key := range keys {
		if skip != nil && skip(key) {
			continue
		}
		rec, err := m.LoadRecord(ctx, key)
		if err != nil {
			zap.L().Warn("cleanup: unreadable session record",
				zap.String("tenant", key.String()), zap.Error(err))
			continue
		}
		last := time.Time{}
		if rec != nil {
			last = rec.CreatedAt
			if rec.LastConnected != nil {
				last = *rec.LastConnected
			}
		}
		if last.After(cutoff) {
			continue
		}
		if err := m.Remove(ctx, key); err != nil {
			zap.L().Warn("cleanup: remove failed",
				zap.String("tenant", key.String()), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		zap.L().Info("session cleanup finished", zap.Int("removed", removed))
	}
	return removed, nil
}

// Stats summarizes the durable tier.
func (m *Manager) Stats(ctx context.Context) (domain.SessionStats, error) {
	keys, err := m.List("")
	if err != nil {
		return domain.SessionStats{}, err
	}
	stats := domain.SessionStats{ByOrg: make(map[string]int)}
	var oldest, newest time.Time
	for _, key := range keys {
		stats.Total++
		stats.ByOrg[key.OrganizationID]++
		rec, err := m.LoadRecord(ctx, key)
		if err != nil || rec == nil {
			continue
		}
		if oldest.IsZero() || rec.CreatedAt.Before(oldest) {
			oldest = rec.CreatedAt
		}
		if newest.IsZero() || rec.CreatedAt.After(newest) {
			newest = rec.CreatedAt
		}
	}
	now := time.Now()
	if !oldest.IsZero() {
		stats.OldestAge = now.Sub(oldest)
	}
	if !newest.IsZero() {
		stats.NewestAge = now.Sub(newest)
	}
	return stats, nil
}

func (m *Manager) cacheSet(ctx context.Context, key domain.TenantKey, data []byte) {
	if m.cache == nil {
		return
	}
	if err := m.cache.SetWithTTL(ctx, cacheKeyPrefix+key.String(), data, m.cacheTTL); err != nil {
		zap.L().Warn("session cache set failed",
			zap.String("tenant", key.String()), zap.Error(err))
	}
}
