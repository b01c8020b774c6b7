// pycomplete/helpers_cache.go
// Contains the two-tier (ristretto memory, bbolt disk) completion result cache.
package pycomplete

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto"
	"github.com/dustin/go-humanize"
	"go.etcd.io/bbolt"
)

var cacheBucketName = []byte("CompletionCache") // Name of the bbolt bucket for caching.

const (
	memoryCacheMaxCost = 1 << 26 // 64MiB
	diskEntryMaxAge    = 24 * time.Hour
)

// ============================================================================
// Cache Keys
// ============================================================================

// cacheKey identifies one analysis: the path hash comes first so every entry
// for a file shares a prefix in bbolt.
type cacheKey struct {
	pathHash    uint64
	contentHash uint64
}

func cacheKeyFor(backendID string, req Request) cacheKey {
	d := xxhash.New()
	d.WriteString(backendID)
	d.WriteString("\x00")
	d.WriteString(req.Source)
	d.WriteString("\x00")
	d.WriteString(strconv.Itoa(req.Line))
	d.WriteString(":")
	d.WriteString(strconv.Itoa(req.Column))
	return cacheKey{pathHash: xxhash.Sum64String(req.Path), contentHash: d.Sum64()}
}

func (k cacheKey) String() string { return fmt.Sprintf("%016x:%016x", k.pathHash, k.contentHash) }

func (k cacheKey) diskKey() []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[:8], k.pathHash)
	binary.BigEndian.PutUint64(b[8:], k.contentHash)
	return b
}

func pathPrefix(path string) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, xxhash.Sum64String(path))
	return b
}

// ============================================================================
// Caching Analyzer
// ============================================================================

type cacheOptions struct {
	dbDir     string // Directory for the bbolt file; "" disables disk caching.
	useDisk   bool
	ttl       time.Duration
	backendID string // Part of every key so backends never share entries.
}

// cachingAnalyzer wraps a backend with a ristretto memory cache and an optional
// bbolt disk cache. Failed analyses are never cached.
type cachingAnalyzer struct {
	mu          sync.RWMutex // guards backend, backendID, ttl, db and memoryCache handles
	backend     Analyzer
	backendID   string
	ttl         time.Duration
	db          *bbolt.DB
	memoryCache *ristretto.Cache
	logger      *slog.Logger
}

func newCachingAnalyzer(backend Analyzer, opts cacheOptions, logger *slog.Logger) *cachingAnalyzer {
	if logger == nil {
		logger = slog.Default()
	}
	cacheLogger := logger.With("component", "CompletionCache")

	var db *bbolt.DB
	if opts.useDisk && opts.dbDir != "" {
		db = openDiskCache(opts.dbDir, cacheLogger)
	}

	memCache, cacheErr := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     memoryCacheMaxCost,
		BufferItems: 64,
		Metrics:     true,
	})
	if cacheErr != nil {
		cacheLogger.Warn("Failed to create ristretto memory cache, in-memory caching disabled.", "error", cacheErr)
		memCache = nil
	} else {
		cacheLogger.Info("Initialized ristretto in-memory cache", "max_cost", humanize.IBytes(memoryCacheMaxCost), "ttl", opts.ttl)
	}

	return &cachingAnalyzer{
		backend:     backend,
		backendID:   opts.backendID,
		ttl:         opts.ttl,
		db:          db,
		memoryCache: memCache,
		logger:      cacheLogger,
	}
}

func openDiskCache(dir string, logger *slog.Logger) *bbolt.DB {
	if err := os.MkdirAll(dir, 0750); err != nil {
		logger.Warn("Could not create bbolt cache directory, disk caching disabled.", "path", dir, "error", err)
		return nil
	}
	dbPath := filepath.Join(dir, "completion_cache.db")
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		logger.Warn("Failed to open bbolt cache file, disk caching disabled.", "path", dbPath, "error", err)
		return nil
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(cacheBucketName); err != nil {
			return fmt.Errorf("failed to create cache bucket %s: %w", string(cacheBucketName), err)
		}
		return nil
	})
	if err != nil {
		logger.Warn("Failed to ensure bbolt bucket exists, disk caching disabled.", "error", err)
		db.Close()
		return nil
	}
	if info, statErr := os.Stat(dbPath); statErr == nil {
		logger.Info("Using bbolt disk cache", "path", dbPath, "size", humanize.IBytes(uint64(info.Size())), "schema_version", cacheSchemaVersion)
	}
	return db
}

// Complete returns cached candidates or computes them with the backend.
func (a *cachingAnalyzer) Complete(ctx context.Context, req Request) ([]Candidate, error) {
	a.mu.RLock()
	backend, id, ttl := a.backend, a.backendID, a.ttl
	a.mu.RUnlock()
	if backend == nil {
		return nil, fmt.Errorf("%w: no backend", ErrAnalyzerUnavailable)
	}

	key := cacheKeyFor(id, req)
	logger := a.logger.With("req_id", req.ID, "cache_key", key.String())
	candidates, hit, err := withMemoryCache(a, key.String(), ttl, func() ([]Candidate, error) {
		if cached, ok := a.readDisk(key, id, logger); ok {
			return cached, nil
		}
		computed, err := backend.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
		if req.Path != "" {
			a.writeDisk(key, id, computed, logger)
		}
		return computed, nil
	}, logger)
	if hit {
		logger.Debug("Completion served from memory cache", "candidates", len(candidates))
	}
	return candidates, err
}

// SetBackend swaps the backend. Entries of the old backend become unreachable
// because the backend id is part of every key.
func (a *cachingAnalyzer) SetBackend(backend Analyzer, backendID string) {
	a.mu.Lock()
	a.backend = backend
	a.backendID = backendID
	a.mu.Unlock()
}

// SetTTL changes the memory cache TTL for new entries.
func (a *cachingAnalyzer) SetTTL(ttl time.Duration) {
	a.mu.Lock()
	a.ttl = ttl
	a.mu.Unlock()
}

// DiskEnabled reports whether the bbolt tier is open.
func (a *cachingAnalyzer) DiskEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.db != nil
}

// GetMemoryCache retrieves an item from the memory cache.
func (a *cachingAnalyzer) GetMemoryCache(key string) (any, bool) {
	a.mu.RLock()
	cache := a.memoryCache
	a.mu.RUnlock()
	if cache == nil {
		return nil, false
	}
	return cache.Get(key)
}

// SetMemoryCache adds an item to the memory cache.
func (a *cachingAnalyzer) SetMemoryCache(key string, value any, cost int64, ttl time.Duration) bool {
	a.mu.RLock()
	cache := a.memoryCache
	a.mu.RUnlock()
	if cache == nil {
		return false
	}
	return cache.SetWithTTL(key, value, cost, ttl)
}

// MemoryCacheEnabled returns true if the ristretto cache is available.
func (a *cachingAnalyzer) MemoryCacheEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.memoryCache != nil
}

// Metrics returns ristretto's metrics, or nil when the memory cache is off.
func (a *cachingAnalyzer) Metrics() *ristretto.Metrics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.memoryCache == nil {
		return nil
	}
	return a.memoryCache.Metrics
}

// waitMemory blocks until pending memory cache writes are applied.
func (a *cachingAnalyzer) waitMemory() {
	a.mu.RLock()
	cache := a.memoryCache
	a.mu.RUnlock()
	if cache != nil {
		cache.Wait()
	}
}

// InvalidatePath removes every cached result for path. Ristretto has no prefix
// deletion, so the memory tier is cleared entirely.
func (a *cachingAnalyzer) InvalidatePath(path string) error {
	logger := a.logger.With("path", path, "op", "InvalidatePath")
	a.mu.RLock()
	db, memCache := a.db, a.memoryCache
	a.mu.RUnlock()

	if memCache != nil {
		memCache.Clear()
	}
	if db == nil {
		return nil
	}
	prefix := pathPrefix(path)
	deleted := 0
	err := db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(cacheBucketName)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		logger.Warn("Failed to invalidate disk cache entries", "error", err)
		return fmt.Errorf("%w: invalidating %s: %w", ErrCacheWrite, path, err)
	}
	logger.Debug("Invalidated disk cache entries", "deleted", deleted)
	return nil
}

// InvalidateAll drops every cached result in both tiers. A saved file can
// change what other files import from it, so path-scoped deletion is not enough.
func (a *cachingAnalyzer) InvalidateAll() error {
	a.mu.RLock()
	db, memCache := a.db, a.memoryCache
	a.mu.RUnlock()

	if memCache != nil {
		memCache.Clear()
	}
	if db == nil {
		return nil
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(cacheBucketName) != nil {
			if err := tx.DeleteBucket(cacheBucketName); err != nil {
				return err
			}
		}
		_, err := tx.CreateBucket(cacheBucketName)
		return err
	})
	if err != nil {
		a.logger.Warn("Failed to clear disk cache", "error", err)
		return fmt.Errorf("%w: clearing disk cache: %w", ErrCacheWrite, err)
	}
	a.logger.Debug("Cleared all cached completions")
	return nil
}

// Close releases both cache tiers. The backend is owned by the caller.
func (a *cachingAnalyzer) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var closeErrors []error
	if a.db != nil {
		a.logger.Info("Closing bbolt cache database.")
		if err := a.db.Close(); err != nil {
			closeErrors = append(closeErrors, fmt.Errorf("bbolt close failed: %w", err))
		}
		a.db = nil
	}
	if a.memoryCache != nil {
		a.memoryCache.Close()
		a.memoryCache = nil
	}
	return errors.Join(closeErrors...)
}

// ============================================================================
// Disk Tier
// ============================================================================

func (a *cachingAnalyzer) readDisk(key cacheKey, backendID string, logger *slog.Logger) ([]Candidate, bool) {
	a.mu.RLock()
	db := a.db
	a.mu.RUnlock()
	if db == nil {
		return nil, false
	}
	var raw []byte
	err := db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(cacheBucketName)
		if b == nil {
			return nil
		}
		if v := b.Get(key.diskKey()); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		logger.Warn("Disk cache read failed", "error", fmt.Errorf("%w: %w", ErrCacheRead, err))
		return nil, false
	}
	if raw == nil {
		return nil, false
	}

	var entry CachedCompletionEntry
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&entry); err != nil {
		logger.Warn("Discarding undecodable disk cache entry", "error", fmt.Errorf("%w: %w", ErrCacheDecode, err))
		_ = deleteCacheEntryByKey(db, key.diskKey(), logger)
		return nil, false
	}
	if entry.SchemaVersion != cacheSchemaVersion || entry.Backend != backendID || time.Since(entry.StoredAt) > diskEntryMaxAge {
		logger.Debug("Discarding stale disk cache entry", "schema_version", entry.SchemaVersion, "stored", humanize.Time(entry.StoredAt))
		_ = deleteCacheEntryByKey(db, key.diskKey(), logger)
		return nil, false
	}
	logger.Debug("Disk cache hit", "candidates", len(entry.Candidates), "stored", humanize.Time(entry.StoredAt))
	return entry.Candidates, true
}

func (a *cachingAnalyzer) writeDisk(key cacheKey, backendID string, candidates []Candidate, logger *slog.Logger) {
	a.mu.RLock()
	db := a.db
	a.mu.RUnlock()
	if db == nil {
		return
	}
	var buf bytes.Buffer
	entry := CachedCompletionEntry{
		SchemaVersion: cacheSchemaVersion,
		Backend:       backendID,
		StoredAt:      time.Now(),
		Candidates:    candidates,
	}
	if err := gob.NewEncoder(&buf).Encode(&entry); err != nil {
		logger.Warn("Disk cache encode failed", "error", fmt.Errorf("%w: %w", ErrCacheEncode, err))
		return
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(cacheBucketName)
		if b == nil {
			return fmt.Errorf("bucket %s missing", string(cacheBucketName))
		}
		return b.Put(key.diskKey(), buf.Bytes())
	})
	if err != nil {
		logger.Warn("Disk cache write failed", "error", fmt.Errorf("%w: %w", ErrCacheWrite, err))
		return
	}
	logger.Debug("Disk cache entry written", "size", humanize.IBytes(uint64(buf.Len())))
}

// deleteCacheEntryByKey removes an entry directly using the key.
func deleteCacheEntryByKey(db *bbolt.DB, cacheKey []byte, logger *slog.Logger) error {
	if db == nil {
		return errors.New("cannot delete cache entry: db is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(cacheBucketName)
		if b == nil {
			return nil
		}
		return b.Delete(cacheKey)
	})
	if err != nil {
		logger.Warn("Failed to delete cache entry", "error", err)
		return fmt.Errorf("%w: failed to delete entry %x: %w", ErrCacheWrite, cacheKey, err)
	}
	return nil
}

// ============================================================================
// Memory Cache Helpers
// ============================================================================

// memoryCacher is the slice of cachingAnalyzer that withMemoryCache needs.
type memoryCacher interface {
	GetMemoryCache(key string) (any, bool)
	SetMemoryCache(key string, value any, cost int64, ttl time.Duration) bool
	MemoryCacheEnabled() bool
}

// withMemoryCache returns the cached value for cacheKey, or computes, stores and
// returns it. Errors from computeFn are never cached.
func withMemoryCache[T any](
	cache memoryCacher,
	cacheKey string,
	ttl time.Duration,
	computeFn func() (T, error),
	logger *slog.Logger,
) (T, bool, error) {
	var zero T
	if logger == nil {
		logger = slog.Default()
	}
	if cache == nil || !cache.MemoryCacheEnabled() {
		result, err := computeFn()
		return result, false, err
	}

	if cached, found := cache.GetMemoryCache(cacheKey); found {
		if typed, ok := cached.(T); ok {
			return typed, true, nil
		}
		logger.Error("Memory cache type assertion failed", "expected_type", fmt.Sprintf("%T", zero), "actual_type", fmt.Sprintf("%T", cached))
	}

	computed, err := computeFn()
	if err != nil {
		return zero, false, err
	}
	cost := estimateCost(computed)
	if !cache.SetMemoryCache(cacheKey, computed, cost, ttl) {
		logger.Debug("Memory cache Set rejected, item not cached", "cost", cost, "ttl", ttl)
	}
	return computed, false, nil
}

// estimateCost approximates the memory held by a cached value in bytes.
func estimateCost(v any) int64 {
	switch val := v.(type) {
	case string:
		return int64(len(val)) + 1
	case []Candidate:
		cost := int64(1)
		for _, c := range val {
			cost += int64(len(c.Name)+len(c.Category)+len(c.Doc)) + 48
		}
		return cost
	default:
		return 1
	}
}
