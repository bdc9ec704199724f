// Package cache implements the on-disk TTL'd key→blob store for candles
// and ticker metadata. It is the only mutable shared resource in the
// pipeline: the Cache is an explicit object constructed by the
// Orchestrator and handed to the components that need it — there is no
// package-level singleton.
package cache

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/sentinel-screener/internal/errs"
)

const (
	magic         = "CHE1"
	envelopeVer   = byte(1)
	headerLen     = 4 + 1 + 8 + 4 // magic + ver + stored_at + payload_len
)

// Kind distinguishes cache entry categories, each with its own TTL.
type Kind string

const (
	KindInfo    Kind = "info"
	KindCandles Kind = "candles"
)

// Stats summarizes the cache directory's current contents.
type Stats struct {
	FileCount  int
	TotalBytes int64
	Dir        string
}

// Cache is a TTL'd on-disk blob store keyed by (ticker, kind, interval).
// Safe for concurrent use by multiple goroutines: writes go through a
// temp-file-then-rename swap so a reader never observes a torn write.
type Cache struct {
	dir          string
	ttlInfo      time.Duration
	ttlCandles   time.Duration
	log          zerolog.Logger
	mu           sync.Mutex // serializes temp-file creation per process
}

// New constructs a Cache rooted at dir, creating it if absent.
func New(dir string, ttlInfoMin, ttlCandlesMin int, log zerolog.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir %s: %w", dir, err)
	}
	return &Cache{
		dir:        dir,
		ttlInfo:    time.Duration(ttlInfoMin) * time.Minute,
		ttlCandles: time.Duration(ttlCandlesMin) * time.Minute,
		log:        log.With().Str("component", "cache").Logger(),
	}, nil
}

// Key identifies a cache entry.
type Key struct {
	Ticker   string
	Kind     Kind
	Interval string // e.g. "3mo"; empty for info entries
}

func (k Key) filename() string {
	safe := strings.ReplaceAll(k.Ticker, ".", "_")
	if k.Interval != "" {
		return fmt.Sprintf("%s_%s_%s.bin", safe, k.Kind, k.Interval)
	}
	return fmt.Sprintf("%s_%s.bin", safe, k.Kind)
}

func (c *Cache) path(k Key) string {
	return filepath.Join(c.dir, k.filename())
}

func (c *Cache) ttlFor(kind Kind) time.Duration {
	if kind == KindCandles {
		return c.ttlCandles
	}
	return c.ttlInfo
}

// ErrMiss is returned by Get when the key is absent or stale.
var ErrMiss = fmt.Errorf("cache: miss")

// Get returns the raw payload bytes for k, or ErrMiss if absent, stale,
// or corrupt. Corrupt or unparseable files are deleted and treated as a
// miss, per the CacheCorrupt recovery policy.
func (c *Cache) Get(k Key) ([]byte, error) {
	path := c.path(k)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, ErrMiss
	}

	payload, storedAt, err := decodeEnvelope(raw)
	if err != nil {
		c.log.Warn().Err(err).Str("key", k.filename()).Msg("corrupt cache entry, evicting")
		_ = os.Remove(path)
		return nil, ErrMiss
	}

	if time.Since(storedAt) >= c.ttlFor(k.Kind) {
		return nil, ErrMiss
	}

	return payload, nil
}

// Put atomically writes payload for k, stamping stored_at as now. Safe
// under concurrent calls: the swap is a same-directory rename.
func (c *Cache) Put(k Key, payload []byte) error {
	env := encodeEnvelope(payload, time.Now())

	c.mu.Lock()
	tmp, err := os.CreateTemp(c.dir, "."+k.filename()+".tmp-*")
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("cache: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(env); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("cache: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cache: closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, c.path(k)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cache: renaming into place: %w", err)
	}
	return nil
}

// PutValue msgpack-encodes v and stores it via Put — the hot read/write
// path uses msgpack rather than JSON for density and speed.
func (c *Cache) PutValue(k Key, v interface{}) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: encoding payload: %w", err)
	}
	return c.Put(k, payload)
}

// GetValue decodes a Get result with msgpack into dst.
func (c *Cache) GetValue(k Key, dst interface{}) error {
	payload, err := c.Get(k)
	if err != nil {
		return err
	}
	if err := msgpack.Unmarshal(payload, dst); err != nil {
		c.log.Warn().Err(err).Str("key", k.filename()).Msg("corrupt cache payload, evicting")
		_ = os.Remove(c.path(k))
		return ErrMiss
	}
	return nil
}

// Clear evicts every entry whose stored_at is older than olderThan.
func (c *Cache) Clear(olderThan time.Duration) error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("cache: reading dir: %w", err)
	}
	cutoff := time.Now().Add(-olderThan)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(c.dir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		_, storedAt, err := decodeEnvelope(raw)
		if err != nil || storedAt.Before(cutoff) {
			_ = os.Remove(path)
		}
	}
	return nil
}

// StatsOf reports the current file count and total byte size of the
// cache directory.
func (c *Cache) StatsOf() (Stats, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return Stats{}, fmt.Errorf("cache: reading dir: %w", err)
	}
	stats := Stats{Dir: c.dir}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		stats.FileCount++
		stats.TotalBytes += info.Size()
	}
	return stats, nil
}

func encodeEnvelope(payload []byte, storedAt time.Time) []byte {
	buf := make([]byte, headerLen+len(payload))
	copy(buf[0:4], magic)
	buf[4] = envelopeVer
	binary.BigEndian.PutUint64(buf[5:13], uint64(storedAt.UnixMilli()))
	binary.BigEndian.PutUint32(buf[13:17], uint32(len(payload)))
	copy(buf[17:], payload)
	return buf
}

func decodeEnvelope(raw []byte) ([]byte, time.Time, error) {
	if len(raw) < headerLen {
		return nil, time.Time{}, errs.New(errs.CacheCorrupt, "", fmt.Errorf("envelope too short: %d bytes", len(raw)))
	}
	if string(raw[0:4]) != magic {
		return nil, time.Time{}, errs.New(errs.CacheCorrupt, "", fmt.Errorf("bad magic %q", raw[0:4]))
	}
	if raw[4] != envelopeVer {
		return nil, time.Time{}, errs.New(errs.CacheCorrupt, "", fmt.Errorf("unsupported version %d", raw[4]))
	}
	storedAtMs := binary.BigEndian.Uint64(raw[5:13])
	payloadLen := binary.BigEndian.Uint32(raw[13:17])
	if int(payloadLen) != len(raw)-headerLen {
		return nil, time.Time{}, errs.New(errs.CacheCorrupt, "", fmt.Errorf("payload length mismatch: header says %d, have %d", payloadLen, len(raw)-headerLen))
	}
	storedAt := time.UnixMilli(int64(storedAtMs))
	return raw[headerLen:], storedAt, nil
}
