// SPDX-License-Identifier: MIT
package spectrogram

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"

	"spectral/internal/column"
	"spectral/internal/matrix"
	"spectral/internal/metrics"
	"spectral/internal/storage"
)

// chunk covers columns [start, start+width) of a spectrogram.
//
// mu is the chunk's write lock. Writers hold it exclusively for a whole
// column, readers share it, and eviction takes it exclusively to suspend the
// cache, so a suspend never races a write in progress.
type chunk struct {
	index int
	start int
	width int

	mu       sync.RWMutex
	cache    column.Cache
	reserved int64 // memory promised by the oracle
	resident bool
}

func (c *chunk) String() string {
	return fmt.Sprintf("chunk %d [%d, %d) %s", c.index, c.start, c.start+c.width, c.cache.Kind())
}

// releaser is implemented by oracles that track the memory they promised.
type releaser interface {
	Release(bytes int64)
}

// chunkSet materialises chunks on first use and keeps at most limit of them
// resident, suspending the least recently used when another becomes
// resident.
//
// Lock order: chunkSet.mu → chunk.mu. Nothing holding a chunk lock may take
// chunkSet.mu.
type chunkSet struct {
	m *Manager

	mu       sync.Mutex
	chunks   []*chunk
	lru      *lru.Cache
	resident atomic.Int32
	maxSeen  atomic.Int32
	colBytes int
	maxWidth int
	criteria storage.Criteria
}

func newChunkSet(m *Manager, limit int) (*chunkSet, error) {
	cs := &chunkSet{m: m}
	cs.colBytes = m.params.Encoding.ColumnBytes(m.height)
	cs.maxWidth = int(max(1, m.opts.ChunkBytes/int64(cs.colBytes)))
	n := (m.width + cs.maxWidth - 1) / cs.maxWidth
	cs.chunks = make([]*chunk, n)
	cs.criteria = storage.RepeatabilityUseful
	if m.params.Encoding.Lossless() {
		cs.criteria |= storage.PrecisionCritical
	} else {
		cs.criteria |= storage.SpeedCritical
	}

	cache, err := lru.NewWithEvict(limit, cs.evicted)
	if err != nil {
		return nil, err
	}
	cs.lru = cache
	return cs, nil
}

// evicted runs under cs.mu from lru.Add and lru.Purge.
func (cs *chunkSet) evicted(_, value any) {
	c := value.(*chunk)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.resident {
		return
	}
	c.resident = false
	cs.resident.Add(-1)
	metrics.ResidentChunks.Dec()
	metrics.ChunkSuspensions.Inc()
	if err := c.cache.Suspend(); err != nil {
		cs.m.log.Warnf("suspend %v: %v", c, err)
	}
}

// lock returns the chunk holding column x, resident and locked for reading
// or writing. The caller unlocks it.
func (cs *chunkSet) lock(x int, write bool) (*chunk, error) {
	i := x / cs.maxWidth

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.chunks == nil {
		return nil, ErrClosed
	}
	c := cs.chunks[i]
	if c == nil {
		var err error
		if c, err = cs.materialise(i); err != nil {
			return nil, err
		}
		cs.chunks[i] = c
	}
	if _, ok := cs.lru.Get(i); !ok {
		cs.lru.Add(i, c)
		c.mu.Lock()
		c.resident = true
		c.mu.Unlock()
		n := cs.resident.Add(1)
		metrics.ResidentChunks.Inc()
		for {
			seen := cs.maxSeen.Load()
			if n <= seen || cs.maxSeen.CompareAndSwap(seen, n) {
				break
			}
		}
	}
	if write {
		c.mu.Lock()
	} else {
		c.mu.RLock()
	}
	return c, nil
}

// materialise creates and sizes the cache of chunk i.
func (cs *chunkSet) materialise(i int) (*chunk, error) {
	m := cs.m
	start := i * cs.maxWidth
	width := min(cs.maxWidth, m.width-start)
	bytes := int64(width) * int64(cs.colBytes)

	rec, err := m.opts.Oracle.Recommend(cs.criteria, bytes, bytes)
	if err != nil {
		return nil, fmt.Errorf("chunk %d: %w", i, err)
	}

	c := &chunk{index: i, start: start, width: width}
	kind := column.KindDisk
	if rec.Memory() {
		kind = column.KindMemory
		c.reserved = bytes
	} else if err := os.MkdirAll(m.opts.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: chunk %d: %w", storage.ErrFileOpenFailed, i, err)
	}
	opts := matrix.Options{
		WindowBytes:        m.opts.WindowBytes,
		MinPrefetchColumns: m.opts.MinPrefetchColumns,
		Worker:             m.opts.Worker,
	}
	if rec.Generous() {
		opts.WindowBytes *= 2
		opts.Eager = true
	}
	path := filepath.Join(m.opts.CacheDir, fmt.Sprintf("%016x-%04d.mat", m.ident, i))

	cache, err := column.New(kind, m.params.Encoding, path, opts)
	if err != nil {
		cs.release(c)
		return nil, fmt.Errorf("chunk %d: %w", i, err)
	}
	if err := cache.Resize(width, m.height); err != nil {
		cs.release(c)
		return nil, errors.Join(fmt.Errorf("chunk %d: %w", i, err), cache.Close())
	}
	c.cache = cache
	m.log.Debugf("materialised %v (%s)", c, rec)
	return c, nil
}

func (cs *chunkSet) release(c *chunk) {
	if c.reserved == 0 {
		return
	}
	if r, ok := cs.m.opts.Oracle.(releaser); ok {
		r.Release(c.reserved)
	}
	c.reserved = 0
}

// has reports whether column x has been written, without making its chunk
// resident.
func (cs *chunkSet) has(x int) bool {
	i := x / cs.maxWidth
	cs.mu.Lock()
	var c *chunk
	if cs.chunks != nil {
		c = cs.chunks[i]
	}
	cs.mu.Unlock()
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache.HaveSetColumnAt(x - c.start)
}

// close suspends and closes every chunk.
func (cs *chunkSet) close() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.chunks == nil {
		return nil
	}
	cs.lru.Purge()
	var errs []error
	for _, c := range cs.chunks {
		if c == nil {
			continue
		}
		c.mu.Lock()
		if err := c.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%v: %w", c, err))
		}
		c.mu.Unlock()
		cs.release(c)
	}
	cs.chunks = nil
	return errors.Join(errs...)
}
