// SPDX-License-Identifier: MIT

/*
Package matrix implements the on-disk matrix store behind disk column caches.

A store file holds a 16-byte header (width and height as host-native uint64)
followed by width columns of height fixed-size cells:

	[width][height][col 0: cell 0 .. cell h-1][col 1] ... [col w-1]

Stores are identified by path. The first handle to open a path in this
process owns it for writing; later handles are silently downgraded to
read-only. The file, and the bitset of written columns shared by all
handles, are destroyed when the last handle closes.

Sequential reads are served from a read-ahead window that the process-wide
prefetch worker fills in the background. A read outside the window never
waits for the worker; it falls back to one direct read of that column.
*/
package matrix

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	applog "spectral/internal/log"
	"spectral/internal/metrics"
	"spectral/internal/prefetch"
	"spectral/internal/storage"
)

const headerSize = 16

// Mode selects how a store is opened.
type Mode uint8

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "read-write"
	}
	return "read-only"
}

var (
	// ErrOutOfRange is returned for a column index outside [0, width).
	ErrOutOfRange = errors.New("matrix: column out of range")

	// ErrClosed is returned by every operation on a closed store.
	ErrClosed = errors.New("matrix: store closed")
)

// Options tunes the read-ahead behaviour of a store.
type Options struct {
	// WindowBytes is the size of the read-ahead window.
	WindowBytes int64
	// MinPrefetchColumns is the narrowest prefetch worth issuing.
	MinPrefetchColumns int
	// Eager prefetches columns whether or not they have been written yet.
	Eager bool
	// Worker services prefetches. Nil selects prefetch.Shared().
	Worker *prefetch.Worker
}

// Stats counts how column reads were served.
type Stats struct {
	WindowHits  uint64
	DirectReads uint64
	Prefetches  uint64
	Cancelled   uint64
}

type span struct {
	x, w int
}

func (sp span) contains(x int) bool {
	return sp.w > 0 && x >= sp.x && x < sp.x+sp.w
}

type pendingRead struct {
	token prefetch.Token
	span  span
}

// Store is one handle on a matrix file. It is safe for concurrent use.
type Store struct {
	path     string
	cellSize int
	opts     Options
	worker   *prefetch.Worker
	entry    *fileEntry
	log      applog.Logger

	mu     sync.Mutex
	fdMu   sync.Mutex
	mode   Mode
	file   *os.File
	width  int
	height int
	closed bool
	lastX  int
	win    span
	winBuf []byte
	spare  []byte
	pend   *pendingRead
	stats  Stats
	gen    uint64
}

// Open opens the store identified by path with cells of cellSize bytes.
//
// ReadWrite creates the file and writes an empty header; a leftover file of
// an earlier process is truncated. If the path is already open in this
// process the handle is downgraded to ReadOnly. ReadOnly fails with
// storage.ErrInvalidConfiguration when nobody has the path open.
func Open(path string, cellSize int, mode Mode, opts Options) (*Store, error) {
	if cellSize <= 0 {
		return nil, fmt.Errorf("%w: cell size %d", storage.ErrInvalidConfiguration, cellSize)
	}
	if opts.WindowBytes <= 0 {
		opts.WindowBytes = 4 << 20
	}
	if opts.MinPrefetchColumns <= 0 {
		opts.MinPrefetchColumns = 1
	}
	s := &Store{
		path:     path,
		cellSize: cellSize,
		opts:     opts,
		worker:   opts.Worker,
		mode:     mode,
		log:      applog.Named("matrix").With(filepath.Base(path)),
	}
	if s.worker == nil {
		s.worker = prefetch.Shared()
	}

	var created *os.File
	create := func() error {
		if mode != ReadWrite {
			return fmt.Errorf("%w: %s is not open for writing", storage.ErrInvalidConfiguration, path)
		}
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", storage.ErrFileOpenFailed, path, err)
		}
		if err := writeHeader(f, 0, 0); err != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return err
		}
		created = f
		return nil
	}

	entry, live, err := register(path, create)
	if err != nil {
		return nil, err
	}
	s.entry = entry

	if !live {
		s.file = created
		s.log.Debugf("created")
		return s, nil
	}

	if mode == ReadWrite {
		s.log.Debugf("already open in this process, downgrading to read-only")
		s.mode = ReadOnly
	}
	f, err := os.Open(path)
	if err != nil {
		_ = unregister(path, s.destroy)
		return nil, fmt.Errorf("%w: %s: %w", storage.ErrFileOpenFailed, path, err)
	}
	s.file = f
	s.gen = entry.currentGeneration()
	if err := s.readHeaderLocked(); err != nil {
		_ = f.Close()
		_ = unregister(path, s.destroy)
		return nil, err
	}
	return s, nil
}

// Path returns the identity of the store.
func (s *Store) Path() string { return s.path }

// Mode returns the effective open mode.
func (s *Store) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Width returns the number of columns.
func (s *Store) Width() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width
}

// Height returns the number of cells per column.
func (s *Store) Height() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height
}

// CellSize returns the size of one cell in bytes.
func (s *Store) CellSize() int { return s.cellSize }

// Stats returns a snapshot of the read counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Resize sets the dimensions, discarding all data. The disk is checked for
// room before the file is grown.
func (s *Store) Resize(w, h int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writableLocked(); err != nil {
		return err
	}
	if w < 0 || h < 0 {
		return fmt.Errorf("%w: dimensions %dx%d", storage.ErrInvalidConfiguration, w, h)
	}
	size := headerSize + int64(w)*int64(h)*int64(s.cellSize)
	var current int64
	if fi, err := s.file.Stat(); err == nil {
		current = fi.Size()
	}
	if err := storage.CheckDiskSpace(filepath.Dir(s.path), size-current); err != nil {
		return err
	}

	s.cancelPendingLocked()
	s.dropWindowLocked()

	s.fdMu.Lock()
	err := s.file.Truncate(headerSize)
	if err != nil {
		err = wrapResize(err)
	} else {
		err = writeHeader(s.file, w, h)
	}
	if err == nil {
		if terr := s.file.Truncate(size); terr != nil {
			err = wrapResize(terr)
		}
	}
	s.fdMu.Unlock()
	if err != nil {
		return fmt.Errorf("resize %s to %dx%d: %w", s.path, w, h, err)
	}

	s.width, s.height = w, h
	s.lastX = 0
	s.entry.mu.Lock()
	s.entry.written.resize(w)
	s.entry.generation++
	s.entry.mu.Unlock()
	return nil
}

// Reset zeroes every column and clears the written bitset, keeping the
// dimensions.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writableLocked(); err != nil {
		return err
	}
	s.cancelPendingLocked()
	s.dropWindowLocked()

	size := headerSize + int64(s.width)*int64(s.height)*int64(s.cellSize)
	s.fdMu.Lock()
	err := s.file.Truncate(headerSize)
	if err == nil {
		err = s.file.Truncate(size)
	}
	s.fdMu.Unlock()
	if err != nil {
		return fmt.Errorf("reset %s: %w", s.path, wrapResize(err))
	}

	s.entry.mu.Lock()
	s.entry.written.reset()
	s.entry.generation++
	s.entry.mu.Unlock()
	return nil
}

// HasColumn reports whether column x has been written since the last
// resize or reset.
func (s *Store) HasColumn(x int) bool {
	s.entry.mu.RLock()
	defer s.entry.mu.RUnlock()
	return s.entry.written.test(x)
}

// WrittenColumns returns the number of columns written so far.
func (s *Store) WrittenColumns() int {
	s.entry.mu.RLock()
	defer s.entry.mu.RUnlock()
	return s.entry.written.count()
}

// Column copies the cells of column x into dst, which must hold at least
// Height()*CellSize() bytes.
func (s *Store) Column(x int, dst []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureOpenLocked(); err != nil {
		return err
	}
	if s.mode == ReadOnly {
		if err := s.refreshLocked(); err != nil {
			return err
		}
	}
	if x < 0 || x >= s.width {
		return fmt.Errorf("%w: %d of %d", ErrOutOfRange, x, s.width)
	}
	colBytes := s.columnBytes()
	if len(dst) < colBytes {
		return fmt.Errorf("%w: buffer holds %d of %d bytes", storage.ErrInvalidConfiguration, len(dst), colBytes)
	}

	forward := x >= s.lastX
	s.lastX = x

	if !s.win.contains(x) {
		if err := s.collectLocked(x); err != nil {
			return err
		}
	}
	if s.win.contains(x) {
		off := (x - s.win.x) * colBytes
		copy(dst[:colBytes], s.winBuf[off:off+colBytes])
		s.stats.WindowHits++
		metrics.WindowHits.Inc()
		s.maybePrefetchLocked(x, forward)
		return nil
	}

	if err := s.readColumnLocked(x, dst[:colBytes]); err != nil {
		return err
	}
	s.stats.DirectReads++
	metrics.DirectReads.Inc()
	s.maybePrefetchLocked(x, forward)
	return nil
}

// SetColumn writes one column and marks it written.
func (s *Store) SetColumn(x int, cells []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writableLocked(); err != nil {
		return err
	}
	if x < 0 || x >= s.width {
		return fmt.Errorf("%w: %d of %d", ErrOutOfRange, x, s.width)
	}
	colBytes := s.columnBytes()
	if len(cells) != colBytes {
		return fmt.Errorf("%w: column of %d bytes, want %d", storage.ErrInvalidConfiguration, len(cells), colBytes)
	}

	s.fdMu.Lock()
	_, err := s.file.WriteAt(cells, s.offset(x))
	s.fdMu.Unlock()
	if err != nil {
		return fmt.Errorf("write column %d of %s: %w", x, s.path, wrapWrite(err))
	}

	// An in-flight read may have raced the write.
	if s.pend != nil && s.pend.span.contains(x) {
		s.cancelPendingLocked()
	}
	if s.win.contains(x) {
		off := (x - s.win.x) * colBytes
		copy(s.winBuf[off:off+colBytes], cells)
	}

	s.entry.mu.Lock()
	s.entry.written.set(x)
	s.entry.mu.Unlock()
	return nil
}

// Suspend releases the descriptor and the read-ahead window. The next
// operation reopens the file.
func (s *Store) Suspend() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.cancelPendingLocked()
	s.dropWindowLocked()
	s.spare = nil
	return s.closeFileLocked()
}

// Close releases the handle. The last handle on an identity removes the
// file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.cancelPendingLocked()
	s.dropWindowLocked()
	s.spare = nil

	closeErr := s.closeFileLocked()
	return errors.Join(closeErr, unregister(s.path, s.destroy))
}

func (s *Store) destroy() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", s.path, err)
	}
	s.log.Debugf("removed")
	return nil
}

func (s *Store) closeFileLocked() error {
	if s.file == nil {
		return nil
	}
	s.fdMu.Lock()
	err := s.file.Close()
	s.file = nil
	s.fdMu.Unlock()
	if err != nil {
		return fmt.Errorf("close %s: %w", s.path, err)
	}
	return nil
}

func (s *Store) writableLocked() error {
	if s.mode != ReadWrite {
		return fmt.Errorf("%w: %s is open read-only", storage.ErrInvalidConfiguration, s.path)
	}
	return s.ensureOpenLocked()
}

func (s *Store) ensureOpenLocked() error {
	if s.closed {
		return ErrClosed
	}
	if s.file != nil {
		return nil
	}
	flag := os.O_RDONLY
	if s.mode == ReadWrite {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(s.path, flag, 0)
	if err != nil {
		return fmt.Errorf("%w: reopen %s: %w", storage.ErrFileOpenFailed, s.path, err)
	}
	s.file = f
	if s.mode == ReadOnly {
		s.gen = s.entry.currentGeneration()
		if err := s.readHeaderLocked(); err != nil {
			_ = s.closeFileLocked()
			return err
		}
	}
	return nil
}

// refreshLocked rereads the header of a read-only handle once the writer has
// resized or reset the identity, dropping any window of the old layout.
func (s *Store) refreshLocked() error {
	gen := s.entry.currentGeneration()
	if gen == s.gen {
		return nil
	}
	s.cancelPendingLocked()
	s.dropWindowLocked()
	if err := s.readHeaderLocked(); err != nil {
		return err
	}
	s.gen = gen
	return nil
}

func (s *Store) readHeaderLocked() error {
	var hdr [headerSize]byte
	s.fdMu.Lock()
	_, err := s.file.ReadAt(hdr[:], 0)
	s.fdMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: header of %s: %w", storage.ErrFileReadFailed, s.path, err)
	}
	w := binary.NativeEndian.Uint64(hdr[0:8])
	h := binary.NativeEndian.Uint64(hdr[8:16])
	if w != uint64(s.width) || h != uint64(s.height) {
		s.cancelPendingLocked()
		s.dropWindowLocked()
	}
	s.width, s.height = int(w), int(h)
	return nil
}

func writeHeader(f *os.File, w, h int) error {
	var hdr [headerSize]byte
	binary.NativeEndian.PutUint64(hdr[0:8], uint64(w))
	binary.NativeEndian.PutUint64(hdr[8:16], uint64(h))
	if _, err := f.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("header of %s: %w", f.Name(), wrapWrite(err))
	}
	return nil
}

func wrapWrite(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %w", storage.ErrOutOfDiskSpace, err)
	}
	return fmt.Errorf("%w: %w", storage.ErrFileWriteFailed, err)
}

func wrapResize(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %w", storage.ErrOutOfDiskSpace, err)
	}
	return fmt.Errorf("%w: %w", storage.ErrSeekFailed, err)
}

func (s *Store) columnBytes() int {
	return s.height * s.cellSize
}

func (s *Store) offset(x int) int64 {
	return headerSize + int64(x)*int64(s.columnBytes())
}

func (s *Store) windowColumns() int {
	colBytes := s.columnBytes()
	if colBytes == 0 {
		return 0
	}
	return max(1, int(s.opts.WindowBytes/int64(colBytes)))
}

func (s *Store) readColumnLocked(x int, dst []byte) error {
	s.fdMu.Lock()
	n, err := s.file.ReadAt(dst, s.offset(x))
	s.fdMu.Unlock()
	if err != nil && !(errors.Is(err, io.EOF) && n == len(dst)) {
		return fmt.Errorf("%w: column %d of %s: %w", storage.ErrFileReadFailed, x, s.path, err)
	}
	return nil
}

func (s *Store) dropWindowLocked() {
	if s.winBuf != nil && s.spare == nil {
		s.spare = s.winBuf
	}
	s.win = span{}
	s.winBuf = nil
}

func (s *Store) takeBuffer(n int) []byte {
	if cap(s.spare) >= n {
		b := s.spare[:n]
		s.spare = nil
		return b
	}
	return make([]byte, n)
}

// recycle is the Release hook of our prefetch requests. Requests are always
// settled before Done, so it runs on the calling goroutine under s.mu.
func (s *Store) recycle(b []byte) {
	if cap(b) > cap(s.spare) {
		s.spare = b
	}
}

// collectLocked adopts a finished prefetch as the new window. A failed
// prefetch is an error only for a read of one of its columns; otherwise it
// is discarded and x is read directly.
func (s *Store) collectLocked(x int) error {
	if s.pend == nil {
		return nil
	}
	tok := s.pend.token
	if s.worker.IsCancelled(tok) {
		s.worker.Done(tok)
		s.pend = nil
		return nil
	}
	req, ok := s.worker.GetRequest(tok)
	if !ok {
		return nil
	}
	sp := s.pend.span
	s.pend = nil
	s.worker.Done(tok)

	if !req.OK {
		s.recycle(req.Buf)
		if !sp.contains(x) {
			s.log.Warnf("discarding failed prefetch of columns %d-%d: %v", sp.x, sp.x+sp.w-1, req.Err)
			return nil
		}
		return fmt.Errorf("%w: prefetch of columns %d-%d of %s: %w",
			storage.ErrFileReadFailed, sp.x, sp.x+sp.w-1, s.path, req.Err)
	}
	s.dropWindowLocked()
	s.win = sp
	s.winBuf = req.Buf
	return nil
}

func (s *Store) cancelPendingLocked() {
	if s.pend == nil {
		return
	}
	tok := s.pend.token
	s.pend = nil
	s.worker.Cancel(tok)
	_ = s.worker.AwaitSettled(context.Background(), tok)
	s.worker.Done(tok)
	s.stats.Cancelled++
}

// maybePrefetchLocked issues a new read-ahead request when x has moved far
// enough through the current (or pending) window in the direction of
// travel.
func (s *Store) maybePrefetchLocked(x int, forward bool) {
	w := s.windowColumns()
	if w == 0 || s.file == nil {
		return
	}

	cur := s.win
	if s.pend != nil {
		cur = s.pend.span
	}
	if cur.contains(x) {
		if forward && (cur.x+cur.w >= s.width || x < cur.x+3*cur.w/4) {
			return
		}
		if !forward && (cur.x == 0 || x >= cur.x+cur.w/4) {
			return
		}
	}

	start := x - w/3
	if !forward {
		start = x - 2*w/3
	}
	start = max(0, min(start, s.width-1))
	width := min(w, s.width-start)
	if !s.opts.Eager {
		s.entry.mu.RLock()
		width = s.entry.written.run(start, width)
		s.entry.mu.RUnlock()
	}
	if width <= 0 || width < min(s.opts.MinPrefetchColumns, s.width) {
		return
	}
	next := span{x: start, w: width}
	if next == cur || next == s.win {
		return
	}

	s.cancelPendingLocked()
	colBytes := s.columnBytes()
	buf := s.takeBuffer(width * colBytes)
	tok := s.worker.Request(&prefetch.Request{
		File:    s.file,
		Lock:    &s.fdMu,
		Offset:  s.offset(start),
		Size:    len(buf),
		Buf:     buf,
		Release: s.recycle,
	})
	s.pend = &pendingRead{token: tok, span: next}
	s.stats.Prefetches++
}
