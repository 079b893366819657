// SPDX-License-Identifier: MIT

/*
Package prefetch implements the process-wide asynchronous disk reader used by
matrix stores to fill their read-ahead windows.

One goroutine services all requests, oldest token first, so at most one disk
read is in flight per process. Every request carries a buffer that is owned by
exactly one side at any instant:

	requester --Request--> worker --(Ready)--> requester (GetRequest)
	                            \--(Cancelled)--> Done disposes via Release

The request table maps a token to Queued, Servicing, Ready or Cancelled. A
token passed to Done is forgotten and never reported again.
*/
package prefetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	applog "spectral/internal/log"
	"spectral/internal/metrics"
)

// Token identifies a request. Tokens increase monotonically per worker.
type Token int64

// Request describes one read. After it is handed to Worker.Request the
// requester must not touch it until GetRequest returns it.
type Request struct {
	File   io.ReaderAt
	Lock   sync.Locker // optional, held around each block read
	Offset int64
	Size   int
	Buf    []byte

	// OK and Err are set by the worker when the request becomes ready.
	OK  bool
	Err error

	// Release disposes of Buf when the requester never reclaims it
	// (cancelled or abandoned requests). It is called at most once.
	Release func([]byte)
}

type state uint8

const (
	queued state = iota
	servicing
	ready
	cancelled
)

func (s state) String() string {
	switch s {
	case queued:
		return "queued"
	case servicing:
		return "servicing"
	case ready:
		return "ready"
	case cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

type entry struct {
	req             *Request
	state           state
	cancelRequested bool
	taken           bool
	settled         chan struct{} // closed on the transition to ready or cancelled
}

// Options tunes the worker.
type Options struct {
	BlockSize int           // largest single ReadAt issued
	IdleWait  time.Duration // bounded wait when the queue is empty
}

// DefaultOptions returns 1 MiB blocks and a one second idle wait.
func DefaultOptions() Options {
	return Options{BlockSize: 1 << 20, IdleWait: time.Second}
}

// ErrCancelled is recorded on a request whose read was abandoned part way.
var ErrCancelled = errors.New("prefetch: cancelled")

// Worker is the single-slot asynchronous reader.
type Worker struct {
	opts Options
	log  applog.Logger

	mu      sync.Mutex
	entries map[Token]*entry
	queue   []Token
	next    Token
	exiting bool

	wake chan struct{}
	wg   sync.WaitGroup
}

// NewWorker starts a worker goroutine. Call Finish and Wait to stop it.
func NewWorker(opts Options) *Worker {
	def := DefaultOptions()
	if opts.BlockSize <= 0 {
		opts.BlockSize = def.BlockSize
	}
	if opts.IdleWait <= 0 {
		opts.IdleWait = def.IdleWait
	}
	w := &Worker{
		opts:    opts,
		log:     applog.Named("prefetch"),
		entries: make(map[Token]*entry),
		wake:    make(chan struct{}, 1),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

var (
	sharedOnce   sync.Once
	sharedWorker *Worker
	sharedOpts   = DefaultOptions()
)

// Configure sets the options of the shared worker. It has no effect once
// Shared has been called.
func Configure(opts Options) {
	sharedOpts = opts
}

// Shared returns the process-wide worker, starting it on first use.
func Shared() *Worker {
	sharedOnce.Do(func() {
		sharedWorker = NewWorker(sharedOpts)
	})
	return sharedWorker
}

// Request queues req and returns its token immediately.
func (w *Worker) Request(req *Request) Token {
	w.mu.Lock()
	w.next++
	t := w.next
	e := &entry{req: req, settled: make(chan struct{})}
	w.entries[t] = e
	if w.exiting {
		e.state = cancelled
		close(e.settled)
	} else {
		w.queue = append(w.queue, t)
	}
	w.mu.Unlock()

	metrics.PrefetchRequests.Inc()
	w.signal()
	return t
}

// Cancel moves a request to Cancelled. A request being read is flagged and
// filed as Cancelled when the current block completes.
func (w *Worker) Cancel(t Token) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.entries[t]
	if !ok {
		return
	}
	switch e.state {
	case queued:
		e.state = cancelled
		close(e.settled)
		metrics.PrefetchCancelled.Inc()
	case ready:
		if !e.taken {
			e.state = cancelled
			metrics.PrefetchCancelled.Inc()
		}
	case servicing:
		if !e.cancelRequested {
			e.cancelRequested = true
			metrics.PrefetchCancelled.Inc()
		}
	}
}

// IsReady reports whether t has been read and not cancelled.
func (w *Worker) IsReady(t Token) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[t]
	return ok && e.state == ready
}

// IsCancelled reports whether t has reached the Cancelled state.
func (w *Worker) IsCancelled(t Token) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[t]
	return ok && e.state == cancelled
}

// GetRequest hands a ready request, and ownership of its buffer, back to
// the requester. It returns false for any other state or if already taken.
func (w *Worker) GetRequest(t Token) (*Request, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[t]
	if !ok || e.state != ready || e.taken {
		return nil, false
	}
	e.taken = true
	return e.req, true
}

// AwaitSettled blocks until t is ready or cancelled, or ctx ends. Unknown
// tokens return immediately.
func (w *Worker) AwaitSettled(ctx context.Context, t Token) error {
	w.mu.Lock()
	e, ok := w.entries[t]
	w.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-e.settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done forgets t. It must be called once the requester has consumed a ready
// request or given up on a cancelled one; any buffer the requester did not
// take is released here. Calling Done on a request that is still being read
// leaves disposal to the worker.
func (w *Worker) Done(t Token) {
	w.mu.Lock()
	e, ok := w.entries[t]
	if !ok {
		w.mu.Unlock()
		return
	}
	delete(w.entries, t)
	var orphan *Request
	if e.state != servicing && !e.taken {
		orphan = e.req
	}
	e.req = nil
	w.mu.Unlock()

	release(orphan)
}

// Finish cancels everything still queued and tells the worker to exit.
func (w *Worker) Finish() {
	w.mu.Lock()
	w.exiting = true
	for _, t := range w.queue {
		if e, ok := w.entries[t]; ok && e.state == queued {
			e.state = cancelled
			close(e.settled)
		}
	}
	w.queue = nil
	w.mu.Unlock()
	w.signal()
}

// Wait blocks until the worker goroutine has exited.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// Pending returns the number of entries not yet passed to Done.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// popLocked returns the oldest queued entry, skipping tokens that were
// cancelled or forgotten while waiting.
func (w *Worker) popLocked() (Token, *entry) {
	for len(w.queue) > 0 {
		t := w.queue[0]
		w.queue = w.queue[1:]
		if e, ok := w.entries[t]; ok && e.state == queued {
			return t, e
		}
	}
	return 0, nil
}

func (w *Worker) run() {
	defer w.wg.Done()
	timer := time.NewTimer(w.opts.IdleWait)
	defer timer.Stop()

	for {
		w.mu.Lock()
		if w.exiting {
			w.mu.Unlock()
			return
		}
		t, e := w.popLocked()
		if e == nil {
			w.mu.Unlock()
			timer.Reset(w.opts.IdleWait)
			select {
			case <-w.wake:
			case <-timer.C:
			}
			continue
		}
		e.state = servicing
		req := e.req
		w.mu.Unlock()

		err := w.service(t, req)

		w.mu.Lock()
		cur, ok := w.entries[t]
		if !ok {
			// Forgotten while we were reading: nobody will reclaim the buffer.
			w.mu.Unlock()
			release(req)
			continue
		}
		if cur.cancelRequested {
			cur.state = cancelled
		} else {
			req.OK = err == nil
			req.Err = err
			cur.state = ready
		}
		close(cur.settled)
		w.mu.Unlock()

		if err != nil && !errors.Is(err, ErrCancelled) {
			metrics.PrefetchFailures.Inc()
			w.log.Warnf("read of %d bytes at %d failed: %v", req.Size, req.Offset, err)
		}
	}
}

// service performs the read in bounded blocks, checking for cancellation
// between blocks.
func (w *Worker) service(t Token, req *Request) error {
	if req.File == nil {
		return fmt.Errorf("prefetch: request %d has no file", t)
	}
	if len(req.Buf) < req.Size {
		return fmt.Errorf("prefetch: request %d buffer holds %d of %d bytes", t, len(req.Buf), req.Size)
	}

	for off := 0; off < req.Size; {
		if w.cancelRequested(t) {
			return ErrCancelled
		}
		n := min(w.opts.BlockSize, req.Size-off)
		if req.Lock != nil {
			req.Lock.Lock()
		}
		m, err := req.File.ReadAt(req.Buf[off:off+n], req.Offset+int64(off))
		if req.Lock != nil {
			req.Lock.Unlock()
		}
		off += m
		metrics.PrefetchBytes.Add(float64(m))
		if err != nil && !(errors.Is(err, io.EOF) && m == n) {
			return fmt.Errorf("prefetch: read at %d: %w", req.Offset+int64(off), err)
		}
		if m < n && err == nil {
			return fmt.Errorf("prefetch: short read at %d: %w", req.Offset+int64(off), io.ErrUnexpectedEOF)
		}
	}
	return nil
}

func (w *Worker) cancelRequested(t Token) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[t]
	return !ok || e.cancelRequested || w.exiting
}

func release(req *Request) {
	if req == nil {
		return
	}
	buf := req.Buf
	req.Buf = nil
	if req.Release != nil && buf != nil {
		req.Release(buf)
	}
}
