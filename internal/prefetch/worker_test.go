// SPDX-License-Identifier: MIT
package prefetch

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedReader blocks every ReadAt until the gate is opened.
type gatedReader struct {
	data    []byte
	entered chan struct{}
	gate    chan struct{}
}

func newGatedReader(data []byte) *gatedReader {
	return &gatedReader{data: data, entered: make(chan struct{}, 1), gate: make(chan struct{})}
}

func (g *gatedReader) ReadAt(p []byte, off int64) (int, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.gate
	if off >= int64(len(g.data)) {
		return 0, nil
	}
	return copy(p, g.data[off:]), nil
}

type releaseCounter struct {
	n atomic.Int32
}

func (r *releaseCounter) release([]byte) { r.n.Add(1) }

func newTestWorker(t *testing.T, block int) *Worker {
	t.Helper()
	w := NewWorker(Options{BlockSize: block, IdleWait: 10 * time.Millisecond})
	t.Cleanup(func() {
		w.Finish()
		w.Wait()
	})
	return w
}

func settle(t *testing.T, w *Worker, tok Token) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.AwaitSettled(ctx, tok))
}

func TestTokenLifecycle(t *testing.T) {
	w := newTestWorker(t, 3)
	data := []byte("0123456789abcdef")
	var rc releaseCounter

	req := &Request{File: bytes.NewReader(data), Offset: 4, Size: 8, Buf: make([]byte, 8), Release: rc.release}
	tok := w.Request(req)
	settle(t, w, tok)

	assert.True(t, w.IsReady(tok))
	assert.False(t, w.IsCancelled(tok))

	got, ok := w.GetRequest(tok)
	require.True(t, ok)
	assert.True(t, got.OK)
	assert.NoError(t, got.Err)
	assert.Equal(t, "456789ab", string(got.Buf))

	_, again := w.GetRequest(tok)
	assert.False(t, again, "buffer ownership moves only once")

	w.Done(tok)
	assert.False(t, w.IsReady(tok))
	assert.False(t, w.IsCancelled(tok))
	_, ok = w.GetRequest(tok)
	assert.False(t, ok)
	assert.Zero(t, rc.n.Load(), "a consumed buffer belongs to the requester")
	assert.Zero(t, w.Pending())

	next := w.Request(&Request{File: bytes.NewReader(data), Size: 1, Buf: make([]byte, 1)})
	assert.Greater(t, next, tok)
	settle(t, w, next)
	w.Done(next)
}

func TestShortReadIsReadyButFailed(t *testing.T) {
	w := newTestWorker(t, 4)
	req := &Request{File: bytes.NewReader([]byte("abc")), Size: 8, Buf: make([]byte, 8)}
	tok := w.Request(req)
	settle(t, w, tok)

	require.True(t, w.IsReady(tok))
	got, ok := w.GetRequest(tok)
	require.True(t, ok)
	assert.False(t, got.OK)
	assert.Error(t, got.Err)
	w.Done(tok)
}

func TestCancelQueuedRequest(t *testing.T) {
	w := newTestWorker(t, 4)
	blocker := newGatedReader(make([]byte, 16))
	var rc releaseCounter

	first := w.Request(&Request{File: blocker, Size: 4, Buf: make([]byte, 4)})
	<-blocker.entered

	second := w.Request(&Request{File: bytes.NewReader(make([]byte, 4)), Size: 4, Buf: make([]byte, 4), Release: rc.release})
	w.Cancel(second)
	assert.True(t, w.IsCancelled(second))
	assert.False(t, w.IsReady(second))
	_, ok := w.GetRequest(second)
	assert.False(t, ok)

	w.Done(second)
	assert.Equal(t, int32(1), rc.n.Load())

	close(blocker.gate)
	settle(t, w, first)
	assert.True(t, w.IsReady(first))
	w.Done(first)
}

func TestCancelMidFlightReleasesOnce(t *testing.T) {
	w := newTestWorker(t, 4)
	r := newGatedReader(make([]byte, 64))
	var rc releaseCounter

	tok := w.Request(&Request{File: r, Size: 64, Buf: make([]byte, 64), Release: rc.release})
	<-r.entered
	w.Cancel(tok)
	close(r.gate)

	require.Eventually(t, func() bool { return w.IsCancelled(tok) }, 5*time.Second, time.Millisecond)
	assert.False(t, w.IsReady(tok))
	assert.Zero(t, rc.n.Load(), "buffer stays with the table until Done")

	w.Done(tok)
	w.Done(tok)
	assert.Equal(t, int32(1), rc.n.Load())
	assert.False(t, w.IsCancelled(tok))
}

func TestCancelReadyRequest(t *testing.T) {
	w := newTestWorker(t, 8)
	var rc releaseCounter
	tok := w.Request(&Request{File: bytes.NewReader(make([]byte, 8)), Size: 8, Buf: make([]byte, 8), Release: rc.release})
	settle(t, w, tok)

	w.Cancel(tok)
	assert.True(t, w.IsCancelled(tok))
	_, ok := w.GetRequest(tok)
	assert.False(t, ok)
	w.Done(tok)
	assert.Equal(t, int32(1), rc.n.Load())
}

func TestDoneWhileServicingReleasesFromWorker(t *testing.T) {
	w := newTestWorker(t, 4)
	r := newGatedReader(make([]byte, 16))
	var rc releaseCounter

	tok := w.Request(&Request{File: r, Size: 16, Buf: make([]byte, 16), Release: rc.release})
	<-r.entered
	w.Done(tok)
	assert.Zero(t, rc.n.Load())
	close(r.gate)

	require.Eventually(t, func() bool { return rc.n.Load() == 1 }, 5*time.Second, time.Millisecond)
	assert.False(t, w.IsReady(tok))
	assert.False(t, w.IsCancelled(tok))
}

func TestFinishCancelsQueued(t *testing.T) {
	w := NewWorker(Options{BlockSize: 4, IdleWait: 10 * time.Millisecond})
	r := newGatedReader(make([]byte, 16))

	first := w.Request(&Request{File: r, Size: 4, Buf: make([]byte, 4)})
	<-r.entered
	queued := w.Request(&Request{File: bytes.NewReader(make([]byte, 4)), Size: 4, Buf: make([]byte, 4)})

	w.Finish()
	assert.True(t, w.IsCancelled(queued))
	close(r.gate)
	w.Wait()

	// The in-flight read observed the exit flag between blocks or completed.
	assert.True(t, w.IsCancelled(first) || w.IsReady(first))

	late := w.Request(&Request{File: bytes.NewReader(make([]byte, 4)), Size: 4, Buf: make([]byte, 4)})
	assert.True(t, w.IsCancelled(late))
}

func TestLockHeldAroundReads(t *testing.T) {
	w := newTestWorker(t, 2)
	var mu sync.Mutex
	mu.Lock()
	tok := w.Request(&Request{File: bytes.NewReader(make([]byte, 8)), Lock: &mu, Size: 8, Buf: make([]byte, 8)})

	time.Sleep(20 * time.Millisecond)
	assert.False(t, w.IsReady(tok), "worker must wait for the descriptor lock")
	mu.Unlock()

	settle(t, w, tok)
	assert.True(t, w.IsReady(tok))
	w.Done(tok)
}

func TestAwaitSettledHonoursContext(t *testing.T) {
	w := newTestWorker(t, 4)
	r := newGatedReader(make([]byte, 4))
	tok := w.Request(&Request{File: r, Size: 4, Buf: make([]byte, 4)})
	<-r.entered

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.AwaitSettled(ctx, tok), context.DeadlineExceeded)

	close(r.gate)
	settle(t, w, tok)
	w.Done(tok)
}
