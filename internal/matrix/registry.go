// SPDX-License-Identifier: MIT
package matrix

import (
	"sync"

	"spectral/internal/metrics"
)

// Locking architecture
//
//  1. files.mu: the process-wide identity table. Held while a store
//     registers or unregisters, including the create/remove of the file, so
//     an identity is never half-established.
//
//  2. fileEntry.mu: guards the written bitset shared by every handle on the
//     identity.
//
//  3. Store.mu: per-handle state (descriptor, window, pending prefetch).
//
//  4. Store.fdMu: held around every descriptor access, by the store and by
//     the prefetch worker.
//
// Lock ordering: Store.mu → files.mu, Store.mu → fileEntry.mu and
// Store.mu → Store.fdMu. None of the inner locks nest with each other.

// files maps identities (cache file paths) to their shared state.
var files = struct {
	mu      sync.Mutex
	entries map[string]*fileEntry
}{entries: make(map[string]*fileEntry)}

// fileEntry is the state shared by every open Store of one identity. The
// backing file lives exactly as long as refs > 0.
type fileEntry struct {
	refs int

	mu      sync.RWMutex
	written *bitset
	// generation counts writer resizes and resets; read-only handles
	// reread the header when it moves.
	generation uint64
}

func (e *fileEntry) currentGeneration() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.generation
}

// register looks up path and increments its open count. live reports
// whether another handle already held the identity. create runs under the
// table lock only when the identity is new; if it fails nothing is
// registered.
func register(path string, create func() error) (entry *fileEntry, live bool, err error) {
	files.mu.Lock()
	defer files.mu.Unlock()

	if e, ok := files.entries[path]; ok {
		e.refs++
		return e, true, nil
	}
	if create != nil {
		if err := create(); err != nil {
			return nil, false, err
		}
	}
	e := &fileEntry{refs: 1, written: newBitset(0)}
	files.entries[path] = e
	metrics.OpenStores.Inc()
	return e, false, nil
}

// isRegistered reports whether path has a live handle.
func isRegistered(path string) bool {
	files.mu.Lock()
	defer files.mu.Unlock()
	_, ok := files.entries[path]
	return ok
}

// unregister decrements the open count of path. When it reaches zero the
// entry is removed and destroy runs under the table lock.
func unregister(path string, destroy func() error) error {
	files.mu.Lock()
	defer files.mu.Unlock()

	e, ok := files.entries[path]
	if !ok {
		return nil
	}
	e.refs--
	if e.refs > 0 {
		return nil
	}
	delete(files.entries, path)
	metrics.OpenStores.Dec()
	if destroy != nil {
		return destroy()
	}
	return nil
}

// OpenCount returns the number of live handles on path.
func OpenCount(path string) int {
	files.mu.Lock()
	defer files.mu.Unlock()
	if e, ok := files.entries[path]; ok {
		return e.refs
	}
	return 0
}
