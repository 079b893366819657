// SPDX-License-Identifier: MIT
package storage

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Criteria describe what the caller cares about when asking where to keep
// a block of spectral data.
type Criteria uint8

const (
	SpeedCritical Criteria = 1 << iota
	PrecisionCritical
	RepeatabilityUseful
)

// Recommendation is a combination of one placement flag and one budget flag.
type Recommendation uint8

const (
	UseMemory Recommendation = 1 << iota
	UseDisk
	ConserveSpace
	UseAsMuchAsYouLike
)

// Memory reports whether the data should live in process memory.
func (r Recommendation) Memory() bool { return r&UseMemory != 0 }

// Generous reports whether the caller may use as much space as it likes.
func (r Recommendation) Generous() bool { return r&UseAsMuchAsYouLike != 0 }

func (r Recommendation) String() string {
	var parts []string
	if r&UseMemory != 0 {
		parts = append(parts, "memory")
	}
	if r&UseDisk != 0 {
		parts = append(parts, "disk")
	}
	if r&ConserveSpace != 0 {
		parts = append(parts, "conserve")
	}
	if r&UseAsMuchAsYouLike != 0 {
		parts = append(parts, "generous")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Oracle recommends memory or disk placement for a cache that needs between
// minBytes and maxBytes.
type Oracle interface {
	Recommend(c Criteria, minBytes, maxBytes int64) (Recommendation, error)
}

// Headroom functions are variables so tests can fake the machine state.
var (
	freeMemory = platformFreeMemory
	freeDisk   = platformFreeDisk
)

// FreeDiskBytes returns the space available to unprivileged users in dir, or
// -1 when the platform cannot tell.
func FreeDiskBytes(dir string) (int64, error) {
	return freeDisk(dir)
}

// CheckDiskSpace fails with ErrOutOfDiskSpace when dir visibly cannot hold
// need more bytes. An unknown figure is treated as enough.
func CheckDiskSpace(dir string, need int64) error {
	if need <= 0 {
		return nil
	}
	free, err := freeDisk(dir)
	if err != nil || free < 0 {
		return nil
	}
	if free < need {
		return fmt.Errorf("%w: %s has %d bytes free, %d required", ErrOutOfDiskSpace, dir, free, need)
	}
	return nil
}

// Advisor is the default Oracle. It compares the requested sizes with the
// free memory of the machine and the free space of the cache directory.
type Advisor struct {
	dir string

	mu sync.Mutex
	// reserved tracks memory already promised to earlier callers so that a
	// burst of spectrograms does not all land in RAM.
	reserved int64
}

// NewAdvisor returns an Advisor for the given cache directory.
func NewAdvisor(dir string) *Advisor {
	return &Advisor{dir: dir}
}

// Recommend implements Oracle.
func (a *Advisor) Recommend(c Criteria, minBytes, maxBytes int64) (Recommendation, error) {
	if maxBytes < minBytes {
		maxBytes = minBytes
	}
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return 0, fmt.Errorf("%w: create cache dir %s: %w", ErrFileOpenFailed, a.dir, err)
	}

	mem, _ := freeMemory()
	disk, _ := freeDisk(a.dir)

	a.mu.Lock()
	defer a.mu.Unlock()

	if mem >= 0 {
		mem -= a.reserved
		if mem < 0 {
			mem = 0
		}
	}

	known := func(v int64) bool { return v >= 0 }
	fits := func(free, need int64) bool { return !known(free) || free >= need }

	// Small caches, or speed-critical ones with plenty of RAM, stay in memory.
	// Half of free memory is the most one cache may claim.
	if known(mem) && mem/2 >= maxBytes && (c&SpeedCritical != 0 || maxBytes < 16<<20) {
		a.reserved += maxBytes
		return UseMemory | UseAsMuchAsYouLike, nil
	}
	if fits(disk, maxBytes) {
		rec := UseDisk | UseAsMuchAsYouLike
		if known(disk) && disk < maxBytes*4 {
			rec = UseDisk | ConserveSpace
		}
		return rec, nil
	}
	if known(mem) && mem/2 >= minBytes {
		a.reserved += minBytes
		return UseMemory | ConserveSpace, nil
	}
	if fits(disk, minBytes) {
		return UseDisk | ConserveSpace, nil
	}
	return 0, fmt.Errorf("%w: need %d bytes, memory free %d, disk free %d", ErrOutOfDiskSpace, minBytes, mem, disk)
}

// Release returns memory previously promised by a UseMemory recommendation.
func (a *Advisor) Release(bytes int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reserved -= bytes
	if a.reserved < 0 {
		a.reserved = 0
	}
}

// Fixed is an Oracle that always returns the same recommendation.
type Fixed Recommendation

// Recommend implements Oracle.
func (f Fixed) Recommend(Criteria, int64, int64) (Recommendation, error) {
	return Recommendation(f), nil
}

// NewOracle maps a configured policy name onto an Oracle.
func NewOracle(policy, dir string) (Oracle, error) {
	switch strings.ToLower(policy) {
	case "", "auto":
		return NewAdvisor(dir), nil
	case "memory":
		return Fixed(UseMemory | UseAsMuchAsYouLike), nil
	case "disk":
		return Fixed(UseDisk | UseAsMuchAsYouLike), nil
	default:
		return nil, fmt.Errorf("%w: unknown storage policy %q", ErrInvalidConfiguration, policy)
	}
}
