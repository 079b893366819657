// SPDX-License-Identifier: MIT
package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeHeadroom(t *testing.T, mem, disk int64) {
	t.Helper()
	origMem, origDisk := freeMemory, freeDisk
	t.Cleanup(func() { freeMemory, freeDisk = origMem, origDisk })
	freeMemory = func() (int64, error) { return mem, nil }
	freeDisk = func(string) (int64, error) { return disk, nil }
}

func TestAdvisorRecommend(t *testing.T) {
	const mb = 1 << 20

	tests := []struct {
		name      string
		mem, disk int64
		criteria  Criteria
		min, max  int64
		want      Recommendation
		wantErr   error
	}{
		{"small cache in plentiful memory", 1024 * mb, 1024 * mb, 0, 1 * mb, 4 * mb, UseMemory | UseAsMuchAsYouLike, nil},
		{"speed critical large cache", 4096 * mb, 4096 * mb, SpeedCritical, 64 * mb, 512 * mb, UseMemory | UseAsMuchAsYouLike, nil},
		{"large cache goes to disk", 256 * mb, 100000 * mb, 0, 64 * mb, 512 * mb, UseDisk | UseAsMuchAsYouLike, nil},
		{"tight disk conserves", 256 * mb, 1000 * mb, 0, 64 * mb, 512 * mb, UseDisk | ConserveSpace, nil},
		{"memory fallback for minimum", 512 * mb, 10 * mb, 0, 64 * mb, 512 * mb, UseMemory | ConserveSpace, nil},
		{"nothing fits", 10 * mb, 10 * mb, 0, 64 * mb, 512 * mb, 0, ErrOutOfDiskSpace},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fakeHeadroom(t, tt.mem, tt.disk)
			a := NewAdvisor(t.TempDir())

			got, err := a.Recommend(tt.criteria, tt.min, tt.max)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got, "got %s", got)
		})
	}
}

func TestAdvisorReservesMemory(t *testing.T) {
	const mb = 1 << 20
	fakeHeadroom(t, 20*mb, -1)
	a := NewAdvisor(t.TempDir())

	first, err := a.Recommend(0, 4*mb, 8*mb)
	require.NoError(t, err)
	assert.True(t, first.Memory())

	// 20MB free, 8MB promised: half of the remainder no longer covers 8MB.
	second, err := a.Recommend(0, 4*mb, 8*mb)
	require.NoError(t, err)
	assert.False(t, second.Memory(), "got %s", second)

	a.Release(8 * mb)
	third, err := a.Recommend(0, 4*mb, 8*mb)
	require.NoError(t, err)
	assert.True(t, third.Memory())
}

func TestCheckDiskSpace(t *testing.T) {
	fakeHeadroom(t, -1, 1000)
	dir := t.TempDir()

	require.NoError(t, CheckDiskSpace(dir, 999))
	err := CheckDiskSpace(dir, 1001)
	require.ErrorIs(t, err, ErrOutOfDiskSpace)

	fakeHeadroom(t, -1, -1)
	require.NoError(t, CheckDiskSpace(dir, 1<<40), "unknown free space must not block writes")
}

func TestFreeDiskBytes(t *testing.T) {
	fakeHeadroom(t, -1, 4096)
	n, err := FreeDiskBytes(t.TempDir())
	require.NoError(t, err)
	assert.EqualValues(t, 4096, n)
}

func TestNewOracle(t *testing.T) {
	dir := t.TempDir()

	o, err := NewOracle("memory", dir)
	require.NoError(t, err)
	rec, err := o.Recommend(0, 1, 2)
	require.NoError(t, err)
	assert.True(t, rec.Memory())

	o, err = NewOracle("DISK", dir)
	require.NoError(t, err)
	rec, _ = o.Recommend(0, 1, 2)
	assert.False(t, rec.Memory())
	assert.True(t, rec.Generous())

	_, err = NewOracle("tape", dir)
	require.ErrorIs(t, err, ErrInvalidConfiguration)
}
