// Package sffstest provides shared fixtures for the filesystem test
// suites: emulated flash devices, freshly formatted filesystems and
// deterministic file content.
package sffstest

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iqyx/sffs"
	"github.com/iqyx/sffs/flash"
	"github.com/iqyx/sffs/fs"
)

// Default geometry used across the suites, matching a typical small NOR
// part: 256 B pages, 4 KiB sectors.
const (
	DefaultPageSize   = 256
	DefaultSectorSize = 4096
)

// CreateMemory returns an erased emulated flash device of the given
// capacity with the default geometry. It is guaranteed to either return a
// valid device or fail the test and abort.
func CreateMemory(t *testing.T, capacity uint32) *flash.Memory {
	mem, err := flash.NewMemory(capacity, DefaultPageSize, DefaultSectorSize)
	require.NoErrorf(t, err, "failed to create a %d B emulated device", capacity)
	return mem
}

// CreateFilesystem formats the default geometry onto a fresh emulated
// device and mounts it. The filesystem is unmounted automatically when the
// test finishes.
func CreateFilesystem(t *testing.T, capacity uint32) (*fs.Filesystem, *flash.Memory) {
	mem := CreateMemory(t, capacity)
	require.NoError(t, fs.Format(mem, "test"), "format failed")

	fsys := fs.New()
	require.NoError(t, fsys.Mount(mem), "mount failed")
	t.Cleanup(func() {
		// Tests that unmount themselves leave nothing to do here.
		fsys.Free()
	})
	return fsys, mem
}

// Remount unmounts the filesystem and mounts a fresh instance on the same
// device, the way a reboot would.
func Remount(t *testing.T, fsys *fs.Filesystem, dev sffs.FlashDevice) *fs.Filesystem {
	if fsys != nil {
		fsys.Free()
	}
	fresh := fs.New()
	require.NoError(t, fresh.Mount(dev), "remount failed")
	t.Cleanup(func() {
		fresh.Free()
	})
	return fresh
}

// PatternBytes returns `n` deterministic pseudo-random bytes for the given
// seed, so content survives across remounts and reruns.
func PatternBytes(seed int64, n int) []byte {
	buffer := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(buffer)
	return buffer
}

// NewRand returns a seeded PRNG for reproducible randomized workloads.
func NewRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

// WriteFile writes the whole content of a file at position 0, failing the
// test on any error.
func WriteFile(t *testing.T, fsys *fs.Filesystem, fileID sffs.FileID, data []byte) {
	f, err := fsys.OpenID(fileID, sffs.ModeOverwrite)
	require.NoErrorf(t, err, "failed to open file %d for writing", fileID)
	n, err := f.Write(data)
	require.NoErrorf(t, err, "failed to write %d bytes to file %d", len(data), fileID)
	require.Equal(t, len(data), n)
	require.NoError(t, f.Close())
}

// ReadAll reads a file to EOF, failing the test on any error.
func ReadAll(t *testing.T, fsys *fs.Filesystem, fileID sffs.FileID) []byte {
	size, err := fsys.FileSize(fileID)
	require.NoErrorf(t, err, "failed to stat file %d", fileID)

	f, err := fsys.OpenID(fileID, sffs.ModeRead)
	require.NoErrorf(t, err, "failed to open file %d for reading", fileID)
	defer f.Close()

	buffer := make([]byte, size)
	n, err := f.Read(buffer)
	require.NoErrorf(t, err, "failed to read file %d", fileID)
	require.EqualValues(t, size, n, "short read on file %d", fileID)
	return buffer
}
