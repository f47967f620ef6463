package fs_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iqyx/sffs"
	sffstest "github.com/iqyx/sffs/testing"
)

// 32 KiB: 8 sectors of 15 data pages, so space runs out fast.
const smallDevice = 32768

func TestFillToCapacityFails(t *testing.T) {
	fsys, _ := sffstest.CreateFilesystem(t, smallDevice)

	var id sffs.FileID = 1
	for ; id < 200; id++ {
		data := sffstest.PatternBytes(int64(id), 1024)
		f, err := fsys.OpenID(id, sffs.ModeOverwrite)
		require.NoError(t, err)
		_, err = f.Write(data)
		require.NoError(t, f.Close())
		if err != nil {
			assert.ErrorIs(t, err, sffs.ErrNoSpace)
			break
		}
	}
	require.Less(t, int(id), 200, "the device never filled up")

	// Everything written before the failure is intact.
	for verify := sffs.FileID(1); verify < id; verify++ {
		size, err := fsys.FileSize(verify)
		if err != nil {
			// The failed write may have left a shorter file; only fully
			// written files are checked.
			continue
		}
		if size == 1024 {
			assert.Equal(t, sffstest.PatternBytes(int64(verify), 1024),
				sffstest.ReadAll(t, fsys, verify))
		}
	}
	assert.NoError(t, fsys.Check())
}

func TestRemoveAndReuse(t *testing.T) {
	fsys, _ := sffstest.CreateFilesystem(t, smallDevice)

	// Fill most of the device, then free every other file and write new
	// ones into the reclaimed space.
	var written []sffs.FileID
	for id := sffs.FileID(1); id <= 20; id++ {
		data := sffstest.PatternBytes(int64(id), 1024)
		f, err := fsys.OpenID(id, sffs.ModeOverwrite)
		require.NoError(t, err)
		_, err = f.Write(data)
		require.NoError(t, f.Close())
		if err != nil {
			break
		}
		written = append(written, id)
	}
	require.GreaterOrEqual(t, len(written), 10, "expected to fit at least 10 files")

	for i, id := range written {
		if i%2 == 0 {
			require.NoError(t, fsys.FileRemove(id))
		}
	}

	// The freed space accommodates the same amount of new data; the write
	// path reclaims dirty sectors on demand.
	for i, id := range written {
		if i%2 != 0 {
			continue
		}
		data := sffstest.PatternBytes(int64(id)+1000, 1024)
		sffstest.WriteFile(t, fsys, id+1000, data)
	}

	for i, id := range written {
		if i%2 == 0 {
			assert.Equal(t, sffstest.PatternBytes(int64(id)+1000, 1024),
				sffstest.ReadAll(t, fsys, id+1000))
		} else {
			assert.Equal(t, sffstest.PatternBytes(int64(id), 1024),
				sffstest.ReadAll(t, fsys, id))
		}
	}
	assert.NoError(t, fsys.Check())
}

func TestRewriteChurnsThroughReclamation(t *testing.T) {
	fsys, _ := sffstest.CreateFilesystem(t, smallDevice)

	// Rewriting the same file far more times than there are pages forces
	// many reclamation passes.
	var last []byte
	for i := 0; i < 300; i++ {
		last = sffstest.PatternBytes(int64(i), 700)
		sffstest.WriteFile(t, fsys, 5, last)
	}
	assert.Equal(t, last, sffstest.ReadAll(t, fsys, 5))
	assert.NoError(t, fsys.Check())
}

func TestManualReclaim(t *testing.T) {
	fsys, _ := sffstest.CreateFilesystem(t, smallDevice)

	// Nothing dirty yet.
	reclaimed, err := fsys.Reclaim()
	require.NoError(t, err)
	assert.False(t, reclaimed)

	// Dirty a couple of sectors by filling them and deleting the files.
	for id := sffs.FileID(1); id <= 8; id++ {
		sffstest.WriteFile(t, fsys, id, sffstest.PatternBytes(int64(id), 1024))
	}
	for id := sffs.FileID(1); id <= 8; id++ {
		require.NoError(t, fsys.FileRemove(id))
	}

	total := 0
	for {
		reclaimed, err := fsys.Reclaim()
		require.NoError(t, err)
		if !reclaimed {
			break
		}
		total++
	}
	assert.Greater(t, total, 0, "expected at least one dirty sector")
	assert.NoError(t, fsys.Check())
}

// A seeded random workload: rewrite, delete, size-check and verify files
// against an in-RAM model, then remount and verify once more.
func TestRandomWorkload(t *testing.T) {
	fsys, mem := sffstest.CreateFilesystem(t, 1<<17)

	rng := sffstest.NewRand(1234)
	model := map[sffs.FileID][]byte{}
	fileForSlot := func(slot int) sffs.FileID { return sffs.FileID(slot + 1) }

	for i := 0; i < 2000; i++ {
		id := fileForSlot(rng.Intn(20))
		content, exists := model[id]

		switch op := rng.Intn(10); {
		case op == 0 || !exists:
			data := sffstest.PatternBytes(rng.Int63(), 500+rng.Intn(1000))
			sffstest.WriteFile(t, fsys, id, data)
			if exists && len(content) > len(data) {
				// An overwrite keeps whatever lies past the written range.
				model[id] = append(data, content[len(data):]...)
			} else {
				model[id] = data
			}

		case op == 1:
			require.NoError(t, fsys.FileRemove(id))
			delete(model, id)

		case op == 2:
			size, err := fsys.FileSize(id)
			require.NoError(t, err)
			require.EqualValues(t, len(content), size, "iteration %d file %d", i, id)

		default:
			require.Equalf(t, content, sffstest.ReadAll(t, fsys, id),
				"iteration %d file %d", i, id)
		}

		if i%250 == 0 {
			require.NoError(t, fsys.Check(), "iteration %d", i)
		}
	}

	fsys = sffstest.Remount(t, fsys, mem)
	for id, content := range model {
		assert.Equalf(t, content, sffstest.ReadAll(t, fsys, id), "file %d after remount", id)
	}
	assert.NoError(t, fsys.Check())
}
