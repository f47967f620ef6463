package main

import (
	"bytes"
	"fmt"
	"math/rand"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"github.com/xaionaro-go/bytesextra"

	"github.com/iqyx/sffs"
	"github.com/iqyx/sffs/flash"
	"github.com/iqyx/sffs/fs"
)

// stress runs a seeded random workload against a RAM-backed device:
// create, rewrite, delete, stat and verify files until the iteration
// budget runs out. Any mismatch aborts with an error.
func stress(context *cli.Context) error {
	capacity := uint32(context.Uint("capacity"))
	iterations := context.Uint64("iterations")
	fileCount := int(context.Uint("files"))
	rng := rand.New(rand.NewSource(context.Int64("seed")))

	storage := bytes.Repeat([]byte{0xFF}, int(capacity))
	dev, err := flash.NewStream(bytesextra.NewReadWriteSeeker(storage), geometryFromFlags(context, capacity))
	if err != nil {
		return err
	}
	if err := fs.Format(dev, "stress"); err != nil {
		return err
	}

	fsys := fs.New()
	if err := fsys.Mount(dev); err != nil {
		return err
	}
	defer fsys.Free()

	model := make(map[sffs.FileID][]byte, fileCount)

	writeFile := func(id sffs.FileID) error {
		data := make([]byte, 500+rng.Intn(1000))
		rng.Read(data)

		f, err := fsys.OpenID(id, sffs.ModeOverwrite)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := f.Write(data); err != nil {
			return err
		}

		if old, ok := model[id]; ok && len(old) > len(data) {
			data = append(data, old[len(data):]...)
		}
		model[id] = data
		return nil
	}

	verifyFile := func(id sffs.FileID) error {
		content := model[id]
		f, err := fsys.OpenID(id, sffs.ModeRead)
		if err != nil {
			return err
		}
		defer f.Close()

		buffer := make([]byte, len(content))
		n, err := f.Read(buffer)
		if err != nil {
			return err
		}
		if n != len(content) || !bytes.Equal(buffer, content) {
			return fmt.Errorf("file %d content mismatch", id)
		}
		return nil
	}

	for i := uint64(0); i < iterations; i++ {
		id := sffs.FileID(rng.Intn(fileCount) + 1)
		_, exists := model[id]

		var err error
		switch op := rng.Intn(10); {
		case op == 0 || !exists:
			err = writeFile(id)

		case op == 1:
			err = fsys.FileRemove(id)
			delete(model, id)

		case op == 2:
			var size uint32
			size, err = fsys.FileSize(id)
			if err == nil && size != uint32(len(model[id])) {
				err = fmt.Errorf("file %d size %d, expected %d", id, size, len(model[id]))
			}

		default:
			err = verifyFile(id)
		}
		if err != nil {
			return fmt.Errorf("iteration %d: %w", i, err)
		}

		if i > 0 && i%10000 == 0 {
			logrus.WithFields(logrus.Fields{
				"iteration": i,
				"files":     len(model),
			}).Info("stress progress")
		}
	}

	if err := fsys.Check(); err != nil {
		return err
	}
	logrus.WithField("files", len(model)).Info("stress finished, all invariants hold")
	return nil
}
