package flash_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"

	"github.com/iqyx/sffs"
	"github.com/iqyx/sffs/flash"
)

func newStream(t *testing.T) *flash.Stream {
	storage := bytes.Repeat([]byte{0xFF}, 32768)
	dev, err := flash.NewStream(bytesextra.NewReadWriteSeeker(storage), sffs.FlashInfo{
		Capacity:   32768,
		PageSize:   256,
		SectorSize: 4096,
		BlockSize:  4096,
	})
	require.NoError(t, err)
	return dev
}

func TestStreamRoundTrip(t *testing.T) {
	dev := newStream(t)

	require.NoError(t, dev.PageWrite(512, []byte{1, 2, 3, 4}))
	buffer := make([]byte, 4)
	require.NoError(t, dev.PageRead(512, buffer))
	assert.Equal(t, []byte{1, 2, 3, 4}, buffer)
}

func TestStreamProgramIsMonotone(t *testing.T) {
	dev := newStream(t)

	require.NoError(t, dev.PageWrite(0, []byte{0x0F}))
	err := dev.PageWrite(0, []byte{0xF0})
	assert.ErrorIs(t, err, sffs.ErrIOFailed, "setting cleared bits must fail verify")

	buffer := make([]byte, 1)
	require.NoError(t, dev.PageRead(0, buffer))
	assert.Equal(t, byte(0x00), buffer[0], "the AND result must still be stored")
}

func TestStreamErase(t *testing.T) {
	dev := newStream(t)
	require.NoError(t, dev.PageWrite(4096, []byte{0}))

	require.NoError(t, dev.SectorErase(4096))
	buffer := make([]byte, 1)
	require.NoError(t, dev.PageRead(4096, buffer))
	assert.Equal(t, byte(0xFF), buffer[0])
}

func TestStreamTooShort(t *testing.T) {
	storage := make([]byte, 100)
	_, err := flash.NewStream(bytesextra.NewReadWriteSeeker(storage), sffs.FlashInfo{
		Capacity:   32768,
		PageSize:   256,
		SectorSize: 4096,
	})
	assert.ErrorIs(t, err, sffs.ErrInvalidArgument)
}
