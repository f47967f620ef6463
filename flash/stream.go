package flash

import (
	"fmt"
	"io"

	"github.com/iqyx/sffs"
)

// Stream adapts an io.ReadWriteSeeker, typically an *os.File holding a
// flash dump, into a sffs.FlashDevice. The stream stores the device image
// byte for byte; NOR program semantics are emulated with a read-modify-
// write cycle followed by a verify.
//
// The geometry cannot be derived from a bare stream, so the caller supplies
// it. The stream must already be at least Capacity bytes long.
type Stream struct {
	info   sffs.FlashInfo
	stream io.ReadWriteSeeker
}

func NewStream(stream io.ReadWriteSeeker, info sffs.FlashInfo) (*Stream, error) {
	if err := checkGeometry(info); err != nil {
		return nil, err
	}

	end, err := stream.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, sffs.ErrIOFailed.Wrap(err)
	}
	if end < int64(info.Capacity) {
		return nil, sffs.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"stream holds %d bytes, geometry needs %d", end, info.Capacity))
	}

	return &Stream{info: info, stream: stream}, nil
}

func (dev *Stream) GetInfo() (sffs.FlashInfo, error) {
	return dev.info, nil
}

func (dev *Stream) checkPageRange(addr uint32, length int) error {
	if length == 0 || uint32(length) > dev.info.PageSize {
		return sffs.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"transfer length must be in [1, %d], got %d", dev.info.PageSize, length))
	}
	end := uint64(addr) + uint64(length)
	if end > uint64(dev.info.Capacity) {
		return sffs.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"range [%d, %d) extends past end of device (%d B)",
			addr,
			end,
			dev.info.Capacity))
	}
	if addr/dev.info.PageSize != uint32(end-1)/dev.info.PageSize {
		return sffs.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"range [%d, %d) crosses a page boundary", addr, end))
	}
	return nil
}

func (dev *Stream) readAt(addr uint32, buffer []byte) error {
	if _, err := dev.stream.Seek(int64(addr), io.SeekStart); err != nil {
		return sffs.ErrIOFailed.Wrap(err)
	}
	if _, err := io.ReadFull(dev.stream, buffer); err != nil {
		return sffs.ErrIOFailed.Wrap(err)
	}
	return nil
}

func (dev *Stream) writeAt(addr uint32, data []byte) error {
	if _, err := dev.stream.Seek(int64(addr), io.SeekStart); err != nil {
		return sffs.ErrIOFailed.Wrap(err)
	}
	if _, err := dev.stream.Write(data); err != nil {
		return sffs.ErrIOFailed.Wrap(err)
	}
	return nil
}

func (dev *Stream) PageRead(addr uint32, buffer []byte) error {
	if err := dev.checkPageRange(addr, len(buffer)); err != nil {
		return err
	}
	return dev.readAt(addr, buffer)
}

func (dev *Stream) PageWrite(addr uint32, data []byte) error {
	if err := dev.checkPageRange(addr, len(data)); err != nil {
		return err
	}

	stored := make([]byte, len(data))
	if err := dev.readAt(addr, stored); err != nil {
		return err
	}

	verifyFailed := false
	for i, b := range data {
		stored[i] &= b
		if stored[i] != b {
			verifyFailed = true
		}
	}
	if err := dev.writeAt(addr, stored); err != nil {
		return err
	}
	if verifyFailed {
		return sffs.ErrIOFailed.WithMessage(fmt.Sprintf(
			"verify after program at 0x%08x failed, flash needs erasing", addr))
	}
	return nil
}

func (dev *Stream) SectorErase(addr uint32) error {
	if addr%dev.info.SectorSize != 0 || addr >= dev.info.Capacity {
		return sffs.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"0x%08x is not a valid sector address", addr))
	}

	blank := make([]byte, dev.info.SectorSize)
	for i := range blank {
		blank[i] = 0xFF
	}
	return dev.writeAt(addr, blank)
}

func (dev *Stream) ChipErase() error {
	for addr := uint32(0); addr < dev.info.Capacity; addr += dev.info.SectorSize {
		if err := dev.SectorErase(addr); err != nil {
			return err
		}
	}
	return nil
}
