// Package flash provides implementations of the sffs.FlashDevice contract:
// an in-memory NOR emulator and a device backed by an io.ReadWriteSeeker
// such as an image file.
package flash

import (
	"fmt"

	"github.com/iqyx/sffs"
)

// ProgramHook is called before every page program on a Memory device. The
// argument is the one-based ordinal of the program operation about to be
// issued. Returning a non-nil error aborts the program without touching the
// stored bytes, which emulates a power cut between two flash operations.
type ProgramHook func(programOrdinal uint64) error

// Memory is an in-RAM flash emulator with NOR semantics: page programs AND
// the new data into the stored bytes and verify the result, sector erases
// set every byte back to 0xFF.
type Memory struct {
	info         sffs.FlashInfo
	data         []byte
	programCount uint64
	programHook  ProgramHook
}

// NewMemory creates an emulated device of the given geometry. The device
// comes up fully erased.
func NewMemory(capacity, pageSize, sectorSize uint32) (*Memory, error) {
	info := sffs.FlashInfo{
		Capacity:   capacity,
		PageSize:   pageSize,
		SectorSize: sectorSize,
		BlockSize:  sectorSize,
	}
	if err := checkGeometry(info); err != nil {
		return nil, err
	}

	mem := &Memory{info: info, data: make([]byte, capacity)}
	mem.ChipErase()
	return mem, nil
}

func checkGeometry(info sffs.FlashInfo) error {
	if info.PageSize == 0 || info.SectorSize == 0 || info.Capacity == 0 {
		return sffs.ErrInvalidArgument.WithMessage("geometry fields must be non-zero")
	}
	if info.SectorSize%info.PageSize != 0 {
		return sffs.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"sector size %d is not a multiple of page size %d",
			info.SectorSize,
			info.PageSize))
	}
	if info.Capacity%info.SectorSize != 0 {
		return sffs.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"capacity %d is not a multiple of sector size %d",
			info.Capacity,
			info.SectorSize))
	}
	return nil
}

// SetProgramHook installs a hook consulted before every page program. Pass
// nil to remove it.
func (mem *Memory) SetProgramHook(hook ProgramHook) {
	mem.programHook = hook
}

// ProgramCount returns the number of page programs issued so far, counting
// ones a hook aborted.
func (mem *Memory) ProgramCount() uint64 {
	return mem.programCount
}

func (mem *Memory) GetInfo() (sffs.FlashInfo, error) {
	return mem.info, nil
}

func (mem *Memory) checkPageRange(addr uint32, length int) error {
	if length == 0 || uint32(length) > mem.info.PageSize {
		return sffs.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"transfer length must be in [1, %d], got %d", mem.info.PageSize, length))
	}
	end := uint64(addr) + uint64(length)
	if end > uint64(mem.info.Capacity) {
		return sffs.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"range [%d, %d) extends past end of device (%d B)",
			addr,
			end,
			mem.info.Capacity))
	}
	if addr/mem.info.PageSize != uint32(end-1)/mem.info.PageSize {
		return sffs.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"range [%d, %d) crosses a page boundary", addr, end))
	}
	return nil
}

func (mem *Memory) PageRead(addr uint32, buffer []byte) error {
	if err := mem.checkPageRange(addr, len(buffer)); err != nil {
		return err
	}
	copy(buffer, mem.data[addr:int(addr)+len(buffer)])
	return nil
}

func (mem *Memory) PageWrite(addr uint32, data []byte) error {
	if err := mem.checkPageRange(addr, len(data)); err != nil {
		return err
	}

	mem.programCount++
	if mem.programHook != nil {
		if err := mem.programHook(mem.programCount); err != nil {
			return err
		}
	}

	verifyFailed := false
	for i, b := range data {
		stored := mem.data[int(addr)+i] & b
		mem.data[int(addr)+i] = stored
		if stored != b {
			verifyFailed = true
		}
	}
	if verifyFailed {
		return sffs.ErrIOFailed.WithMessage(fmt.Sprintf(
			"verify after program at 0x%08x failed, flash needs erasing", addr))
	}
	return nil
}

func (mem *Memory) SectorErase(addr uint32) error {
	if addr%mem.info.SectorSize != 0 || addr >= mem.info.Capacity {
		return sffs.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"0x%08x is not a valid sector address", addr))
	}
	for i := uint32(0); i < mem.info.SectorSize; i++ {
		mem.data[addr+i] = 0xFF
	}
	return nil
}

func (mem *Memory) ChipErase() error {
	for i := range mem.data {
		mem.data[i] = 0xFF
	}
	return nil
}
