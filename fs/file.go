package fs

import (
	"errors"
	"fmt"
	"io"

	"github.com/iqyx/sffs"
	"github.com/iqyx/sffs/layout"
)

// File is an open file handle. It holds no reference to any physical page;
// every access re-resolves (file_id, block) through the filesystem, because
// copy-on-write updates relocate pages at any time.
type File struct {
	fs   *Filesystem
	id   sffs.FileID
	pos  uint32
	mode sffs.OpenMode
	open bool
}

// checkUserFileID rejects IDs a user file can't have: the master page ID
// and the value marking unallocated items.
func checkUserFileID(fileID sffs.FileID) error {
	if fileID == sffs.MasterFileID || fileID == sffs.InvalidFileID {
		return sffs.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"file ID %d is reserved", fileID))
	}
	return nil
}

// OpenID opens the file with the given ID. ModeRead requires the file to
// exist; ModeOverwrite and ModeAppend create it on the first write. The
// handle is only valid until the filesystem is unmounted.
func (fs *Filesystem) OpenID(fileID sffs.FileID, mode sffs.OpenMode) (*File, error) {
	if !fs.mounted {
		return nil, sffs.ErrNotMounted
	}
	if err := checkUserFileID(fileID); err != nil {
		return nil, err
	}

	size, exists := fs.idx.fileSize(fileID)
	switch mode {
	case sffs.ModeRead:
		if !exists {
			return nil, sffs.ErrNotFound.WithMessage(fmt.Sprintf("file %d", fileID))
		}
	case sffs.ModeOverwrite, sffs.ModeAppend:
	default:
		return nil, sffs.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"open mode %d", mode))
	}

	f := &File{fs: fs, id: fileID, mode: mode, open: true}
	if mode == sffs.ModeAppend {
		f.pos = size
	}
	return f, nil
}

// Close invalidates the handle. There is no buffering in handles, so there
// is nothing to flush.
func (f *File) Close() error {
	if !f.open {
		return sffs.ErrInvalidArgument.WithMessage("file already closed")
	}
	f.open = false
	return nil
}

// Seek sets the position for the next Read or Write. Seeking past the end
// is allowed; a write there fills the gap with zero bytes.
func (f *File) Seek(pos uint32) error {
	if !f.open {
		return sffs.ErrInvalidArgument.WithMessage("file is closed")
	}
	f.pos = pos
	return nil
}

// Pos returns the current position.
func (f *File) Pos() uint32 {
	return f.pos
}

// Read reads up to len(buffer) bytes at the current position and advances
// it. At end of file it returns 0 and io.EOF.
func (f *File) Read(buffer []byte) (int, error) {
	n, err := f.ReadAt(buffer, f.pos)
	f.pos += uint32(n)
	return n, err
}

// ReadAt reads up to len(buffer) bytes starting at `pos` without touching
// the handle position.
func (f *File) ReadAt(buffer []byte, pos uint32) (int, error) {
	if !f.open {
		return 0, sffs.ErrInvalidArgument.WithMessage("file is closed")
	}
	if !f.fs.mounted {
		return 0, sffs.ErrNotMounted
	}
	return f.fs.readRange(f.id, pos, buffer)
}

// Write writes len(buffer) bytes at the current position and advances it.
// Fails on handles opened with ModeRead.
func (f *File) Write(buffer []byte) (int, error) {
	n, err := f.WriteAt(buffer, f.pos)
	f.pos += uint32(n)
	return n, err
}

// WriteAt writes len(buffer) bytes starting at `pos` without touching the
// handle position.
func (f *File) WriteAt(buffer []byte, pos uint32) (int, error) {
	if !f.open {
		return 0, sffs.ErrInvalidArgument.WithMessage("file is closed")
	}
	if !f.fs.mounted {
		return 0, sffs.ErrNotMounted
	}
	if f.mode == sffs.ModeRead {
		return 0, sffs.ErrNotPermitted.WithMessage("file is open read-only")
	}
	if err := f.fs.writeRange(f.id, pos, buffer); err != nil {
		return 0, err
	}
	return len(buffer), nil
}

////////////////////////////////////////////////////////////////////////////////
// Whole-file operations

// FileSize returns the file's length: the sum of item sizes over its live
// blocks. Returns ErrNotFound if no block of the file exists.
func (fs *Filesystem) FileSize(fileID sffs.FileID) (uint32, error) {
	if !fs.mounted {
		return 0, sffs.ErrNotMounted
	}
	if err := checkUserFileID(fileID); err != nil {
		return 0, err
	}
	size, exists := fs.idx.fileSize(fileID)
	if !exists {
		return 0, sffs.ErrNotFound.WithMessage(fmt.Sprintf("file %d", fileID))
	}
	return size, nil
}

// FileRemove retires every live block of the file. The data pages are
// recovered later by sector reclamation.
func (fs *Filesystem) FileRemove(fileID sffs.FileID) error {
	if !fs.mounted {
		return sffs.ErrNotMounted
	}
	if err := checkUserFileID(fileID); err != nil {
		return err
	}

	blocks := fs.idx.fileBlocks(fileID)
	if len(blocks) == 0 {
		return sffs.ErrNotFound.WithMessage(fmt.Sprintf("file %d", fileID))
	}

	touched := make(map[uint32]bool)
	for block, ref := range blocks {
		if err := fs.programItemState(ref, layout.PageOld); err != nil {
			return err
		}
		fs.idx.demoteToOld(ref, fileID, block)
		touched[ref.sector] = true
	}
	for sector := range touched {
		if err := fs.updateSectorState(sector); err != nil {
			return err
		}
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Read path

// lookupPage resolves (file_id, block) to its canonical item: through the
// index when mounted, by a flash scan otherwise.
func (fs *Filesystem) lookupPage(fileID sffs.FileID, block uint16) (pageRef, layout.Item, error) {
	if fs.idx != nil {
		ref, ok := fs.idx.lookup(fileID, block)
		if !ok {
			return pageRef{}, layout.Item{}, sffs.ErrNotFound
		}
		item, err := fs.readItem(ref)
		return ref, item, err
	}
	return fs.findPageScan(fileID, block)
}

// readRange copies file content from [pos, pos+len(buffer)) into buffer,
// clipped to the end of the file. Blocks without a live item read as zeros,
// which keeps files written by implementations that leave holes readable.
func (fs *Filesystem) readRange(fileID sffs.FileID, pos uint32, buffer []byte) (int, error) {
	size, exists := fs.idx.fileSize(fileID)
	if !exists {
		return 0, sffs.ErrNotFound.WithMessage(fmt.Sprintf("file %d", fileID))
	}
	if pos >= size {
		return 0, io.EOF
	}

	total := uint32(len(buffer))
	if pos+total > size || pos+total < pos {
		total = size - pos
	}

	pageSize := fs.geo.PageSize
	var done uint32
	for done < total {
		offset := pos + done
		block := offset / pageSize
		blockOffset := offset % pageSize

		chunk := pageSize - blockOffset
		if chunk > total-done {
			chunk = total - done
		}
		out := buffer[done : done+chunk]

		ref, item, err := fs.lookupPage(fileID, uint16(block))
		switch {
		case err == nil:
			// Bytes past item.Size are not part of the file; they only
			// come into play on short terminal blocks, which the size
			// clipping above already cut off.
			readLen := chunk
			if blockOffset+readLen > uint32(item.Size) {
				if blockOffset >= uint32(item.Size) {
					readLen = 0
				} else {
					readLen = uint32(item.Size) - blockOffset
				}
			}
			if readLen > 0 {
				addr := fs.geo.DataPageAddr(ref.sector, ref.item) + blockOffset
				if err := fs.cachedRead(addr, out[:readLen]); err != nil {
					return int(done), err
				}
			}
			for i := readLen; i < chunk; i++ {
				out[i] = 0
			}

		case errors.Is(err, sffs.ErrNotFound):
			// A hole; reads as zeros.
			for i := range out {
				out[i] = 0
			}

		default:
			return int(done), err
		}

		done += chunk
	}
	return int(done), nil
}

////////////////////////////////////////////////////////////////////////////////
// Copy-on-write write path

// writeRange writes buffer at [pos, pos+len(buffer)). Writing past the end
// of the file first materializes the gap as zero-filled blocks, so every
// block except the last always carries a full page of content.
func (fs *Filesystem) writeRange(fileID sffs.FileID, pos uint32, buffer []byte) error {
	if len(buffer) == 0 {
		return nil
	}
	if uint64(pos)+uint64(len(buffer)) > 0xFFFFFFFF {
		return sffs.ErrInvalidArgument.WithMessage("write extends past the 4 GiB file limit")
	}

	size, _ := fs.idx.fileSize(fileID)

	// Fold an over-the-end write into one contiguous range starting at the
	// current end of file: zeros for the gap, then the caller's bytes.
	start := pos
	if pos > size {
		start = size
	}
	end := pos + uint32(len(buffer))

	// byteAt returns the logical byte to store at file offset `off`, which
	// is inside [start, end).
	byteAt := func(off uint32) byte {
		if off < pos {
			return 0
		}
		return buffer[off-pos]
	}

	pageSize := fs.geo.PageSize
	finalSize := end
	if size > finalSize {
		finalSize = size
	}
	lastBlock := (finalSize - 1) / pageSize

	for block := start / pageSize; block <= (end-1)/pageSize; block++ {
		blockStart := block * pageSize

		// Assemble the post-write page image.
		image := make([]byte, pageSize)
		oldRef, oldItem, err := fs.lookupPage(fileID, uint16(block))
		hasOld := err == nil
		if hasOld {
			addr := fs.geo.DataPageAddr(oldRef.sector, oldRef.item)
			if err := fs.cachedRead(addr, image[:oldItem.Size]); err != nil {
				return err
			}
		} else if !errors.Is(err, sffs.ErrNotFound) {
			return err
		}

		lo := blockStart
		if start > lo {
			lo = start
		}
		hi := blockStart + pageSize
		if end < hi {
			hi = end
		}
		for off := lo; off < hi; off++ {
			image[off-blockStart] = byteAt(off)
		}

		// The block's new size: full pages everywhere except the terminal
		// block, which carries the remainder.
		newSize := pageSize
		if block == lastBlock {
			newSize = finalSize - block*pageSize
		}
		if hasOld && uint32(oldItem.Size) > newSize {
			newSize = uint32(oldItem.Size)
		}

		if err := fs.writeBlock(fileID, uint16(block), image, uint16(newSize), true); err != nil {
			return err
		}
	}
	return nil
}

// writeBlock runs one copy-on-write block update:
//
//  1. allocate an erased page, reclaiming a sector if none is left
//  2. demote the old copy, if any, from USED to MOVING
//  3. claim the new item (file, block, size; state byte untouched)
//  4. program the data page
//  5. commit the new item's state to USED
//  6. retire the old copy to OLD
//  7. bring the touched sector headers back in line
//
// A power cut anywhere in the sequence leaves either the old copy readable
// (before step 5) or the new one (from step 5 on); mount repairs the rest.
func (fs *Filesystem) writeBlock(fileID sffs.FileID, block uint16, image []byte, size uint16, forUser bool) error {
	newRef, err := fs.allocatePage(forUser)
	if err != nil {
		return err
	}

	// Reclamation inside allocatePage may have moved the old copy; resolve
	// it only now.
	oldRef, oldItem, err := fs.lookupPage(fileID, block)
	hasOld := err == nil
	if !hasOld && !errors.Is(err, sffs.ErrNotFound) {
		return err
	}

	if hasOld && oldItem.State == layout.PageUsed {
		if err := fs.programItemState(oldRef, layout.PageMoving); err != nil {
			return err
		}
		fs.idx.demoteToMoving(oldRef, fileID, block)
	}

	if err := fs.claimItem(newRef, fileID, block, size); err != nil {
		return err
	}
	fs.idx.claim(newRef)

	dataAddr := fs.geo.DataPageAddr(newRef.sector, newRef.item)
	if err := fs.program(dataAddr, image); err != nil {
		return err
	}

	if err := fs.commitItem(newRef); err != nil {
		return err
	}
	fs.idx.commit(newRef, fileID, block, size)

	if hasOld {
		if err := fs.programItemState(oldRef, layout.PageOld); err != nil {
			return err
		}
		fs.idx.demoteToOld(oldRef, fileID, block)
	}

	if err := fs.updateSectorState(newRef.sector); err != nil {
		return err
	}
	if hasOld && oldRef.sector != newRef.sector {
		if err := fs.updateSectorState(oldRef.sector); err != nil {
			return err
		}
	}
	return nil
}
