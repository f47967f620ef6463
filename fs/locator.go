package fs

import (
	"fmt"

	"github.com/iqyx/sffs"
	"github.com/iqyx/sffs/layout"
)

// This file holds the flash-scanning locators. At runtime the in-RAM index
// answers lookups; the scans are the ground truth the index mirrors.
// scanMetadata is what Check and Inventory walk the device with; Mount runs
// its own repairing scan in scanAndRepair.

// scanMetadata reads every sector's header and item table in (sector, item)
// order and hands them to `fn`.
func (fs *Filesystem) scanMetadata(fn func(sector uint32, header layout.Header, items []layout.Item) error) error {
	for sector := uint32(0); sector < fs.geo.SectorCount; sector++ {
		header, err := fs.readHeader(sector)
		if err != nil {
			return err
		}

		items := make([]layout.Item, fs.geo.DataPagesPerSector)
		for i := range items {
			items[i], err = fs.readItem(pageRef{sector, uint32(i)})
			if err != nil {
				return err
			}
		}
		if err := fn(sector, header, items); err != nil {
			return err
		}
	}
	return nil
}

// findPageScan locates the canonical item for (file_id, block) by scanning
// the flash directly. Erased and dirty sectors are skipped, so a live page
// still sitting in a dirty sector (one that reclamation has not moved out
// yet) is not found by this scan; the index lookup does find it. A USED
// copy wins over a MOVING one; among MOVING copies the first in scan order
// wins.
func (fs *Filesystem) findPageScan(fileID sffs.FileID, block uint16) (pageRef, layout.Item, error) {
	var movingRef pageRef
	var movingItem layout.Item
	haveMoving := false

	for sector := uint32(0); sector < fs.geo.SectorCount; sector++ {
		header, err := fs.readHeader(sector)
		if err != nil {
			return pageRef{}, layout.Item{}, err
		}
		if header.State == layout.SectorErased || header.State == layout.SectorDirty {
			continue
		}

		for i := uint32(0); i < fs.geo.DataPagesPerSector; i++ {
			ref := pageRef{sector, i}
			item, err := fs.readItem(ref)
			if err != nil {
				return pageRef{}, layout.Item{}, err
			}
			if item.FileID != fileID || item.Block != block || !item.Readable() {
				continue
			}
			if item.State == layout.PageUsed {
				return ref, item, nil
			}
			if !haveMoving {
				movingRef, movingItem = ref, item
				haveMoving = true
			}
		}
	}

	if haveMoving {
		return movingRef, movingItem, nil
	}
	return pageRef{}, layout.Item{}, sffs.ErrNotFound
}

// findErasedPageScan locates the first allocatable page by scanning the
// flash directly, preferring partially filled sectors over erased ones.
// Dirty and full sectors have nothing to give.
func (fs *Filesystem) findErasedPageScan() (pageRef, error) {
	for _, wantState := range []layout.SectorState{layout.SectorUsed, layout.SectorErased} {
		for sector := uint32(0); sector < fs.geo.SectorCount; sector++ {
			header, err := fs.readHeader(sector)
			if err != nil {
				return pageRef{}, err
			}
			if header.State != wantState {
				continue
			}

			for i := uint32(0); i < fs.geo.DataPagesPerSector; i++ {
				ref := pageRef{sector, i}
				item, err := fs.readItem(ref)
				if err != nil {
					return pageRef{}, err
				}
				if item.Free() {
					return ref, nil
				}
			}
		}
	}
	return pageRef{}, sffs.ErrNotFound
}

// Check verifies the on-flash invariants the state machines promise:
// every sector header matches the census of its items, no (file, block)
// pair has more than one USED copy, and no pair has more than two live
// copies in total. It reads the device directly, bypassing the index.
func (fs *Filesystem) Check() error {
	if !fs.mounted {
		return sffs.ErrNotMounted
	}

	usedCopies := make(map[pageKey]int)
	liveCopies := make(map[pageKey]int)

	err := fs.scanMetadata(func(sector uint32, header layout.Header, items []layout.Item) error {
		var counts sectorCounts
		for _, item := range items {
			switch item.State {
			case layout.PageUsed:
				counts.used++
				usedCopies[makeKey(item.FileID, item.Block)]++
				liveCopies[makeKey(item.FileID, item.Block)]++
			case layout.PageMoving:
				counts.moving++
				liveCopies[makeKey(item.FileID, item.Block)]++
			case layout.PageReserved:
				counts.reserved++
			case layout.PageOld:
				counts.old++
			case layout.PageErased, 0xFF:
				counts.erased++
			default:
				return sffs.ErrCorrupted.WithMessage(fmt.Sprintf(
					"sector %d holds an item with state 0x%02x",
					sector, uint8(item.State)))
			}
		}

		expected := headerStateFor(counts, fs.geo.DataPagesPerSector)
		if header.State != expected {
			return sffs.ErrCorrupted.WithMessage(fmt.Sprintf(
				"sector %d header says %v, census says %v",
				sector, header.State, expected))
		}
		return nil
	})
	if err != nil {
		return err
	}

	for key, n := range usedCopies {
		if n > 1 {
			return sffs.ErrCorrupted.WithMessage(fmt.Sprintf(
				"file %d block %d has %d USED copies",
				key.fileID(), key.block(), n))
		}
	}
	for key, n := range liveCopies {
		if n > 2 {
			return sffs.ErrCorrupted.WithMessage(fmt.Sprintf(
				"file %d block %d has %d live copies",
				key.fileID(), key.block(), n))
		}
	}
	return nil
}
