// Package cache provides a small page-granular read cache sitting between
// the filesystem core and the flash device. It holds whole pages keyed by
// their page-aligned address; the filesystem invalidates entries whenever
// it programs or erases the underlying range.
package cache

import (
	"github.com/boljen/go-bitmap"
)

type Cache struct {
	pageSize uint32
	slots    int
	valid    bitmap.Bitmap
	tags     []uint32
	data     []byte
	next     int
}

// New creates a cache of `slots` pages of `pageSize` bytes each.
func New(pageSize uint32, slots int) *Cache {
	return &Cache{
		pageSize: pageSize,
		slots:    slots,
		valid:    bitmap.New(slots),
		tags:     make([]uint32, slots),
		data:     make([]byte, int(pageSize)*slots),
	}
}

// PageSize returns the size of one cached page.
func (cache *Cache) PageSize() uint32 {
	return cache.pageSize
}

func (cache *Cache) slotData(slot int) []byte {
	start := slot * int(cache.pageSize)
	return cache.data[start : start+int(cache.pageSize)]
}

func (cache *Cache) findSlot(pageBase uint32) (int, bool) {
	for slot := 0; slot < cache.slots; slot++ {
		if cache.valid.Get(slot) && cache.tags[slot] == pageBase {
			return slot, true
		}
	}
	return 0, false
}

// Get copies the cached page starting at the page-aligned address
// `pageBase` into `buffer`. It returns false on a miss.
func (cache *Cache) Get(pageBase uint32, buffer []byte) bool {
	slot, ok := cache.findSlot(pageBase)
	if !ok {
		return false
	}
	copy(buffer, cache.slotData(slot))
	return true
}

// Put stores a page in the cache. A page already cached is updated in its
// slot; a new page takes the next slot in round-robin order, replacing the
// oldest insertion even when an invalidated slot is free. `page` must be
// exactly one page long.
func (cache *Cache) Put(pageBase uint32, page []byte) {
	slot, ok := cache.findSlot(pageBase)
	if !ok {
		slot = cache.next
		cache.next = (cache.next + 1) % cache.slots
	}
	cache.tags[slot] = pageBase
	cache.valid.Set(slot, true)
	copy(cache.slotData(slot), page)
}

// Invalidate drops any cached page overlapping the byte range
// [start, start+length).
func (cache *Cache) Invalidate(start, length uint32) {
	if length == 0 {
		return
	}
	end := start + length
	for slot := 0; slot < cache.slots; slot++ {
		if !cache.valid.Get(slot) {
			continue
		}
		pageStart := cache.tags[slot]
		pageEnd := pageStart + cache.pageSize
		if pageStart < end && start < pageEnd {
			cache.valid.Set(slot, false)
		}
	}
}

// Clear drops every cached page.
func (cache *Cache) Clear() {
	for slot := 0; slot < cache.slots; slot++ {
		cache.valid.Set(slot, false)
	}
}
