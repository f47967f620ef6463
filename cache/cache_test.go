package cache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/iqyx/sffs/cache"
)

func TestCacheHitAndMiss(t *testing.T) {
	c := cache.New(256, 4)

	buffer := make([]byte, 256)
	assert.False(t, c.Get(0, buffer), "empty cache must miss")

	page := make([]byte, 256)
	page[0] = 0xAB
	c.Put(0, page)

	assert.True(t, c.Get(0, buffer))
	assert.Equal(t, byte(0xAB), buffer[0])
	assert.False(t, c.Get(256, buffer), "different page must miss")
}

func TestCacheEvictsOldest(t *testing.T) {
	c := cache.New(256, 2)
	page := make([]byte, 256)

	c.Put(0, page)
	c.Put(256, page)
	c.Put(512, page)

	buffer := make([]byte, 256)
	assert.False(t, c.Get(0, buffer), "oldest page must have been evicted")
	assert.True(t, c.Get(256, buffer))
	assert.True(t, c.Get(512, buffer))
}

func TestCacheInvalidateRange(t *testing.T) {
	c := cache.New(256, 4)
	page := make([]byte, 256)
	c.Put(0, page)
	c.Put(256, page)
	c.Put(512, page)

	// A one-byte overlap is enough to drop a page.
	c.Invalidate(255, 2)

	buffer := make([]byte, 256)
	assert.False(t, c.Get(0, buffer))
	assert.False(t, c.Get(256, buffer))
	assert.True(t, c.Get(512, buffer))
}

func TestCacheClear(t *testing.T) {
	c := cache.New(256, 4)
	page := make([]byte, 256)
	c.Put(0, page)

	c.Clear()
	assert.False(t, c.Get(0, make([]byte, 256)))
}

func TestCachePutUpdatesExistingSlot(t *testing.T) {
	c := cache.New(4, 2)

	c.Put(0, []byte{1, 1, 1, 1})
	c.Put(0, []byte{2, 2, 2, 2})

	buffer := make([]byte, 4)
	assert.True(t, c.Get(0, buffer))
	assert.Equal(t, []byte{2, 2, 2, 2}, buffer)

	// Updating in place must not consume the second slot.
	c.Put(4, []byte{3, 3, 3, 3})
	assert.True(t, c.Get(0, buffer))
}
