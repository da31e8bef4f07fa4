package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLruEviction(t *testing.T) {
	c := NewLRU[int](4)
	p1 := c.Query(1)
	*p1 = 100
	for k := uint64(2); k <= 4; k++ {
		*c.Query(k) = int(k) * 100
	}
	assert.Equal(t, 4, c.Len())

	// Key 1 is the oldest, so its slot is reused.
	p5 := c.Query(5)
	assert.Same(t, p1, p5)
	assert.Equal(t, 0, *p5)
	assert.Nil(t, c.Find(1))

	// Re-querying a present key does not evict anything.
	p2 := c.Query(2)
	assert.Equal(t, 200, *p2)
	assert.Equal(t, 4, c.Len())
	for _, k := range []uint64{2, 3, 4, 5} {
		assert.NotNil(t, c.Find(k), "key %d", k)
	}
}

func TestLruFindDoesNotRefresh(t *testing.T) {
	c := NewLRU[int](2)
	c.Query(1)
	c.Query(2)
	assert.NotNil(t, c.Find(1))
	c.Query(3) // evicts 1 despite the Find
	assert.Nil(t, c.Find(1))
	assert.NotNil(t, c.Find(2))
}

func TestLruRemove(t *testing.T) {
	c := NewLRU[string](3)
	*c.Query(7) = "seven"
	*c.Query(8) = "eight"
	assert.True(t, c.Remove(7))
	assert.False(t, c.Remove(7))
	assert.Equal(t, 1, c.Len())

	var keys []uint64
	c.Each(func(k uint64, _ *string) { keys = append(keys, k) })
	assert.Equal(t, []uint64{8}, keys)

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Nil(t, c.Find(8))
}

func TestLruZeroSize(t *testing.T) {
	c := NewLRU[int](0)
	assert.Nil(t, c.Query(1))
}
