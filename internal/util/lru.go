package util

const lruNone = -1

type lruItem[T any] struct {
	key  uint64
	next int
	val  T
}

// LRU is a fixed-size cache keyed by a 64-bit value. Storage is allocated
// once at construction; lookups are a linear scan in most-recent order.
type LRU[T any] struct {
	items []lruItem[T]
	used  int // most-recently-used first
	free  int
	count int
}

// NewLRU creates a cache holding at most size items.
func NewLRU[T any](size int) *LRU[T] {
	c := &LRU[T]{items: make([]lruItem[T], size)}
	c.Clear()
	return c
}

// Clear discards every entry.
func (c *LRU[T]) Clear() {
	c.used, c.free, c.count = lruNone, lruNone, 0
	for i := len(c.items) - 1; i >= 0; i-- {
		var zero T
		c.items[i].val = zero
		c.items[i].next = c.free
		c.free = i
	}
}

// Len returns the number of stored entries.
func (c *LRU[T]) Len() int { return c.count }

// Cap returns the maximum number of entries.
func (c *LRU[T]) Cap() int { return len(c.items) }

// Find returns the entry for key without changing its age, or nil.
func (c *LRU[T]) Find(key uint64) *T {
	for i := c.used; i != lruNone; i = c.items[i].next {
		if c.items[i].key == key {
			return &c.items[i].val
		}
	}
	return nil
}

// Query returns the entry for key and marks it most-recently-used. On a
// miss it claims a free slot, evicting the least-recently-used entry if
// needed; the new value is zeroed. Returns nil only for a zero-size cache.
func (c *LRU[T]) Query(key uint64) *T {
	prev := lruNone
	for i := c.used; i != lruNone; i = c.items[i].next {
		if c.items[i].key == key {
			c.moveFront(prev, i)
			return &c.items[i].val
		}
		prev = i
	}
	idx := c.claim()
	if idx == lruNone {
		return nil
	}
	var zero T
	c.items[idx].key = key
	c.items[idx].val = zero
	c.items[idx].next = c.used
	c.used = idx
	c.count++
	return &c.items[idx].val
}

// Remove deletes the entry for key. Returns true if it existed.
func (c *LRU[T]) Remove(key uint64) bool {
	prev := lruNone
	for i := c.used; i != lruNone; i = c.items[i].next {
		if c.items[i].key == key {
			c.unlink(prev, i)
			var zero T
			c.items[i].val = zero
			c.items[i].next = c.free
			c.free = i
			c.count--
			return true
		}
		prev = i
	}
	return false
}

// Each visits entries from most to least recently used.
func (c *LRU[T]) Each(fn func(key uint64, val *T)) {
	for i := c.used; i != lruNone; i = c.items[i].next {
		fn(c.items[i].key, &c.items[i].val)
	}
}

func (c *LRU[T]) claim() int {
	if c.free != lruNone {
		idx := c.free
		c.free = c.items[idx].next
		return idx
	}
	if c.used == lruNone {
		return lruNone
	}
	// Evict the tail.
	prev, idx := lruNone, c.used
	for c.items[idx].next != lruNone {
		prev, idx = idx, c.items[idx].next
	}
	c.unlink(prev, idx)
	c.count--
	return idx
}

func (c *LRU[T]) unlink(prev, idx int) {
	if prev == lruNone {
		c.used = c.items[idx].next
	} else {
		c.items[prev].next = c.items[idx].next
	}
}

func (c *LRU[T]) moveFront(prev, idx int) {
	if prev == lruNone {
		return
	}
	c.items[prev].next = c.items[idx].next
	c.items[idx].next = c.used
	c.used = idx
}
