// Package util holds small containers shared by the protocol layers:
// an intrusive singly-linked list, a fixed-size LRU cache and a
// threshold alarm.
package util

import "firestige.xyz/satcat5/internal/core"

// Link is embedded in any struct that lives in a List. The owner is
// responsible for removing the item before it is discarded.
type Link[T any] struct {
	next *T
}

// ListNext returns the following item, or nil.
func (l *Link[T]) ListNext() *T { return l.next }

// SetListNext is used by List; callers should not need it.
func (l *Link[T]) SetListNext(n *T) { l.next = n }

// Linked is satisfied by *T when T embeds Link[T].
type Linked[T any] interface {
	*T
	ListNext() *T
	SetListNext(*T)
}

// List is an intrusive singly-linked list. The zero value is empty.
type List[T any, P Linked[T]] struct {
	head *T
}

// Head returns the first item, or nil.
func (l *List[T, P]) Head() P { return l.head }

// Next returns the item after it, or nil.
func (l *List[T, P]) Next(it P) P {
	if it == nil {
		return nil
	}
	return it.ListNext()
}

// IsEmpty reports whether the list has no items.
func (l *List[T, P]) IsEmpty() bool { return l.head == nil }

// Add inserts at the front of the list. The item must not already be a member.
func (l *List[T, P]) Add(it P) {
	it.SetListNext(l.head)
	l.head = it
}

// AddSafe adds the item unless it is already present. Returns true if added.
func (l *List[T, P]) AddSafe(it P) bool {
	if l.Contains(it) {
		return false
	}
	l.Add(it)
	return true
}

// PushFront is an alias for Add.
func (l *List[T, P]) PushFront(it P) { l.Add(it) }

// PushBack appends at the tail of the list.
func (l *List[T, P]) PushBack(it P) {
	it.SetListNext(nil)
	if l.head == nil {
		l.head = it
		return
	}
	var tail P = l.head
	for tail.ListNext() != nil {
		tail = tail.ListNext()
	}
	tail.SetListNext(it)
}

// PopFront removes and returns the first item, or nil.
func (l *List[T, P]) PopFront() P {
	var it P = l.head
	if it != nil {
		l.head = it.ListNext()
		it.SetListNext(nil)
	}
	return it
}

// Remove unlinks the item if present. Returns true if it was found.
func (l *List[T, P]) Remove(it P) bool {
	if it == nil || l.head == nil {
		return false
	}
	if l.head == it {
		l.head = it.ListNext()
		it.SetListNext(nil)
		return true
	}
	var prev P = l.head
	for prev.ListNext() != nil {
		if P(prev.ListNext()) == it {
			prev.SetListNext(it.ListNext())
			it.SetListNext(nil)
			return true
		}
		prev = prev.ListNext()
	}
	return false
}

// Contains reports whether the item is a member.
func (l *List[T, P]) Contains(it P) bool {
	for p := P(l.head); p != nil; p = p.ListNext() {
		if p == it {
			return true
		}
	}
	return false
}

// Len counts the items. A list with a loop is fatal.
func (l *List[T, P]) Len() int {
	if l.HasLoop() {
		core.Fatal("list loop detected")
		return 0
	}
	n := 0
	for p := P(l.head); p != nil; p = p.ListNext() {
		n++
	}
	return n
}

// HasLoop runs Floyd's cycle check.
func (l *List[T, P]) HasLoop() bool {
	var slow, fast P = l.head, l.head
	for fast != nil && fast.ListNext() != nil {
		slow = slow.ListNext()
		fast = P(fast.ListNext()).ListNext()
		if slow == fast {
			return true
		}
	}
	return false
}

// Each calls fn for every item, front to back. The current item may be
// removed from inside fn.
func (l *List[T, P]) Each(fn func(P)) {
	var p P = l.head
	for p != nil {
		next := p.ListNext()
		fn(p)
		p = next
	}
}
