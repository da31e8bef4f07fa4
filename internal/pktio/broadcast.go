package pktio

// WriteableBroadcast duplicates every write to a set of sinks.
type WriteableBroadcast struct {
	sinks []Writeable
}

// NewWriteableBroadcast creates a broadcaster over the given sinks.
func NewWriteableBroadcast(sinks ...Writeable) *WriteableBroadcast {
	return &WriteableBroadcast{sinks: sinks}
}

// Add appends a sink if it is not already present.
func (b *WriteableBroadcast) Add(w Writeable) {
	for _, s := range b.sinks {
		if s == w {
			return
		}
	}
	b.sinks = append(b.sinks, w)
}

// Remove drops a sink.
func (b *WriteableBroadcast) Remove(w Writeable) {
	for i, s := range b.sinks {
		if s == w {
			b.sinks = append(b.sinks[:i], b.sinks[i+1:]...)
			return
		}
	}
}

// Len returns the number of sinks.
func (b *WriteableBroadcast) Len() int { return len(b.sinks) }

// WriteSpace is the smallest space among the sinks, or zero if there
// are none.
func (b *WriteableBroadcast) WriteSpace() int {
	if len(b.sinks) == 0 {
		return 0
	}
	space := b.sinks[0].WriteSpace()
	for _, s := range b.sinks[1:] {
		space = min(space, s.WriteSpace())
	}
	return space
}

func (b *WriteableBroadcast) WriteBytes(src []byte) {
	for _, s := range b.sinks {
		s.WriteBytes(src)
	}
}

// WriteFinalize finalizes every sink and reports whether all accepted.
func (b *WriteableBroadcast) WriteFinalize() bool {
	ok := len(b.sinks) > 0
	for _, s := range b.sinks {
		if !s.WriteFinalize() {
			ok = false
		}
	}
	return ok
}

func (b *WriteableBroadcast) WriteAbort() {
	for _, s := range b.sinks {
		s.WriteAbort()
	}
}
