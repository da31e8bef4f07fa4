// Package pktio defines the Readable and Writeable byte/packet streams
// used by every layer, plus the fixed-size ring buffers and adapters
// that connect them.
//
// A Writeable accepts a frame through WriteBytes and commits it with
// WriteFinalize, which reports whether the whole frame was accepted.
// A Readable exposes one frame at a time; ReadFinalize retires it.
package pktio

import "encoding/binary"

// Readable is a source of frames or bytes.
type Readable interface {
	// ReadReady returns the bytes left in the current frame.
	ReadReady() int
	// ReadBytes fills dst or, if too few bytes remain, reads nothing and
	// returns false.
	ReadBytes(dst []byte) bool
	// ReadConsume skips n bytes. Returns false on underflow.
	ReadConsume(n int) bool
	// ReadPeek copies up to len(dst) bytes without consuming them.
	ReadPeek(dst []byte) int
	// ReadFinalize discards the rest of the current frame.
	ReadFinalize()
	// SetCallback sets the single listener notified when data arrives.
	SetCallback(l EventListener)
}

// Writeable is a sink of frames or bytes.
type Writeable interface {
	// WriteSpace returns how many more bytes the current frame can hold.
	WriteSpace() int
	// WriteBytes appends src. If it does not fit, nothing is written and
	// the frame is marked as overflowed.
	WriteBytes(src []byte)
	// WriteFinalize commits the frame. It returns false, discarding the
	// frame, if any write overflowed or the sink refused it.
	WriteFinalize() bool
	// WriteAbort discards the frame in progress.
	WriteAbort()
}

// EventListener is notified when a Readable has new data.
type EventListener interface {
	DataRcvd(src Readable)
}

// ListenerFunc adapts a function to EventListener.
type ListenerFunc func(src Readable)

func (f ListenerFunc) DataRcvd(src Readable) { f(src) }

// ReadU8 reads one byte.
func ReadU8(r Readable) (uint8, bool) {
	var b [1]byte
	ok := r.ReadBytes(b[:])
	return b[0], ok
}

// ReadU16 reads a big-endian 16-bit value.
func ReadU16(r Readable) (uint16, bool) {
	var b [2]byte
	ok := r.ReadBytes(b[:])
	return binary.BigEndian.Uint16(b[:]), ok
}

// ReadU24 reads a big-endian 24-bit value.
func ReadU24(r Readable) (uint32, bool) {
	var b [4]byte
	ok := r.ReadBytes(b[1:])
	return binary.BigEndian.Uint32(b[:]), ok
}

// ReadU32 reads a big-endian 32-bit value.
func ReadU32(r Readable) (uint32, bool) {
	var b [4]byte
	ok := r.ReadBytes(b[:])
	return binary.BigEndian.Uint32(b[:]), ok
}

// ReadU48 reads a big-endian 48-bit value.
func ReadU48(r Readable) (uint64, bool) {
	var b [8]byte
	ok := r.ReadBytes(b[2:])
	return binary.BigEndian.Uint64(b[:]), ok
}

// ReadU64 reads a big-endian 64-bit value.
func ReadU64(r Readable) (uint64, bool) {
	var b [8]byte
	ok := r.ReadBytes(b[:])
	return binary.BigEndian.Uint64(b[:]), ok
}

// WriteU8 writes one byte.
func WriteU8(w Writeable, v uint8) {
	b := [1]byte{v}
	w.WriteBytes(b[:])
}

// WriteU16 writes a big-endian 16-bit value.
func WriteU16(w Writeable, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.WriteBytes(b[:])
}

// WriteU24 writes the low 24 bits of v, big-endian.
func WriteU24(w Writeable, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.WriteBytes(b[1:])
}

// WriteU32 writes a big-endian 32-bit value.
func WriteU32(w Writeable, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.WriteBytes(b[:])
}

// WriteU48 writes the low 48 bits of v, big-endian.
func WriteU48(w Writeable, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.WriteBytes(b[2:])
}

// WriteU64 writes a big-endian 64-bit value.
func WriteU64(w Writeable, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.WriteBytes(b[:])
}

// WriteStr writes the bytes of s with no terminator.
func WriteStr(w Writeable, s string) {
	w.WriteBytes([]byte(s))
}

// Copy moves bytes from src to dst until src is empty or dst is full,
// without finalizing either. Returns the number of bytes moved.
func Copy(dst Writeable, src Readable) int {
	var chunk [256]byte
	total := 0
	for {
		n := min(src.ReadReady(), dst.WriteSpace(), len(chunk))
		if n <= 0 {
			return total
		}
		src.ReadBytes(chunk[:n])
		dst.WriteBytes(chunk[:n])
		total += n
	}
}

// CopyFrame copies the rest of the current frame from src to dst, then
// finalizes both. Returns the result of dst.WriteFinalize.
func CopyFrame(dst Writeable, src Readable) bool {
	if src.ReadReady() > dst.WriteSpace() {
		dst.WriteAbort()
		src.ReadFinalize()
		return false
	}
	Copy(dst, src)
	src.ReadFinalize()
	return dst.WriteFinalize()
}
