package pktio

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/satcat5/internal/poll"
)

func writeFrame(w Writeable, data []byte) bool {
	w.WriteBytes(data)
	return w.WriteFinalize()
}

func readFrame(r Readable) []byte {
	out := make([]byte, r.ReadReady())
	r.ReadBytes(out)
	r.ReadFinalize()
	return out
}

func TestPacketBufferFraming(t *testing.T) {
	buf := NewPacketBuffer(nil, make([]byte, 64), 4)
	require.True(t, writeFrame(buf, []byte{1, 2, 3}))
	require.True(t, writeFrame(buf, []byte{4, 5}))
	assert.Equal(t, 2, buf.ReadPackets())

	assert.Equal(t, []byte{1, 2, 3}, readFrame(buf))
	assert.Equal(t, []byte{4, 5}, readFrame(buf))
	assert.Equal(t, 0, buf.ReadReady())
	assert.Equal(t, 0, buf.ReadPackets())
}

func TestPacketBufferWrapAround(t *testing.T) {
	buf := NewPacketBuffer(nil, make([]byte, 10), 8)
	for i := 0; i < 20; i++ {
		frame := []byte{byte(i), byte(i + 1), byte(i + 2), byte(i + 3)}
		require.True(t, writeFrame(buf, frame), "frame %d", i)
		assert.Equal(t, frame, readFrame(buf))
	}
}

func TestPacketBufferAbortIsInvisible(t *testing.T) {
	buf := NewPacketBuffer(nil, make([]byte, 32), 4)
	buf.WriteBytes([]byte{9, 9, 9})
	buf.WriteAbort()
	assert.Equal(t, 0, buf.ReadReady())
	assert.Equal(t, 32, buf.WriteSpace())

	require.True(t, writeFrame(buf, []byte{7}))
	assert.Equal(t, []byte{7}, readFrame(buf))
}

func TestPacketBufferOverflow(t *testing.T) {
	buf := NewPacketBuffer(nil, make([]byte, 8), 4)
	buf.WriteBytes([]byte{1, 2, 3, 4, 5})
	buf.WriteBytes([]byte{6, 7, 8, 9})
	assert.False(t, buf.WriteFinalize())
	assert.Equal(t, 0, buf.ReadReady())
	assert.Equal(t, uint64(1), buf.Overflows())

	// The next frame is unaffected.
	require.True(t, writeFrame(buf, []byte{1, 2}))
	assert.Equal(t, []byte{1, 2}, readFrame(buf))
}

func TestPacketBufferSlotLimit(t *testing.T) {
	buf := NewPacketBuffer(nil, make([]byte, 64), 2)
	require.True(t, writeFrame(buf, []byte{1}))
	require.True(t, writeFrame(buf, []byte{2}))
	assert.Equal(t, 0, buf.WriteSpace())
	assert.False(t, writeFrame(buf, []byte{3}))

	readFrame(buf)
	assert.True(t, writeFrame(buf, []byte{3}))
}

func TestPacketBufferPeekConsume(t *testing.T) {
	buf := NewPacketBuffer(nil, make([]byte, 32), 4)
	WriteU16(buf, 0xCAFE)
	WriteU32(buf, 0xDEADBEEF)
	require.True(t, buf.WriteFinalize())

	var peek [2]byte
	assert.Equal(t, 2, buf.ReadPeek(peek[:]))
	assert.Equal(t, []byte{0xCA, 0xFE}, peek[:])
	assert.True(t, buf.ReadConsume(2))
	v, ok := ReadU32(buf)
	assert.True(t, ok)
	assert.Equal(t, uint32(0xDEADBEEF), v)
	assert.False(t, buf.ReadConsume(1))
	_, ok = ReadU8(buf)
	assert.False(t, ok)
}

func TestStreamBuffer(t *testing.T) {
	buf := NewStreamBuffer(nil, make([]byte, 8))
	assert.False(t, buf.IsPacketMode())
	require.True(t, writeFrame(buf, []byte{1, 2, 3}))
	require.True(t, writeFrame(buf, []byte{4, 5}))
	assert.Equal(t, 5, buf.ReadReady())

	var two [2]byte
	require.True(t, buf.ReadBytes(two[:]))
	buf.ReadFinalize()
	assert.Equal(t, 3, buf.ReadReady())
	assert.Equal(t, 5, buf.WriteSpace())
	assert.Equal(t, []byte{3, 4, 5}, readFrame(buf))
}

func TestPacketBufferCallbackViaScheduler(t *testing.T) {
	s := poll.NewScheduler(poll.NewVirtualClock(0))
	buf := NewPacketBuffer(s, make([]byte, 64), 4)
	var got [][]byte
	buf.SetCallback(ListenerFunc(func(src Readable) {
		got = append(got, readFrame(src))
	}))

	writeFrame(buf, []byte{1})
	writeFrame(buf, []byte{2})
	assert.Empty(t, got)

	poll.ServiceAll(s, 4)
	assert.Equal(t, [][]byte{{1}, {2}}, got)
}

func TestPacketBufferConcurrent(t *testing.T) {
	const frames = 2000
	buf := NewPacketBuffer(nil, make([]byte, 256), 16)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < frames; {
			n := i%7 + 1
			frame := make([]byte, n)
			for j := range frame {
				frame[j] = byte(i)
			}
			if writeFrame(buf, frame) {
				i++
			}
		}
	}()

	for i := 0; i < frames; {
		if buf.ReadReady() == 0 {
			continue
		}
		frame := readFrame(buf)
		require.Len(t, frame, i%7+1)
		for _, b := range frame {
			require.Equal(t, byte(i), b)
		}
		i++
	}
	wg.Wait()
}

func BenchmarkPacketBuffer(b *testing.B) {
	buf := NewPacketBuffer(nil, make([]byte, 4096), 64)
	frame := make([]byte, 256)
	out := make([]byte, 256)
	b.SetBytes(int64(len(frame)))
	for i := 0; i < b.N; i++ {
		buf.WriteBytes(frame)
		buf.WriteFinalize()
		buf.ReadBytes(out)
		buf.ReadFinalize()
	}
}
