package host

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/satcat5/internal/config"
	"firestige.xyz/satcat5/internal/core"
	"firestige.xyz/satcat5/internal/pktio"
)

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }

func frame(n int, fill byte) []byte {
	return bytes.Repeat([]byte{fill}, n)
}

func writeFrame(w pktio.Writeable, b []byte) bool {
	w.WriteBytes(b)
	return w.WriteFinalize()
}

func readFrame(r pktio.Readable) []byte {
	n := r.ReadReady()
	if n == 0 {
		return nil
	}
	b := make([]byte, n)
	r.ReadBytes(b)
	r.ReadFinalize()
	return b
}

func TestRingGeometry(t *testing.T) {
	frameSz, block, blocks, err := ringGeometry(8, MaxFrame+4, 4096)
	require.NoError(t, err)
	assert.Equal(t, 1600, frameSz)
	assert.Zero(t, block%frameSz)
	assert.Zero(t, block%4096)
	assert.Equal(t, 8<<20/block, blocks)

	_, _, blocks, err = ringGeometry(1, 60000, 4096)
	require.NoError(t, err)
	assert.Equal(t, 1, blocks)

	_, _, _, err = ringGeometry(0, 1500, 4096)
	assert.Error(t, err)
	_, _, _, err = ringGeometry(1, 0, 4096)
	assert.Error(t, err)
	_, _, _, err = ringGeometry(1, 1500, 1000)
	assert.Error(t, err)
}

func TestEchoFilter(t *testing.T) {
	e := newEchoFilter()
	a, b := frame(64, 1), frame(64, 2)
	e.sent(a)
	assert.False(t, e.echo(b))
	assert.True(t, e.echo(a))
	assert.False(t, e.echo(a), "each transmission is suppressed once")
}

func TestInboxOverflow(t *testing.T) {
	in := newInbox(nil, "test")
	assert.False(t, in.push(frame(MaxFrame+1, 0)))
	for i := 0; i < rxBufPkts; i++ {
		require.True(t, in.push(frame(60, byte(i))))
	}
	assert.False(t, in.push(frame(60, 0)), "descriptor queue full")
	assert.Equal(t, rxBufPkts, in.Rx().(*pktio.PacketBuffer).ReadPackets())
}

func TestOutbox(t *testing.T) {
	var got [][]byte
	o := newOutbox("test", 100, func(b []byte) error {
		got = append(got, append([]byte(nil), b...))
		return nil
	})
	assert.True(t, writeFrame(o, frame(100, 7)))
	assert.False(t, writeFrame(o, frame(101, 7)))
	assert.Equal(t, 100, o.WriteSpace(), "state cleared after overflow")
	o.WriteBytes(frame(10, 1))
	o.WriteAbort()
	assert.True(t, writeFrame(o, frame(5, 3)))
	require.Len(t, got, 2)
	assert.Equal(t, frame(5, 3), got[1])
	assert.Equal(t, uint64(2), o.Sent())

	bad := newOutbox("bad", 100, func([]byte) error { return net.ErrClosed })
	assert.False(t, writeFrame(bad, frame(10, 0)))
	assert.Equal(t, uint64(1), bad.Failed())
}

func TestUdpLink(t *testing.T) {
	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()

	l, err := OpenUdp(nil, "tun", "127.0.0.1:0", peer.LocalAddr().String())
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	// Switch to wire.
	out := frame(64, 0xAB)
	require.True(t, writeFrame(l.Tx(), out))
	buf := make([]byte, 2048)
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := peer.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, out, buf[:n])

	// Wire to switch.
	in := frame(80, 0xCD)
	_, err = peer.WriteToUDP(in, l.LocalAddr())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return l.Rx().ReadReady() > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, in, readFrame(l.Rx()))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("link did not stop")
	}
}

func TestPcapTap(t *testing.T) {
	var buf bytes.Buffer
	tap, err := NewPcapTap(nopCloser{&buf})
	require.NoError(t, err)
	require.True(t, writeFrame(tap, frame(60, 1)))
	require.True(t, writeFrame(tap, frame(70, 2)))
	assert.False(t, writeFrame(tap, frame(MaxFrame+1, 3)))
	assert.Equal(t, uint64(2), tap.Frames())

	rd, err := pcapgo.NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	data, ci, err := rd.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, frame(60, 1), data)
	assert.Equal(t, 60, ci.Length)
	data, _, err = rd.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, frame(70, 2), data)

	require.NoError(t, tap.Close())
	assert.False(t, writeFrame(tap, frame(60, 1)))
}

func TestPcapLinkReplay(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.pcap")
	output := filepath.Join(dir, "out.pcap")

	tap, err := CreatePcapTap(input)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.True(t, writeFrame(tap, frame(60+i, byte(i))))
	}
	require.NoError(t, tap.Close())

	l, err := Open(nil, &config.PortConfig{Name: "replay", Type: "pcap", Device: input, Capture: output})
	require.NoError(t, err)
	require.NoError(t, l.Run(context.Background()))
	for i := 0; i < 3; i++ {
		assert.Equal(t, frame(60+i, byte(i)), readFrame(l.Rx()))
	}
	assert.Nil(t, readFrame(l.Rx()))

	require.True(t, writeFrame(l.Tx(), frame(90, 9)))
	require.NoError(t, l.Close())
	f, err := os.Open(output)
	require.NoError(t, err)
	defer f.Close()
	rd, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	data, _, err := rd.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, frame(90, 9), data)
}

func TestOpenUnknownType(t *testing.T) {
	_, err := Open(nil, &config.PortConfig{Name: "x", Type: "carrier-pigeon"})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}
