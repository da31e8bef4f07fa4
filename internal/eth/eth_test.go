package eth

import (
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/satcat5/internal/pktio"
	"firestige.xyz/satcat5/internal/poll"
)

var (
	macClient = MacAddr{0xDE, 0xAD, 0xBE, 0xEF, 0x11, 0x11}
	macServer = MacAddr{0xDE, 0xAD, 0xBE, 0xEF, 0x22, 0x22}
)

type pair struct {
	clk    *poll.VirtualClock
	sched  *poll.Scheduler
	link   *pktio.Crosslink
	client *Dispatch
	server *Dispatch
}

func newPair() *pair {
	clk := poll.NewVirtualClock(0)
	s := poll.NewScheduler(clk)
	x := pktio.NewCrosslink(s, 4096, 32)
	return &pair{
		clk:    clk,
		sched:  s,
		link:   x,
		client: NewDispatch(macClient, x.ARx(), x.ATx()),
		server: NewDispatch(macServer, x.BRx(), x.BTx()),
	}
}

func TestMacAddr(t *testing.T) {
	m, err := ParseMac("de:ad:be:ef:ca:fe")
	require.NoError(t, err)
	assert.Equal(t, MacAddr{0xDE, 0xAD, 0xBE, 0xEF, 0xCA, 0xFE}, m)
	assert.Equal(t, "de:ad:be:ef:ca:fe", m.String())
	assert.Equal(t, m, MacFromUint64(m.Uint64()))
	assert.True(t, m.IsUnicast())
	assert.True(t, MacBroadcast.IsMulticast())
	assert.False(t, MacNone.IsUnicast())
	assert.True(t, MacAddr{0x01, 0x80, 0xC2, 0, 0, 0x0E}.IsL2Reserved())

	_, err = ParseMac("00:00:00:00:fe:80:00:00")
	assert.Error(t, err)
}

func TestVlanTag(t *testing.T) {
	tag := NewVlanTag(123, 5, true)
	assert.Equal(t, uint16(123), tag.Vid())
	assert.Equal(t, uint8(5), tag.Pcp())
	assert.True(t, tag.Dei())
}

func TestHeaderMatchesGopacket(t *testing.T) {
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{},
		&layers.Ethernet{
			SrcMAC:       macClient[:],
			DstMAC:       macServer[:],
			EthernetType: layers.EthernetTypeDot1Q,
		},
		&layers.Dot1Q{Priority: 3, VLANIdentifier: 42, Type: layers.EthernetTypeIPv4},
		gopacket.Payload([]byte{1, 2, 3, 4}),
	)
	require.NoError(t, err)

	var h Header
	n, ok := h.Parse(buf.Bytes())
	require.True(t, ok)
	assert.Equal(t, 18, n)
	assert.Equal(t, macServer, h.Dst)
	assert.Equal(t, macClient, h.Src)
	assert.Equal(t, uint16(42), h.Vtag.Vid())
	assert.Equal(t, uint8(3), h.Vtag.Pcp())
	assert.Equal(t, ETypeIPv4, h.EType)
	assert.Equal(t, buf.Bytes()[:18], h.Append(nil))

	_, ok = h.Parse(buf.Bytes()[:16])
	assert.False(t, ok)
}

func TestEchoLoopback(t *testing.T) {
	p := newPair()
	echo := NewProtoEcho(p.server, 0x1234, 0x2345)
	sock := NewSocket(p.sched, p.client, make([]byte, 1024), make([]byte, 1024))
	sock.Connect(macServer, 0x1234, 0x2345, VidNone)

	pktio.WriteU32(sock, 0xCAFED00D)
	require.True(t, sock.WriteFinalize())
	poll.ServiceAll(p.sched, 10)

	v, ok := pktio.ReadU32(sock)
	require.True(t, ok)
	assert.Equal(t, uint32(0xCAFED00D), v)
	assert.Equal(t, uint64(1), echo.Replies())
}

type capture struct {
	filter Type
	frames [][]byte
	hdrs   []Header
	d      *Dispatch
}

func (c *capture) Filter() Type { return c.filter }

func (c *capture) FrameRcvd(src *pktio.LimitedRead) {
	b := make([]byte, src.ReadReady())
	src.ReadBytes(b)
	c.frames = append(c.frames, b)
	c.hdrs = append(c.hdrs, c.d.Received())
}

func rawFrame(dst, src MacAddr, etype uint16, payload ...byte) []byte {
	h := Header{Dst: dst, Src: src, EType: etype}
	return append(h.Append(nil), payload...)
}

func TestDispatchFiltering(t *testing.T) {
	in := pktio.NewPacketBuffer(nil, make([]byte, 1024), 16)
	d := NewDispatch(macServer, in, nil)
	c := &capture{filter: Type{EType: 0x1234}, d: d}
	d.Add(c)
	d.Add(c)

	write := func(b []byte) {
		in.WriteBytes(b)
		require.True(t, in.WriteFinalize())
	}
	write(rawFrame(macServer, macClient, 0x1234, 1))
	write(rawFrame(MacBroadcast, macClient, 0x1234, 2))
	write(rawFrame(macClient, macServer, 0x1234, 3))    // not for us
	write(rawFrame(macServer, MacBroadcast, 0x1234, 4)) // bad source
	write(rawFrame(macServer, macClient, 0x9999, 5))    // no binding
	write([]byte{1, 2, 3})                              // runt

	require.Len(t, c.frames, 2)
	assert.Equal(t, []byte{1}, c.frames[0])
	assert.Equal(t, []byte{2}, c.frames[1])
	assert.Equal(t, uint64(4), d.Dropped())

	d.Remove(c)
	write(rawFrame(macServer, macClient, 0x1234, 6))
	assert.Len(t, c.frames, 2)
}

func TestDispatchVlanFilter(t *testing.T) {
	in := pktio.NewPacketBuffer(nil, make([]byte, 1024), 16)
	d := NewDispatch(macServer, in, nil)
	c := &capture{filter: Type{Vid: 7, EType: 0x1234}, d: d}
	d.Add(c)

	tagged := func(vid uint16) []byte {
		h := Header{Dst: macServer, Src: macClient, Tagged: true, Vtag: NewVlanTag(vid, 0, false), EType: 0x1234}
		return append(h.Append(nil), 0xAA)
	}
	in.WriteBytes(tagged(7))
	in.WriteFinalize()
	in.WriteBytes(tagged(8))
	in.WriteFinalize()

	require.Len(t, c.frames, 1)
	assert.Equal(t, uint16(7), c.hdrs[0].Vtag.Vid())
}

func TestOpenWritePadding(t *testing.T) {
	out := pktio.NewArrayWrite(make([]byte, 128))
	d := NewDispatch(macClient, nil, out)
	w := d.OpenWrite(macServer, Type{EType: 0x1234}, 2)
	require.NotNil(t, w)
	w.WriteBytes([]byte{0xAB, 0xCD})
	require.True(t, w.WriteFinalize())
	assert.Equal(t, MinFrame, out.WrittenLen())
	assert.Equal(t, rawFrame(macServer, macClient, 0x1234, 0xAB, 0xCD), out.Written()[:16])

	d.SetMinFrame(0)
	w = d.OpenWrite(macServer, Type{Vid: 5, EType: 0x1234}, 1)
	w.WriteBytes([]byte{1})
	require.True(t, w.WriteFinalize())
	assert.Equal(t, 19, out.WrittenLen())

	small := NewDispatch(macClient, nil, pktio.NewArrayWrite(make([]byte, 20)))
	assert.Nil(t, small.OpenWrite(macServer, Type{EType: 1}, 10))
}
