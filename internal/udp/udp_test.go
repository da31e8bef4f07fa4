package udp

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/satcat5/internal/eth"
	"firestige.xyz/satcat5/internal/ip"
	"firestige.xyz/satcat5/internal/pktio"
	"firestige.xyz/satcat5/internal/poll"
)

var (
	macA  = eth.MacAddr{0xDE, 0xAD, 0xBE, 0xEF, 0x11, 0x11}
	macB  = eth.MacAddr{0xDE, 0xAD, 0xBE, 0xEF, 0x22, 0x22}
	addrA = ip.MustParseAddr("192.168.1.11")
	addrB = ip.MustParseAddr("192.168.1.74")
)

type testNet struct {
	clk   *poll.VirtualClock
	sched *poll.Scheduler
	link  *pktio.Crosslink
	a     *Stack
	b     *Stack
}

func newTestNet() *testNet {
	clk := poll.NewVirtualClock(0)
	s := poll.NewScheduler(clk)
	x := pktio.NewCrosslink(s, 8192, 64)
	return &testNet{
		clk:   clk,
		sched: s,
		link:  x,
		a:     NewStack(s, macA, addrA, x.ARx(), x.ATx()),
		b:     NewStack(s, macB, addrB, x.BRx(), x.BTx()),
	}
}

func (n *testNet) run(msec uint32) { poll.RunFor(n.sched, n.clk, msec) }

func newSocket(n *testNet, u *Dispatch) *Socket {
	return NewSocket(n.sched, u, make([]byte, 2048), make([]byte, 2048))
}

func readAll(t *testing.T, r pktio.Readable) []byte {
	t.Helper()
	b := make([]byte, r.ReadReady())
	require.True(t, r.ReadBytes(b))
	r.ReadFinalize()
	return b
}

func gopacketFrame(t *testing.T, payload []byte, dstPort uint16) []byte {
	t.Helper()
	ipl := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP{192, 168, 1, 11},
		DstIP:    net.IP{192, 168, 1, 74},
	}
	udpl := &layers.UDP{SrcPort: 1234, DstPort: layers.UDPPort(dstPort)}
	require.NoError(t, udpl.SetNetworkLayerForChecksum(ipl))
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		&layers.Ethernet{SrcMAC: macA[:], DstMAC: macB[:], EthernetType: layers.EthernetTypeIPv4},
		ipl, udpl, gopacket.Payload(payload))
	require.NoError(t, err)
	return buf.Bytes()
}

func TestChecksumMatchesGopacket(t *testing.T) {
	payload := []byte("checksum me")
	frame := gopacketFrame(t, payload, 5000)
	var h Header
	require.NoError(t, h.Parse(frame[34:]))
	assert.Equal(t, uint16(5000), h.Dst)
	assert.Equal(t, len(payload), h.PayloadLen())
	assert.Equal(t, h.Chk, h.Checksum(addrA, addrB, payload))
}

func TestReceiveChecksummed(t *testing.T) {
	n := newTestNet()
	sock := newSocket(n, n.b.UDP)
	sock.Bind(5000)

	good := gopacketFrame(t, []byte("hello"), 5000)
	bad := gopacketFrame(t, []byte("hello"), 5000)
	bad[42] ^= 0xFF // first payload byte
	for _, f := range [][]byte{good, bad} {
		n.link.ATx().WriteBytes(f)
		require.True(t, n.link.ATx().WriteFinalize())
	}
	n.run(2)

	assert.Equal(t, []byte("hello"), readAll(t, sock))
	assert.Equal(t, 0, sock.ReadReady())
	assert.Equal(t, uint64(1), n.b.UDP.Dropped())
	assert.Equal(t, uint16(1234), n.b.UDP.Received().Src)
}

func TestSocketEcho(t *testing.T) {
	n := newTestNet()
	sock := newSocket(n, n.a.UDP)
	sock.Connect(addrB, PortEcho, PortNone)
	local, remote := sock.Ports()
	assert.Equal(t, DynamicBase, local)
	assert.Equal(t, PortEcho, remote)
	n.run(5)
	require.True(t, sock.Ready())

	pktio.WriteU32(sock, 0xCAFED00D)
	require.True(t, sock.WriteFinalize())
	n.run(5)

	v, ok := pktio.ReadU32(sock)
	require.True(t, ok)
	assert.Equal(t, uint32(0xCAFED00D), v)
	assert.Equal(t, uint64(1), n.b.Echo.Replies())
}

func TestSocketFiltering(t *testing.T) {
	n := newTestNet()
	bound := newSocket(n, n.b.UDP)
	bound.Bind(6000)
	conn := newSocket(n, n.b.UDP)
	conn.Connect(addrA, 6001, 6000)

	from6001 := newSocket(n, n.a.UDP)
	from6001.Connect(addrB, 6000, 6001)
	from6002 := newSocket(n, n.a.UDP)
	from6002.Connect(addrB, 6000, 6002)
	n.run(5)

	pktio.WriteU8(from6001, 1)
	require.True(t, from6001.WriteFinalize())
	pktio.WriteU8(from6002, 2)
	require.True(t, from6002.WriteFinalize())
	n.run(5)

	assert.Equal(t, []byte{1}, readAll(t, conn))
	assert.Equal(t, []byte{2}, readAll(t, bound))
	assert.Equal(t, 0, conn.ReadReady())
	assert.Equal(t, 0, bound.ReadReady())
}

type icmpLog struct{ codes []uint8 }

func (l *icmpLog) IcmpError(typ, code uint8, orig *ip.Header) { l.codes = append(l.codes, code) }

func TestPortUnreachable(t *testing.T) {
	n := newTestNet()
	l := &icmpLog{}
	n.a.Icmp().AddErrorListener(l)
	sock := newSocket(n, n.a.UDP)
	sock.Connect(addrB, 9999, PortNone)
	n.run(5)
	pktio.WriteU16(sock, 0xBEEF)
	require.True(t, sock.WriteFinalize())
	n.run(5)
	require.Equal(t, []uint8{ip.CodePortUnreachable}, l.codes)

	n.b.UDP.SetPortUnreachable(false)
	pktio.WriteU16(sock, 0xBEEF)
	require.True(t, sock.WriteFinalize())
	n.run(5)
	assert.Len(t, l.codes, 1)
	assert.Equal(t, uint64(2), n.b.UDP.Dropped())
}

func TestFreePort(t *testing.T) {
	n := newTestNet()
	a := newSocket(n, n.a.UDP)
	a.Bind(DynamicBase)
	assert.Equal(t, DynamicBase+1, n.a.UDP.FreePort())
	assert.True(t, n.a.UDP.Bound(DynamicBase))
	a.Close()
	assert.False(t, n.a.UDP.Bound(DynamicBase))
}

func TestKeepAlive(t *testing.T) {
	n := newTestNet()
	tx := NewKeepAlive(n.b.UDP, 5000, "hello")
	rx := NewKeepAlive(n.a.UDP, 5000, "")
	tx.Start(100)
	n.run(1005)
	assert.Equal(t, uint64(10), tx.Sent())
	assert.Equal(t, uint64(10), rx.Received())

	tx.Close()
	n.run(500)
	assert.Equal(t, uint64(10), rx.Received())
}

type counters struct{ rx, tx uint64 }

func (c *counters) TelemetryEvent(tier int, w *TelemetryWriter) {
	switch tier {
	case 0:
		w.Add("rx", c.rx)
		w.Add("tx", c.tx)
	case 1:
		w.Add("label", "fast")
	}
}

func TestTelemetry(t *testing.T) {
	n := newTestNet()
	sock := newSocket(n, n.a.UDP)
	sock.Bind(7000)

	tel := NewTelemetry(n.b.UDP, addrA, 7000)
	tel.AddSource(&counters{rx: 12, tx: 34})
	assert.False(t, tel.Send(5))
	tel.SetInterval(0, 1000)
	n.run(1005)
	require.Equal(t, uint64(1), tel.Sent())

	m, err := DecodeTelemetry(readAll(t, sock))
	require.NoError(t, err)
	assert.EqualValues(t, 12, m["rx"])
	assert.EqualValues(t, 34, m["tx"])

	tel.SetInterval(1, 100)
	tel.SetInterval(0, 0)
	n.run(1000)
	assert.Equal(t, uint64(11), tel.Sent())
	m, err = DecodeTelemetry(readAll(t, sock))
	require.NoError(t, err)
	assert.Equal(t, "fast", m["label"])
}
