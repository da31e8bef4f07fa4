package router

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/satcat5/internal/cfgbus"
	"firestige.xyz/satcat5/internal/eth"
	"firestige.xyz/satcat5/internal/ethsw"
	"firestige.xyz/satcat5/internal/ip"
	"firestige.xyz/satcat5/internal/multibuf"
	"firestige.xyz/satcat5/internal/pktio"
	"firestige.xyz/satcat5/internal/poll"
)

var (
	macR  = eth.MacAddr{0x02, 0x52, 0x00, 0x00, 0x00, 0x01}
	macA  = eth.MacAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x0A}
	macB  = eth.MacAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x0B}
	addrR = ip.MustParseAddr("10.0.0.1")
	addrA = ip.MustParseAddr("10.0.0.2")
	addrB = ip.MustParseAddr("10.0.1.2")
	netA  = mustSubnet("10.0.0.0/24")
	netB  = mustSubnet("10.0.1.0/24")
)

func mustSubnet(s string) ip.Subnet {
	sub, err := ip.ParseSubnet(s)
	if err != nil {
		panic(err)
	}
	return sub
}

type testRouter struct {
	clk   *poll.VirtualClock
	sched *poll.Scheduler
	sw    *ethsw.SwitchCore
	links []*pktio.Crosslink
	r     *Router
}

// newTestRouter builds a router with two external ports. Each port is
// the B side of a crosslink; tests drive the A side.
func newTestRouter() *testRouter {
	clk := poll.NewVirtualClock(0)
	s := poll.NewScheduler(clk)
	pool := multibuf.NewPool(make([]byte, 128*1024), 256, 256)
	tr := &testRouter{clk: clk, sched: s, sw: ethsw.NewSwitchCore(s, pool)}
	for _, name := range []string{"a", "b"} {
		x := pktio.NewCrosslink(s, 16384, 64)
		tr.sw.AddPort(name, x.BRx(), x.BTx())
		tr.links = append(tr.links, x)
	}
	ethsw.NewSwitchCache(tr.sw, 32)
	tr.r = New(tr.sw, macR, addrR)
	return tr
}

func (tr *testRouter) run(msec uint32) { poll.RunFor(tr.sched, tr.clk, msec) }

func (tr *testRouter) send(t *testing.T, port int, frame []byte) {
	t.Helper()
	w := tr.links[port].ATx()
	w.WriteBytes(frame)
	require.True(t, w.WriteFinalize())
	poll.ServiceAll(tr.sched, 30)
}

func (tr *testRouter) recv(port int) []gopacket.Packet {
	var out []gopacket.Packet
	rx := tr.links[port].ARx()
	for rx.ReadReady() > 0 {
		b := make([]byte, rx.ReadReady())
		rx.ReadBytes(b)
		rx.ReadFinalize()
		out = append(out, gopacket.NewPacket(b, layers.LayerTypeEthernet, gopacket.Default))
	}
	return out
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func udpFrame(t *testing.T, dstMac, srcMac eth.MacAddr, src, dst ip.Addr, ttl uint8) []byte {
	t.Helper()
	ipv4 := &layers.IPv4{
		Version: 4, TTL: ttl, Protocol: layers.IPProtocolUDP,
		SrcIP: addrIP(src), DstIP: addrIP(dst),
	}
	u := &layers.UDP{SrcPort: 5000, DstPort: 6000}
	require.NoError(t, u.SetNetworkLayerForChecksum(ipv4))
	return serialize(t,
		&layers.Ethernet{SrcMAC: srcMac[:], DstMAC: dstMac[:], EthernetType: layers.EthernetTypeIPv4},
		ipv4, u, gopacket.Payload("routed payload"))
}

func tcpFrame(t *testing.T, dstMac, srcMac eth.MacAddr, src, dst ip.Addr) []byte {
	t.Helper()
	ipv4 := &layers.IPv4{
		Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: addrIP(src), DstIP: addrIP(dst),
	}
	tcp := &layers.TCP{SrcPort: 40000, DstPort: 80, Seq: 1234, SYN: true, Window: 1024}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ipv4))
	return serialize(t,
		&layers.Ethernet{SrcMAC: srcMac[:], DstMAC: dstMac[:], EthernetType: layers.EthernetTypeIPv4},
		ipv4, tcp, gopacket.Payload("GET /"))
}

func arpFrame(t *testing.T, op uint16, dstMac, srcMac eth.MacAddr, spa, tpa ip.Addr) []byte {
	t.Helper()
	return serialize(t,
		&layers.Ethernet{SrcMAC: srcMac[:], DstMAC: dstMac[:], EthernetType: layers.EthernetTypeARP},
		&layers.ARP{
			AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4,
			HwAddressSize: 6, ProtAddressSize: 4, Operation: op,
			SourceHwAddress: srcMac[:], SourceProtAddress: addrIP(spa),
			DstHwAddress: make([]byte, 6), DstProtAddress: addrIP(tpa),
		})
}

func addrIP(a ip.Addr) net.IP {
	b := a.Bytes()
	return net.IP(b[:])
}

// ipHeader extracts and checks the IPv4 header of a captured frame.
func ipHeader(t *testing.T, pkt gopacket.Packet) ip.Header {
	t.Helper()
	l := pkt.Layer(layers.LayerTypeIPv4)
	require.NotNil(t, l)
	var h ip.Header
	require.NoError(t, h.Parse(l.LayerContents()))
	assert.True(t, h.ChecksumOK(), "ip checksum")
	return h
}

func TestRouterForward(t *testing.T) {
	tr := newTestRouter()
	require.True(t, tr.r.Table().RouteStatic(ip.Route{Subnet: netB, DstMac: macB, Port: 1}))

	tr.send(t, 0, udpFrame(t, macR, macA, addrA, addrB, 64))
	assert.Empty(t, tr.recv(0))
	got := tr.recv(1)
	require.Len(t, got, 1)
	e := got[0].Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	assert.Equal(t, net.HardwareAddr(macR[:]), e.SrcMAC)
	assert.Equal(t, net.HardwareAddr(macB[:]), e.DstMAC)
	h := ipHeader(t, got[0])
	assert.EqualValues(t, 63, h.Ttl)
	assert.Equal(t, addrB, h.Dst)
	assert.NotNil(t, got[0].Layer(gopacket.LayerTypePayload))
	assert.EqualValues(t, 1, tr.r.Routed())
}

func TestRouterTtlExceeded(t *testing.T) {
	tr := newTestRouter()
	require.True(t, tr.r.Table().RouteStatic(ip.Route{Subnet: netB, DstMac: macB, Port: 1}))
	require.True(t, tr.r.Table().RouteStatic(ip.Route{Subnet: netA, DstMac: macA, Port: 0}))

	tr.send(t, 0, udpFrame(t, macR, macA, addrA, addrB, 1))
	assert.Empty(t, tr.recv(1))
	got := tr.recv(0)
	require.Len(t, got, 1)
	icmp, ok := got[0].Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	require.True(t, ok)
	assert.Equal(t, uint8(layers.ICMPv4TypeTimeExceeded), icmp.TypeCode.Type())
	h := ipHeader(t, got[0])
	assert.Equal(t, addrR, h.Src)
	assert.Equal(t, addrA, h.Dst)
	assert.EqualValues(t, 1, tr.r.IcmpErrors())
}

func TestRouterNoRoute(t *testing.T) {
	tr := newTestRouter()
	tr.send(t, 0, udpFrame(t, macR, macA, addrA, ip.MustParseAddr("172.16.0.1"), 64))
	assert.Empty(t, tr.recv(1))
	got := tr.recv(0)
	require.Len(t, got, 1)
	icmp, ok := got[0].Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	require.True(t, ok)
	assert.Equal(t, uint8(layers.ICMPv4TypeDestinationUnreachable), icmp.TypeCode.Type())
	assert.EqualValues(t, 0, tr.r.Routed())
}

func TestRouterArpNextHop(t *testing.T) {
	tr := newTestRouter()
	require.True(t, tr.r.Table().RouteStatic(ip.Route{Subnet: netA, Port: 0}))

	frame := udpFrame(t, macR, macB, addrB, addrA, 64)
	tr.send(t, 1, frame)
	assert.EqualValues(t, 1, tr.r.ArpMisses())
	got := tr.recv(0)
	require.Len(t, got, 1)
	arp, ok := got[0].Layer(layers.LayerTypeARP).(*layers.ARP)
	require.True(t, ok)
	assert.Equal(t, uint16(layers.ARPRequest), arp.Operation)
	assert.Equal(t, addrIP(addrA).To4(), net.IP(arp.DstProtAddress))
	tr.recv(1)

	tr.send(t, 0, arpFrame(t, layers.ARPReply, macR, macA, addrA, addrR))
	tr.send(t, 1, frame)
	got = tr.recv(0)
	require.Len(t, got, 1)
	e := got[0].Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	assert.Equal(t, net.HardwareAddr(macA[:]), e.DstMAC)
	assert.EqualValues(t, 1, tr.r.Routed())
}

type pingLog struct{ results []ip.PingResult }

func (l *pingLog) PingEvent(r ip.PingResult) { l.results = append(l.results, r) }

func (l *pingLog) ok() int {
	n := 0
	for _, r := range l.results {
		if r.Err == nil {
			n++
		}
	}
	return n
}

func TestRouterPingThrough(t *testing.T) {
	tr := newTestRouter()
	tr.r.Table().RouteStatic(ip.Route{Subnet: netA, Port: 0})
	tr.r.Table().RouteStatic(ip.Route{Subnet: netB, Port: 1})
	a := ip.NewStack(tr.sched, macA, addrA, tr.links[0].ARx(), tr.links[0].ATx())
	b := ip.NewStack(tr.sched, macB, addrB, tr.links[1].ARx(), tr.links[1].ATx())
	a.Table.RouteDefault(addrR, eth.MacNone, 0)
	b.Table.RouteDefault(addrR, eth.MacNone, 0)

	// Ping the router itself.
	var local pingLog
	a.Ping.AddListener(&local)
	a.Ping.Ping(addrR, 3)
	tr.run(4000)
	assert.GreaterOrEqual(t, local.ok(), 2)

	var remote pingLog
	a.Ping.Stop()
	p := ip.NewPing(a.IP)
	p.AddListener(&remote)
	p.Ping(addrB, 5)
	tr.run(6000)
	assert.GreaterOrEqual(t, remote.ok(), 2)
	assert.Greater(t, tr.r.Routed(), uint64(3))
}

func TestTableHwMirror(t *testing.T) {
	bus := cfgbus.NewMockBus()
	cb := cfgbus.NewConfigBus(bus, nil, 0)
	table := ip.NewTable(8)
	hw := NewTableHw(cb, 5, 10, 8, table)
	addr := cfgbus.Addr(5, 10)
	assert.Equal(t, []uint32{0x10000000}, bus.WritesTo(addr))

	bus.ClearLog()
	table.RouteDefault(ip.MustParseAddr("192.168.1.12"), eth.MacAddr{0xDE, 0xAD, 0xBE, 0xEF, 0xCA, 0xFE}, 0x42)
	assert.Equal(t, []uint32{0x0042DEAD, 0xBEEFCAFE, 0x00000000, 0x20000000}, bus.WritesTo(addr))

	bus.ClearLog()
	require.True(t, table.RouteStatic(ip.Route{
		Subnet: mustSubnet("10.1.2.0/24"), DstMac: eth.MacAddr{1, 2, 3, 4, 5, 6}, Port: 3,
	}))
	assert.Equal(t, []uint32{0x00030102, 0x03040506, 0x0A010200, 0x30180000}, bus.WritesTo(addr))

	bus.ClearLog()
	require.True(t, table.RouteRemove(mustSubnet("10.1.2.0/24")))
	w := bus.WritesTo(addr)
	require.Len(t, w, 5)
	assert.Equal(t, uint32(0x10000000), w[0])
	assert.Equal(t, uint32(0x20000000), w[4])
	assert.EqualValues(t, 5, hw.Commands())
}

func TestTableHwAttachReplays(t *testing.T) {
	bus := cfgbus.NewMockBus()
	table := ip.NewTable(4)
	table.RouteStatic(ip.Route{Subnet: mustSubnet("10.0.0.0/8"), Port: 1})
	table.RouteStatic(ip.Route{Subnet: mustSubnet("10.2.0.0/16"), Port: 2})
	NewTableHw(cfgbus.NewConfigBus(bus, nil, 0), 1, 0, 4, table)
	w := bus.WritesTo(cfgbus.Addr(1, 0))
	require.Len(t, w, 9)
	assert.Equal(t, uint32(0x10000000), w[0])
	assert.Equal(t, uint32(0x30080000), w[4])
	assert.Equal(t, uint32(0x30100001), w[8])
}
