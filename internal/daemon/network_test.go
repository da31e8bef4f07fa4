package daemon

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/satcat5/internal/config"
	"firestige.xyz/satcat5/internal/core"
	"firestige.xyz/satcat5/internal/ethsw"
	"firestige.xyz/satcat5/internal/host"
	"firestige.xyz/satcat5/internal/ip"
	"firestige.xyz/satcat5/internal/poll"
	"firestige.xyz/satcat5/internal/udp"
)

const (
	testMac  = "02:00:00:00:00:0a"
	testAddr = "192.168.1.10"
	peerMac  = "02:00:00:00:00:0b"
	peerAddr = "192.168.1.20"
)

func testConfig() *config.GlobalConfig {
	return &config.GlobalConfig{
		Node:   config.NodeConfig{Name: "test", MAC: testMac},
		Switch: config.SwitchConfig{PoolBytes: 65536, ChunkBytes: 64, MaxPackets: 256, QueueDepth: 32},
		IP: config.IPConfig{
			Address: testAddr,
			Prefix:  24,
			Echo:    true,
			Arp:     config.ArpConfig{CacheSize: 16, Retries: 3, Interval: time.Second, Factor: 1},
		},
	}
}

func writePcap(t *testing.T, path string, frames ...[]byte) {
	t.Helper()
	tap, err := host.CreatePcapTap(path)
	require.NoError(t, err)
	for _, f := range frames {
		tap.WriteBytes(f)
		require.True(t, tap.WriteFinalize())
	}
	require.NoError(t, tap.Close())
}

func readPcap(t *testing.T, path string) [][]byte {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rd, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	var frames [][]byte
	for {
		data, _, err := rd.ReadPacketData()
		if err != nil {
			return frames
		}
		frames = append(frames, data)
	}
}

func echoRequest(t *testing.T, dst string) []byte {
	t.Helper()
	src, _ := net.ParseMAC(peerMac)
	dmac, _ := net.ParseMAC(testMac)
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true},
		&layers.Ethernet{SrcMAC: src, DstMAC: dmac, EthernetType: layers.EthernetTypeIPv4},
		&layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: layers.IPProtocolICMPv4,
			SrcIP:    net.ParseIP(peerAddr).To4(),
			DstIP:    net.ParseIP(dst).To4(),
		},
		&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: 0x1234, Seq: 1},
		gopacket.Payload("abcdefghijklmnopqrstuvwxyz012345"),
	)
	require.NoError(t, err)
	return buf.Bytes()
}

func TestNetworkAnswersPing(t *testing.T) {
	dir := t.TempDir()
	in, out := filepath.Join(dir, "in.pcap"), filepath.Join(dir, "out.pcap")
	writePcap(t, in, echoRequest(t, testAddr))

	cfg := testConfig()
	cfg.Ports = []config.PortConfig{
		{Name: "wire", Type: "pcap", Device: in, Capture: out},
		{Name: "stack", Type: "local"},
	}
	clk := poll.NewVirtualClock(0)
	n, err := Build(cfg, clk)
	require.NoError(t, err)
	assert.Equal(t, 2, n.Switch().PortCount())
	require.NotNil(t, n.Local())

	require.NoError(t, n.Links()[0].Run(context.Background()))
	poll.RunFor(n.Scheduler(), clk, 20)
	require.NoError(t, n.Close())

	var replies, announces int
	for _, f := range readPcap(t, out) {
		pkt := gopacket.NewPacket(f, layers.LayerTypeEthernet, gopacket.Default)
		if arp, ok := pkt.Layer(layers.LayerTypeARP).(*layers.ARP); ok {
			assert.Equal(t, net.ParseIP(testAddr).To4(), net.IP(arp.SourceProtAddress))
			announces++
		}
		icmp, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
		if !ok || icmp.TypeCode.Type() != layers.ICMPv4TypeEchoReply {
			continue
		}
		replies++
		assert.Equal(t, uint16(0x1234), icmp.Id)
		ip4 := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		assert.Equal(t, testAddr, ip4.SrcIP.String())
		assert.Equal(t, peerAddr, ip4.DstIP.String())
	}
	assert.Equal(t, 1, replies)
	assert.Equal(t, 1, announces)
	stats := n.Switch().PortStats(0)
	assert.Equal(t, uint64(1), stats.RxFrames)
}

func TestNetworkRoutes(t *testing.T) {
	cfg := testConfig()
	cfg.IP.Gateway = "192.168.1.1"
	cfg.IP.Routes = []config.RouteConfig{{Subnet: "10.0.0.0/8", Gateway: "192.168.1.2"}}
	n, err := Build(cfg, poll.NewVirtualClock(0))
	require.NoError(t, err)
	defer n.Close()

	table := n.Local().Table
	r, ok := table.RouteLookup(ip.MustParseAddr("10.1.2.3"))
	require.True(t, ok)
	assert.Equal(t, ip.MustParseAddr("192.168.1.2"), r.Gateway)
	r, ok = table.RouteLookup(ip.MustParseAddr("192.168.1.77"))
	require.True(t, ok)
	assert.True(t, r.Gateway.IsNone(), "local subnet is on-link")
	def, ok := table.Default()
	require.True(t, ok)
	assert.Equal(t, ip.MustParseAddr("192.168.1.1"), def.Gateway)

	bad := testConfig()
	bad.IP.Routes = []config.RouteConfig{{Subnet: "172.16.0.0/12"}, {Subnet: "nonsense"}}
	assert.ErrorIs(t, n.ApplyRoutes(bad), core.ErrConfigInvalid)
	_, ok = table.RouteLookup(ip.MustParseAddr("10.1.2.3"))
	assert.True(t, ok, "failed update keeps the old routes")

	next := testConfig()
	next.IP.Routes = []config.RouteConfig{{Subnet: "172.16.0.0/12", Gateway: "192.168.1.3"}}
	require.NoError(t, n.ApplyRoutes(next))
	_, ok = table.RouteLookup(ip.MustParseAddr("10.1.2.3"))
	assert.False(t, ok)
	_, ok = table.Default()
	assert.False(t, ok)
	r, ok = table.RouteLookup(ip.MustParseAddr("172.20.0.1"))
	require.True(t, ok)
	assert.Equal(t, ip.MustParseAddr("192.168.1.3"), r.Gateway)
}

func TestNetworkRouterAndPlugins(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.pcap")
	writePcap(t, in)

	cfg := testConfig()
	cfg.IP.Address = ""
	cfg.Ports = []config.PortConfig{
		{Name: "lan", Type: "pcap", Device: in},
		{Name: "wan", Type: "pcap", Device: in},
	}
	cfg.Switch.Plugins = []config.PluginConfig{{Name: "cache", Options: map[string]interface{}{"size": 64}}, {Name: "vlan"}}
	cfg.Router = config.RouterConfig{
		Enabled: true,
		Address: "10.0.0.1",
		MAC:     "02:00:00:00:00:01",
		Nat:     []config.NatConfig{{Port: "wan", External: "192.0.2.0/24", Internal: "10.0.0.0/24"}},
	}
	cfg.IP.Routes = []config.RouteConfig{{Subnet: "10.0.0.0/24", Port: 0}, {Subnet: "192.0.2.0/24", Port: 1}}
	n, err := Build(cfg, poll.NewVirtualClock(0))
	require.NoError(t, err)
	defer n.Close()

	require.NotNil(t, n.Router())
	assert.Nil(t, n.Local())
	assert.Equal(t, 3, n.Switch().PortCount(), "router adds its own port")
	_, ok := n.Plugin("cache")
	assert.True(t, ok)
	r, ok := n.Router().Table().RouteLookup(ip.MustParseAddr("192.0.2.9"))
	require.True(t, ok)
	assert.Equal(t, uint8(1), r.Port)
}

func TestNetworkVlanPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.Ports = []config.PortConfig{{
		Name: "stack",
		Type: "local",
		Vlan: config.VlanConfig{AdmitTagged: true, AdmitUntagged: true, TagEgress: true, DefaultVid: 10, Allowed: []int{20}},
	}}
	n, err := Build(cfg, poll.NewVirtualClock(0))
	require.NoError(t, err)
	defer n.Close()
	pol := n.Switch().PortByName("stack").Vlan()
	require.NotNil(t, pol)
	assert.True(t, pol.Allowed(10))
	assert.True(t, pol.Allowed(20))
	assert.False(t, pol.Allowed(30))
	assert.True(t, pol.TagEgress)
}

func TestNetworkSwitchLogPort(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.pcap")
	logOut := filepath.Join(dir, "log.pcap")
	writePcap(t, in, echoRequest(t, testAddr))

	cfg := testConfig()
	cfg.Ports = []config.PortConfig{
		{Name: "wire", Type: "pcap", Device: in},
		{Name: "log", Type: "pcap", Device: in, Capture: logOut},
	}
	cfg.Switch.Log = config.SwitchLogConfig{Enabled: true, Port: "log", Capacity: 4096}
	clk := poll.NewVirtualClock(0)
	n, err := Build(cfg, clk)
	require.NoError(t, err)
	assert.Equal(t, 2, n.Switch().PortCount(), "wire and local stack only")
	require.NotNil(t, n.SwitchLog())

	require.NoError(t, n.Links()[0].Run(context.Background()))
	poll.RunFor(n.Scheduler(), clk, 20)
	require.NoError(t, n.Close())

	records := readPcap(t, logOut)
	require.NotEmpty(t, records)
	var fromWire bool
	for _, b := range records {
		rec, err := ethsw.ParseLogRecord(b)
		require.NoError(t, err)
		if rec.SrcPort == 0 {
			fromWire = true
			assert.Equal(t, ethsw.Forward, rec.Result)
		}
	}
	assert.True(t, fromWire)
}

func TestNetworkPtpAndTelemetry(t *testing.T) {
	cfg := testConfig()
	cfg.PTP = config.PTPConfig{
		Enabled:          true,
		Mode:             "master",
		Transport:        "l3",
		Priority1:        100,
		Priority2:        128,
		ClockClass:       6,
		AnnounceInterval: 1,
		AnnounceTimeout:  3,
		Doppler:          true,
		Servo:            config.ServoConfig{TimeConstant: 10, StepNsec: 1000000, Filters: []string{"reject", "median:5"}},
	}
	cfg.Telemetry = config.TelemetryConfig{Enabled: true, Destination: "192.168.1.99:5000", Interval: time.Second}
	n, err := Build(cfg, poll.NewVirtualClock(0))
	require.NoError(t, err)
	defer n.Close()

	require.NotNil(t, n.Ptp())
	require.NotNil(t, n.Servo())
	assert.Equal(t, "master", n.Ptp().Mode().String())
	assert.Equal(t, uint8(100), n.Ptp().ClockInfo().Priority1)

	msg, err := n.Telemetry().Encode(0)
	require.NoError(t, err)
	fields, err := udp.DecodeTelemetry(msg)
	require.NoError(t, err)
	assert.Contains(t, fields, "switch_frames")
	assert.Contains(t, fields, "switch_ports")
	assert.Contains(t, fields, "client_state")
}

func TestBuildErrors(t *testing.T) {
	cfg := testConfig()
	cfg.IP.Address = ""
	cfg.PTP = config.PTPConfig{Enabled: true, Mode: "slave", Transport: "l2"}
	_, err := Build(cfg, poll.NewVirtualClock(0))
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	cfg = testConfig()
	cfg.Switch.Plugins = []config.PluginConfig{{Name: "no-such-plugin"}}
	_, err = Build(cfg, poll.NewVirtualClock(0))
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	cfg = testConfig()
	cfg.Ports = []config.PortConfig{{Name: "gone", Type: "pcap", Device: filepath.Join(t.TempDir(), "missing.pcap")}}
	_, err = Build(cfg, poll.NewVirtualClock(0))
	assert.Error(t, err)

	cfg = testConfig()
	cfg.PTP = config.PTPConfig{Enabled: true, Mode: "slave", Transport: "l2", Servo: config.ServoConfig{Filters: []string{"wiggle"}}}
	_, err = Build(cfg, poll.NewVirtualClock(0))
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestNetworkRunAndDo(t *testing.T) {
	n, err := Build(testConfig(), poll.NewClockHost())
	require.NoError(t, err)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	var count uint64
	require.NoError(t, n.Do(ctx, func() { count = n.Scheduler().ServiceCount() }))
	assert.NotZero(t, count)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("network did not stop")
	}
	assert.ErrorIs(t, n.Do(ctx, func() {}), context.Canceled)
}
