package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	ptpproto "github.com/facebook/time/ptp/protocol"
	"github.com/sourcegraph/conc/pool"

	"firestige.xyz/satcat5/internal/cfgbus"
	"firestige.xyz/satcat5/internal/config"
	"firestige.xyz/satcat5/internal/core"
	"firestige.xyz/satcat5/internal/eth"
	"firestige.xyz/satcat5/internal/ethsw"
	"firestige.xyz/satcat5/internal/host"
	"firestige.xyz/satcat5/internal/ip"
	"firestige.xyz/satcat5/internal/log"
	"firestige.xyz/satcat5/internal/multibuf"
	"firestige.xyz/satcat5/internal/pktio"
	"firestige.xyz/satcat5/internal/poll"
	"firestige.xyz/satcat5/internal/ptp"
	"firestige.xyz/satcat5/internal/router"
	"firestige.xyz/satcat5/internal/udp"
)

const (
	localPortName = "local"
	localBufBytes = 16384
	localBufPkts  = 32
	// Locally administered address used when node.mac is unset.
	defaultMac  = "02:53:43:35:00:01"
	serviceTick = time.Millisecond
)

// Network is the switch and everything attached to it, built from one
// configuration. Apart from Run, Do and Close its methods must be called
// from the service loop, or before Run starts it.
type Network struct {
	sched   *poll.Scheduler
	sw      *ethsw.SwitchCore
	links   []host.Link
	taps    []*host.PcapTap
	plugins map[string]any
	swlog   *ethsw.SwitchLog
	local   *udp.Stack
	router  *router.Router
	nats    []*router.BasicNat
	mmap    *cfgbus.MmapBus
	tableHw *router.TableHw
	ptp     *ptp.Client
	clock   *ptp.SoftwareClock
	servo   *ptp.TrackingController
	telem   *udp.Telemetry
	calls   chan func()
}

// Build assembles a Network on a scheduler driven by ref. On error
// everything opened so far is closed.
func Build(cfg *config.GlobalConfig, ref poll.TimeRef) (n *Network, err error) {
	n = &Network{sched: poll.NewScheduler(ref), calls: make(chan func(), 16)}
	defer func() {
		if err != nil {
			n.Close()
			n = nil
		}
	}()

	sc := &cfg.Switch
	buf := multibuf.NewPool(make([]byte, sc.PoolBytes), sc.ChunkBytes, sc.MaxPackets)
	n.sw = ethsw.NewSwitchCore(n.sched, buf)
	n.sw.SetQueues(sc.QueueDepth, ethsw.DefaultLevels)

	mac, err := eth.ParseMac(orDefault(cfg.Node.MAC, defaultMac))
	if err != nil {
		return n, fmt.Errorf("node.mac: %w", core.ErrConfigInvalid)
	}
	var localRx, localTx *pktio.PacketBuffer
	for i := range cfg.Ports {
		pc := &cfg.Ports[i]
		if pc.Type == "local" {
			localRx, localTx = n.addLocalPort(pc.Name)
			n.setVlan(pc)
			continue
		}
		if err = n.addLink(cfg, pc); err != nil {
			return n, err
		}
	}

	if len(sc.Plugins) > 0 {
		specs := make([]ethsw.PluginSpec, len(sc.Plugins))
		for i, p := range sc.Plugins {
			specs[i] = ethsw.PluginSpec{Name: p.Name, Options: p.Options}
		}
		if n.plugins, err = ethsw.DefaultRegistry().Build(n.sw, specs); err != nil {
			return n, err
		}
	}

	if cfg.IP.Address != "" {
		if localRx == nil {
			localRx, localTx = n.addLocalPort(localPortName)
		}
		if err = n.buildLocal(cfg, mac, localRx, localTx); err != nil {
			return n, err
		}
	}
	// Routing narrows the destination mask last.
	if cfg.Router.Enabled {
		if err = n.buildRouter(cfg); err != nil {
			return n, err
		}
	}
	if err = n.ApplyRoutes(cfg); err != nil {
		return n, err
	}
	if cfg.PTP.Enabled {
		if err = n.buildPtp(cfg); err != nil {
			return n, err
		}
	}
	if cfg.Telemetry.Enabled {
		if err = n.buildTelemetry(cfg); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (n *Network) addLocalPort(name string) (rx, tx *pktio.PacketBuffer) {
	down := pktio.NewPacketBuffer(n.sched, make([]byte, localBufBytes), localBufPkts)
	up := pktio.NewPacketBuffer(n.sched, make([]byte, localBufBytes), localBufPkts)
	n.sw.AddPort(name, down, up)
	return up, down
}

func (n *Network) addLink(cfg *config.GlobalConfig, pc *config.PortConfig) error {
	l, err := host.Open(n.sched, pc)
	if err != nil {
		return err
	}
	n.links = append(n.links, l)

	// A port that carries the switch log is not a switch port.
	if lc := cfg.Switch.Log; lc.Enabled && lc.Port == pc.Name {
		q := pktio.NewPacketBuffer(n.sched, make([]byte, max(lc.Capacity, 256)), 64)
		pktio.NewBufferedCopy(q, l.Tx(), pktio.CopyPacket)
		n.swlog = ethsw.NewSwitchLog(q)
		n.sw.SetLog(n.swlog)
		return nil
	}

	tx := l.Tx()
	if pc.Capture != "" && pc.Type != "pcap" {
		tap, err := host.CreatePcapTap(pc.Capture)
		if err != nil {
			return fmt.Errorf("port %s: capture: %w", pc.Name, err)
		}
		n.taps = append(n.taps, tap)
		tx = pktio.NewWriteableBroadcast(tx, tap)
	}
	n.sw.AddPort(pc.Name, l.Rx(), tx)
	n.setVlan(pc)
	return nil
}

func (n *Network) setVlan(pc *config.PortConfig) {
	vc := pc.Vlan
	if vc.DefaultVid == 0 && !vc.TagEgress && vc.AdmitTagged && len(vc.Allowed) == 0 {
		return
	}
	pol := ethsw.NewVlanPolicy(uint16(vc.DefaultVid))
	pol.AdmitTagged = vc.AdmitTagged
	pol.AdmitUntagged = vc.AdmitUntagged
	pol.TagEgress = vc.TagEgress
	pol.DefaultPcp = uint8(vc.DefaultPcp)
	for _, vid := range vc.Allowed {
		pol.Allow(uint16(vid))
	}
	n.sw.PortByName(pc.Name).SetVlan(pol)
}

func (n *Network) buildLocal(cfg *config.GlobalConfig, mac eth.MacAddr, rx, tx *pktio.PacketBuffer) error {
	addr, err := ip.ParseAddr(cfg.IP.Address)
	if err != nil {
		return fmt.Errorf("ip.address: %w", core.ErrConfigInvalid)
	}
	n.local = udp.NewStack(n.sched, mac, addr, rx, tx)
	ac := cfg.IP.Arp
	if ac.CacheSize > 0 {
		n.local.Arp().Resize(ac.CacheSize)
	}
	if ac.Interval > 0 {
		n.local.Arp().Configure(ac.Retries, ac.Interval, ac.Factor)
	}
	if !cfg.IP.Echo {
		n.local.Echo.Close()
	}
	n.local.Arp().SendAnnounce()
	log.GetLogger().WithFields(map[string]interface{}{
		"mac":  mac.String(),
		"addr": addr.String(),
	}).Info("daemon: local interface up")
	return nil
}

func (n *Network) buildRouter(cfg *config.GlobalConfig) error {
	rc := &cfg.Router
	addr, err := ip.ParseAddr(rc.Address)
	if err != nil {
		return fmt.Errorf("router.address: %w", core.ErrConfigInvalid)
	}
	mac, err := eth.ParseMac(rc.MAC)
	if err != nil {
		return fmt.Errorf("router.mac: %w", core.ErrConfigInvalid)
	}
	n.router = router.New(n.sw, mac, addr)
	for _, nc := range rc.Nat {
		port := n.sw.PortByName(nc.Port)
		if port == nil {
			return fmt.Errorf("nat: unknown port %q: %w", nc.Port, core.ErrConfigInvalid)
		}
		ext, err1 := ip.ParseSubnet(nc.External)
		in, err2 := ip.ParseSubnet(nc.Internal)
		if err := errors.Join(err1, err2); err != nil {
			return fmt.Errorf("nat on %s: %w", nc.Port, err)
		}
		nat, err := router.NewBasicNat(port, ext, in)
		if err != nil {
			return err
		}
		n.nats = append(n.nats, nat)
	}
	if rc.Table.Device != "" {
		if n.mmap, err = cfgbus.OpenMmapBus(rc.Table.Device, 0, 0); err != nil {
			return fmt.Errorf("router table: %w", err)
		}
		cb := cfgbus.NewConfigBus(n.mmap, nil, 0)
		n.tableHw = router.NewTableHw(cb, uint32(rc.Table.DevAddr), uint32(rc.Table.RegAddr), rc.Table.Size, n.router.Table())
	}
	return nil
}

// ApplyRoutes replaces the static routes of the local interface and the
// router. Nothing changes if any route is invalid.
func (n *Network) ApplyRoutes(cfg *config.GlobalConfig) error {
	routes, err := parseRoutes(cfg.IP.Routes)
	if err != nil {
		return err
	}
	var gw ip.Addr
	if cfg.IP.Gateway != "" {
		if gw, err = ip.ParseAddr(cfg.IP.Gateway); err != nil {
			return fmt.Errorf("ip.gateway: %w", core.ErrConfigInvalid)
		}
	}
	load := func(t *ip.Table) {
		t.RouteClear()
		if !gw.IsNone() {
			t.RouteDefault(gw, eth.MacNone, 0)
		}
		for _, r := range routes {
			if !t.RouteStatic(r) {
				log.GetLogger().WithField("subnet", r.Subnet.String()).Warn("daemon: routing table full")
			}
		}
	}
	if n.local != nil {
		load(n.local.Table)
		if cfg.IP.Prefix > 0 {
			sub := ip.Subnet{Addr: n.local.IP.Addr(), Prefix: uint8(cfg.IP.Prefix)}
			sub.Addr &= sub.Mask()
			n.local.Table.RouteStatic(ip.Route{Subnet: sub, DstMac: eth.MacNone})
		}
	}
	if n.router != nil {
		load(n.router.Table())
	}
	return nil
}

func parseRoutes(rcs []config.RouteConfig) ([]ip.Route, error) {
	routes := make([]ip.Route, 0, len(rcs))
	for _, rc := range rcs {
		sub, err := ip.ParseSubnet(rc.Subnet)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", rc.Subnet, core.ErrConfigInvalid)
		}
		r := ip.Route{Subnet: sub, DstMac: eth.MacNone, Port: uint8(rc.Port), Metric: uint16(rc.Metric)}
		if rc.Gateway != "" {
			if r.Gateway, err = ip.ParseAddr(rc.Gateway); err != nil {
				return nil, fmt.Errorf("route %s: gateway: %w", rc.Subnet, core.ErrConfigInvalid)
			}
		}
		if rc.MAC != "" {
			if r.DstMac, err = eth.ParseMac(rc.MAC); err != nil {
				return nil, fmt.Errorf("route %s: mac: %w", rc.Subnet, core.ErrConfigInvalid)
			}
		}
		routes = append(routes, r)
	}
	return routes, nil
}

func (n *Network) buildPtp(cfg *config.GlobalConfig) error {
	pc := &cfg.PTP
	if n.local == nil {
		return fmt.Errorf("ptp needs ip.address: %w", core.ErrConfigInvalid)
	}
	mode, err := ptp.ParseMode(pc.Mode)
	if err != nil {
		return err
	}
	cc := ptp.DefaultClientConfig()
	cc.Mode = mode
	cc.Domain = uint8(pc.Domain)
	cc.Clock.Priority1 = uint8(pc.Priority1)
	cc.Clock.Priority2 = uint8(pc.Priority2)
	cc.Clock.Quality.ClockClass = ptpproto.ClockClass(pc.ClockClass)
	cc.SyncInterval = ptpproto.LogInterval(pc.SyncInterval)
	cc.AnnounceInterval = ptpproto.LogInterval(pc.AnnounceInterval)
	cc.AnnounceTimeout = pc.AnnounceTimeout

	n.clock = ptp.NewSoftwareClock(n.sched.TimeRef(), ptp.FromGo(time.Now()))
	if pc.Transport == "l3" {
		n.ptp = ptp.NewClientL3(n.sched, n.local.UDP, n.clock, cc)
	} else {
		n.ptp = ptp.NewClientL2(n.sched, n.local.Eth, n.clock, cc)
	}
	if pc.Doppler {
		n.ptp.SetDoppler(ptp.NewDopplerTlv(true))
	}

	n.servo = ptp.NewTrackingController(n.clock, pc.Servo.TimeConstant, ptp.FromDuration(time.Duration(pc.Servo.StepNsec)))
	for _, spec := range pc.Servo.Filters {
		f, err := ptp.NewFilter(spec)
		if err != nil {
			return err
		}
		n.servo.AddFilter(f)
	}
	n.ptp.AddCallback(n.servo)
	log.GetLogger().WithFields(map[string]interface{}{
		"mode":      mode.String(),
		"transport": pc.Transport,
		"port":      n.ptp.PortId().String(),
	}).Info("daemon: ptp client started")
	return nil
}

func (n *Network) buildTelemetry(cfg *config.GlobalConfig) error {
	if n.local == nil {
		return fmt.Errorf("telemetry needs ip.address: %w", core.ErrConfigInvalid)
	}
	hostStr, portStr, err := net.SplitHostPort(cfg.Telemetry.Destination)
	if err != nil {
		return fmt.Errorf("telemetry.destination: %w", core.ErrConfigInvalid)
	}
	dst, err := ip.ParseAddr(hostStr)
	if err != nil {
		return fmt.Errorf("telemetry.destination: %w", core.ErrConfigInvalid)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return fmt.Errorf("telemetry.destination: %w", core.ErrConfigInvalid)
	}
	n.telem = udp.NewTelemetry(n.local.UDP, dst, uint16(port))
	n.telem.AddSource(switchTelemetry{n.sw})
	if n.ptp != nil {
		ptp.NewTelemetry(n.telem, 0, n.ptp, n.servo)
	}
	n.telem.SetInterval(0, uint32(max(cfg.Telemetry.Interval.Milliseconds(), 1)))
	return nil
}

// switchTelemetry reports per-port frame counters.
type switchTelemetry struct{ sw *ethsw.SwitchCore }

func (t switchTelemetry) TelemetryEvent(tier int, w *udp.TelemetryWriter) {
	if tier != 0 {
		return
	}
	ports := make(map[string]ethsw.PortStats, t.sw.PortCount())
	for i := 0; i < t.sw.PortCount(); i++ {
		ports[t.sw.Port(i).Name()] = t.sw.PortStats(i)
	}
	w.Add("switch_frames", t.sw.Frames())
	w.Add("switch_ports", ports)
}

func (n *Network) Scheduler() *poll.Scheduler     { return n.sched }
func (n *Network) Switch() *ethsw.SwitchCore      { return n.sw }
func (n *Network) Links() []host.Link             { return n.links }
func (n *Network) Local() *udp.Stack              { return n.local }
func (n *Network) Router() *router.Router         { return n.router }
func (n *Network) Ptp() *ptp.Client               { return n.ptp }
func (n *Network) Servo() *ptp.TrackingController { return n.servo }
func (n *Network) Telemetry() *udp.Telemetry      { return n.telem }
func (n *Network) SwitchLog() *ethsw.SwitchLog    { return n.swlog }

// Plugin returns a plugin built from the switch configuration.
func (n *Network) Plugin(name string) (any, bool) {
	p, ok := n.plugins[name]
	return p, ok
}

// Run services the network and reads every link until ctx ends.
func (n *Network) Run(ctx context.Context) error {
	p := pool.New().WithContext(ctx)
	for _, l := range n.links {
		p.Go(func(ctx context.Context) error {
			err := l.Run(ctx)
			if err != nil {
				log.GetLogger().WithField("port", l.Name()).WithError(err).Error("daemon: link stopped")
			}
			return err
		})
	}
	p.Go(n.serve)
	return p.Wait()
}

func (n *Network) serve(ctx context.Context) error {
	tick := time.NewTicker(serviceTick)
	defer tick.Stop()
	for {
		n.sched.Service()
		select {
		case <-ctx.Done():
			return nil
		case fn := <-n.calls:
			fn()
		case <-n.sched.Wake():
		case <-tick.C:
		}
	}
}

// Do runs fn on the service loop and waits for it.
func (n *Network) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case n.calls <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases every host resource. The service loop must be stopped.
func (n *Network) Close() error {
	var errs []error
	if n.ptp != nil {
		n.ptp.Close()
	}
	for _, l := range n.links {
		errs = append(errs, l.Close())
	}
	for _, t := range n.taps {
		errs = append(errs, t.Close())
	}
	if n.mmap != nil {
		errs = append(errs, n.mmap.Close())
	}
	n.links, n.taps, n.mmap = nil, nil, nil
	return errors.Join(errs...)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
