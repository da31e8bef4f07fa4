// Package router turns a switch into an IPv4 router: frames sent to
// the router's hardware address are forwarded by longest-prefix match
// with their Ethernet header rewritten and TTL decremented. A local
// stack attached to an internal switch port answers ARP and ICMP for
// the router's own address and resolves next hops.
package router

import (
	"firestige.xyz/satcat5/internal/eth"
	"firestige.xyz/satcat5/internal/ethsw"
	"firestige.xyz/satcat5/internal/ip"
	"firestige.xyz/satcat5/internal/log"
	"firestige.xyz/satcat5/internal/metrics"
	"firestige.xyz/satcat5/internal/pktio"
	"firestige.xyz/satcat5/internal/udp"
)

const (
	// PortName is the name of the internal switch port.
	PortName = "router"

	localBufBytes = 16384
	localBufPkts  = 32
)

// Router is a routing plugin on a SwitchCore.
type Router struct {
	sw     *ethsw.SwitchCore
	port   *ethsw.SwitchPort
	stack  *udp.Stack
	mac    eth.MacAddr
	routed uint64
	misses uint64
	errors uint64
}

// New attaches a router with hardware address mac and protocol address
// addr to sw. It adds an internal port and should be created after
// any plugins that narrow the destination mask.
func New(sw *ethsw.SwitchCore, mac eth.MacAddr, addr ip.Addr) *Router {
	s := sw.Scheduler()
	down := pktio.NewPacketBuffer(s, make([]byte, localBufBytes), localBufPkts)
	up := pktio.NewPacketBuffer(s, make([]byte, localBufBytes), localBufPkts)
	r := &Router{sw: sw, mac: mac}
	r.port = sw.AddPort(PortName, down, up)
	r.stack = udp.NewStack(s, mac, addr, up, down)
	sw.AddPlugin(r)
	return r
}

// Stack returns the router's local interface.
func (r *Router) Stack() *udp.Stack { return r.stack }

// Table returns the routing table, shared with the local interface.
func (r *Router) Table() *ip.Table { return r.stack.Table }

// Port returns the internal switch port.
func (r *Router) Port() *ethsw.SwitchPort { return r.port }

func (r *Router) Mac() eth.MacAddr { return r.mac }
func (r *Router) Addr() ip.Addr    { return r.stack.IP.Addr() }

// Routed returns the number of frames forwarded at layer 3.
func (r *Router) Routed() uint64 { return r.routed }

// ArpMisses returns the number of frames dropped while a next hop was
// being resolved.
func (r *Router) ArpMisses() uint64 { return r.misses }

// IcmpErrors returns the number of ICMP errors sent.
func (r *Router) IcmpErrors() uint64 { return r.errors }

func (r *Router) Query(p *ethsw.PluginPacket) {
	if p.Result() != ethsw.Forward || p.Src == r.port.Index() {
		return
	}
	switch {
	case p.IsArp:
		if arpTarget(p.Arp()) == r.Addr() {
			p.DstMask = r.port.Mask()
		}
	case p.IsIPv4 && p.Eth.Dst == r.mac:
		r.route(p)
	}
}

func (r *Router) route(p *ethsw.PluginPacket) {
	if p.IP.Dst == r.Addr() {
		p.DstMask = r.port.Mask()
		return
	}
	if !p.IP.ChecksumOK() {
		metrics.MalformedTotal.WithLabelValues("router").Inc()
		p.Drop(ethsw.ReasonMalformed)
		return
	}
	rt, ok := r.Table().RouteLookup(p.IP.Dst)
	if !ok || int(rt.Port) >= r.sw.PortCount() || int(rt.Port) == r.port.Index() {
		r.icmpError(p, ip.IcmpDestUnreachable, ip.CodeNetUnreachable)
		p.Drop(ethsw.ReasonNoRoute)
		return
	}
	if p.IP.Ttl <= 1 {
		r.icmpError(p, ip.IcmpTimeExceeded, ip.CodeTtlExceeded)
		p.Drop(ethsw.ReasonTtl)
		return
	}
	mac := rt.DstMac
	if mac.IsNone() {
		if mac, ok = r.stack.Arp().Resolve(rt.NextHop(p.IP.Dst)); !ok {
			r.misses++
			metrics.ArpQueriesTotal.WithLabelValues("router_miss").Inc()
			p.Drop(ethsw.ReasonNoRoute)
			return
		}
	}
	p.SetEthSrc(r.mac)
	p.SetEthDst(mac)
	p.IP.DecrementTtl()
	p.CommitIP()
	p.DstMask = 1 << rt.Port
	r.routed++
}

func (r *Router) icmpError(p *ethsw.PluginPacket, typ, code uint8) {
	if r.stack.Icmp().SendError(p.Eth.Src, typ, code, &p.IP, p.L4()) {
		r.errors++
		return
	}
	log.GetLogger().WithField("packet", p.IP.String()).Debug("router: icmp error not sent")
}

func arpTarget(b []byte) ip.Addr {
	if len(b) < 28 {
		return ip.AddrNone
	}
	return ip.Addr(uint32(b[24])<<24 | uint32(b[25])<<16 | uint32(b[26])<<8 | uint32(b[27]))
}
