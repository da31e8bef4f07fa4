package ip

import (
	"firestige.xyz/satcat5/internal/core"
	"firestige.xyz/satcat5/internal/eth"
	"firestige.xyz/satcat5/internal/log"
	"firestige.xyz/satcat5/internal/poll"
)

// PingResult is one outcome of a Ping. Err is nil for a reply, or
// core.ErrTimeout or core.ErrUnreachable.
type PingResult struct {
	Dst         Addr
	Seq         uint16
	ElapsedUsec uint32
	Err         error
}

// PingListener receives Ping results.
type PingListener interface {
	PingEvent(r PingResult)
}

// Ping sends a series of ARP or ICMP echo requests at a fixed interval
// and reports each reply, timeout or resolution failure.
type Ping struct {
	ip        *Dispatch
	addr      *Address
	timer     *poll.Timer
	listeners []PingListener
	target    Addr
	arping    bool
	remaining int
	interval  uint32
	id        uint16
	seq       uint16
	waiting   bool
	sent      poll.TimeVal
	data      [32]byte
}

// DefaultPingInterval is the spacing between requests in msec.
const DefaultPingInterval = 1000

// NewPing creates an idle pinger on d.
func NewPing(d *Dispatch) *Ping {
	p := &Ping{ip: d, addr: NewAddress(d, ProtoICMP), interval: DefaultPingInterval}
	p.timer = poll.NewTimer(d.sched, p.tick)
	for i := range p.data {
		p.data[i] = byte('a' + i%26)
	}
	return p
}

// AddListener registers l.
func (p *Ping) AddListener(l PingListener) { p.listeners = append(p.listeners, l) }

// SetInterval changes the request spacing.
func (p *Ping) SetInterval(msec uint32) { p.interval = msec }

// Active reports whether a series is running.
func (p *Ping) Active() bool { return p.timer.Active() }

// Arping sends count ARP requests to dst.
func (p *Ping) Arping(dst Addr, count int) { p.start(dst, count, true) }

// Ping sends count ICMP echo requests to dst.
func (p *Ping) Ping(dst Addr, count int) { p.start(dst, count, false) }

// Stop ends the series.
func (p *Ping) Stop() {
	p.timer.Stop()
	p.waiting = false
	p.ip.arp.RemoveListener(p)
	p.ip.icmp.RemoveEchoListener(p)
	p.addr.Close()
}

func (p *Ping) start(dst Addr, count int, arping bool) {
	p.Stop()
	p.target, p.remaining, p.arping = dst, count, arping
	p.id++
	p.ip.arp.AddListener(p)
	if !arping {
		p.ip.icmp.AddEchoListener(p)
		p.addr.Connect(dst)
	}
	p.timer.Every(p.interval)
	p.tick()
}

func (p *Ping) tick() {
	if p.waiting {
		p.report(PingResult{Dst: p.target, Seq: p.seq, Err: core.ErrTimeout})
		p.waiting = false
	}
	if p.remaining <= 0 {
		p.Stop()
		return
	}
	if p.arping {
		p.send(p.ip.arp.SendQuery(p.target))
		return
	}
	switch {
	case p.addr.Failed():
		p.unreachable()
	case p.addr.Ready():
		p.send(p.ip.icmp.SendEcho(p.addr, p.id, p.seq+1, p.data[:]))
	}
}

func (p *Ping) send(ok bool) {
	p.remaining--
	p.seq++
	if ok {
		p.sent = p.ip.sched.Now()
		p.waiting = true
	}
}

func (p *Ping) unreachable() {
	log.GetLogger().WithField("dst", p.target).Info("ping: gateway unreachable")
	p.report(PingResult{Dst: p.target, Seq: p.seq, Err: core.ErrUnreachable})
	p.Stop()
}

func (p *Ping) report(r PingResult) {
	for _, l := range p.listeners {
		l.PingEvent(r)
	}
}

func (p *Ping) ArpEvent(mac eth.MacAddr, ip Addr) {
	switch {
	case p.arping && ip == p.target && p.waiting && !mac.IsNone():
		p.waiting = false
		p.report(PingResult{Dst: ip, Seq: p.seq, ElapsedUsec: p.sent.ElapsedUsec()})
	case !p.arping && mac.IsNone() && ip == p.addr.Gateway():
		p.addr.ArpEvent(mac, ip)
		p.unreachable()
	}
}

func (p *Ping) EchoReply(src Addr, id, seq uint16) {
	if src != p.target || id != p.id || seq != p.seq || !p.waiting {
		return
	}
	p.waiting = false
	p.report(PingResult{Dst: src, Seq: seq, ElapsedUsec: p.sent.ElapsedUsec()})
}
