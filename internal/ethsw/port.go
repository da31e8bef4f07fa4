package ethsw

import (
	"firestige.xyz/satcat5/internal/eth"
	"firestige.xyz/satcat5/internal/metrics"
	"firestige.xyz/satcat5/internal/multibuf"
	"firestige.xyz/satcat5/internal/pktio"
)

// SwitchPort connects one device to the switch. Its ingress side is a
// pool writer fed from the device; its egress side is a priority queue
// drained into the device.
type SwitchPort struct {
	sw      *SwitchCore
	idx     int
	name    string
	label   string
	in      *multibuf.Writer
	inq     *multibuf.Reader
	outq    *multibuf.Reader
	tx      pktio.Writeable
	copy    *pktio.BufferedCopy
	plugins []PluginPort
	vlan    *VlanPolicy
	frame   [MaxFrame + eth.VlanLen]byte
	pkt     PluginPacket
	stats   PortStats
}

func newSwitchPort(sw *SwitchCore, idx int, name string, rx pktio.Readable, tx pktio.Writeable) *SwitchPort {
	p := &SwitchPort{sw: sw, idx: idx, name: name, label: portLabel(idx, name), tx: tx}
	p.inq = multibuf.NewReader(sw.sched, sw.depth, 1)
	p.outq = multibuf.NewReader(sw.sched, sw.depth, sw.levels)
	p.in = multibuf.NewWriter(sw.pool, idx, MaxFrame, multibuf.ConsumerFunc(p.accept))
	p.inq.SetCallback(pktio.ListenerFunc(func(pktio.Readable) { sw.task.RequestPoll() }))
	p.outq.SetCallback(pktio.ListenerFunc(func(pktio.Readable) { p.egress() }))
	if rx != nil {
		p.copy = pktio.NewBufferedCopy(rx, p.in, pktio.CopyPacket)
	}
	return p
}

func (p *SwitchPort) Index() int       { return p.idx }
func (p *SwitchPort) Name() string     { return p.name }
func (p *SwitchPort) Mask() uint32     { return 1 << p.idx }
func (p *SwitchPort) Stats() PortStats { return p.stats }

// Ingress returns the Writeable that feeds frames into the switch, for
// devices that push instead of being read.
func (p *SwitchPort) Ingress() pktio.Writeable { return p.in }

// Egress returns the egress queue, for devices that pull frames.
func (p *SwitchPort) Egress() *multibuf.Reader { return p.outq }

// SetTx replaces the device frames are written to. With a nil device
// frames stay queued until read through Egress.
func (p *SwitchPort) SetTx(tx pktio.Writeable) {
	p.tx = tx
	if tx != nil {
		p.egress()
	}
}

// SetVlan sets the port's VLAN policy; nil disables VLAN handling.
func (p *SwitchPort) SetVlan(v *VlanPolicy) { p.vlan = v }

// Vlan returns the port's VLAN policy, or nil.
func (p *SwitchPort) Vlan() *VlanPolicy { return p.vlan }

// AddPlugin attaches a port plugin.
func (p *SwitchPort) AddPlugin(pl PluginPort) {
	for _, x := range p.plugins {
		if samePlugin(x, pl) {
			return
		}
	}
	p.plugins = append(p.plugins, pl)
}

// RemovePlugin detaches a port plugin.
func (p *SwitchPort) RemovePlugin(pl PluginPort) {
	for i, x := range p.plugins {
		if samePlugin(x, pl) {
			p.plugins = append(p.plugins[:i], p.plugins[i+1:]...)
			return
		}
	}
}

// accept queues a frame from the writer. A refused frame is released
// by the writer.
func (p *SwitchPort) accept(k *multibuf.Packet) bool {
	if !p.inq.Enqueue(k, 0) {
		p.stats.RxDrops++
		metrics.BufferOverflowTotal.WithLabelValues("switch_ingress").Inc()
		return false
	}
	k.Release()
	return true
}

func (p *SwitchPort) level(pcp uint8) int {
	return int(pcp) * p.outq.Levels() / 8
}

func (p *SwitchPort) egress() {
	if p.tx == nil {
		return
	}
	for {
		k := p.outq.Current()
		if k == nil {
			return
		}
		n := k.Peek(0, p.frame[:MaxFrame])
		vtag := eth.VlanTag(k.Vtag)
		p.outq.ReadFinalize()
		if !p.send(p.frame[:n], vtag) {
			p.stats.TxDrops++
		}
	}
}

func (p *SwitchPort) send(frame []byte, vtag eth.VlanTag) bool {
	pkt := &p.pkt
	if p.vlan != nil {
		frame = p.vlan.egress(frame, vtag)
		if frame == nil {
			return false
		}
	}
	pkt.reset(-1, nil, frame, len(frame))
	if !pkt.parse() {
		return false
	}
	pkt.DstMask = p.Mask()
	pkt.Vtag = vtag
	for _, pl := range p.plugins {
		pl.Egress(pkt)
		if pkt.result != Forward {
			return pkt.result == Divert
		}
	}
	if p.tx.WriteSpace() < len(pkt.Data) {
		metrics.BufferOverflowTotal.WithLabelValues("switch_tx").Inc()
		return false
	}
	p.tx.WriteBytes(pkt.Data)
	if !p.tx.WriteFinalize() {
		return false
	}
	p.stats.TxFrames++
	return true
}
