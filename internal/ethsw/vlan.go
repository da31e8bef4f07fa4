package ethsw

import (
	"firestige.xyz/satcat5/internal/eth"
)

const vidCount = 4096

// VlanPolicy is the VLAN configuration of one port.
type VlanPolicy struct {
	AdmitTagged   bool
	AdmitUntagged bool
	// TagEgress sends frames tagged; otherwise tags are stripped.
	TagEgress  bool
	DefaultVid uint16
	DefaultPcp uint8
	allowed    [vidCount / 64]uint64
}

// NewVlanPolicy admits tagged and untagged frames, assigns untagged
// frames to vid and allows only that VLAN.
func NewVlanPolicy(vid uint16) *VlanPolicy {
	v := &VlanPolicy{AdmitTagged: true, AdmitUntagged: true, DefaultVid: vid}
	v.Allow(vid)
	return v
}

// Allow permits a VLAN on the port in both directions.
func (v *VlanPolicy) Allow(vid uint16) {
	vid &= vidCount - 1
	v.allowed[vid/64] |= 1 << (vid % 64)
}

// Deny removes a VLAN from the port.
func (v *VlanPolicy) Deny(vid uint16) {
	vid &= vidCount - 1
	v.allowed[vid/64] &^= 1 << (vid % 64)
}

// AllowAll permits every VLAN.
func (v *VlanPolicy) AllowAll() {
	for i := range v.allowed {
		v.allowed[i] = ^uint64(0)
	}
}

// Allowed reports whether vid may use the port.
func (v *VlanPolicy) Allowed(vid uint16) bool {
	vid &= vidCount - 1
	return v.allowed[vid/64]&(1<<(vid%64)) != 0
}

// egress adds or strips the tag as configured. frame must have room
// for a tag after its end.
func (v *VlanPolicy) egress(frame []byte, tag eth.VlanTag) []byte {
	if !v.Allowed(tag.Vid()) {
		return nil
	}
	tagged := len(frame) >= eth.HeaderLen+eth.VlanLen &&
		uint16(frame[12])<<8|uint16(frame[13]) == eth.ETypeVlan
	switch {
	case v.TagEgress && !tagged:
		n := len(frame)
		frame = frame[:n+eth.VlanLen]
		copy(frame[16:], frame[12:n])
		frame[12], frame[13] = byte(eth.ETypeVlan>>8), byte(eth.ETypeVlan&0xFF)
		frame[14], frame[15] = byte(tag>>8), byte(tag)
	case v.TagEgress:
		frame[14], frame[15] = byte(tag>>8), byte(tag)
	case tagged:
		copy(frame[12:], frame[16:])
		frame = frame[:len(frame)-eth.VlanLen]
	}
	return frame
}

// SwitchVlan applies each port's VlanPolicy at ingress: it admits or
// drops the frame, assigns its VLAN and priority and removes ports
// that do not carry the VLAN from the destination mask. Ports without
// a policy carry every VLAN.
type SwitchVlan struct {
	sw *SwitchCore
}

// NewSwitchVlan enables VLAN handling on sw.
func NewSwitchVlan(sw *SwitchCore) *SwitchVlan {
	v := &SwitchVlan{sw: sw}
	sw.AddPlugin(v)
	return v
}

func (v *SwitchVlan) Query(p *PluginPacket) {
	pol := v.sw.Port(p.Src).Vlan()
	if pol != nil {
		switch {
		case p.Eth.Tagged && !pol.AdmitTagged:
			p.Drop(ReasonVlanAdmit)
			return
		case !p.Eth.Tagged && !pol.AdmitUntagged:
			p.Drop(ReasonVlanAdmit)
			return
		case !p.Eth.Tagged:
			p.Vtag = eth.NewVlanTag(pol.DefaultVid, pol.DefaultPcp, false)
		case p.Eth.Vtag.Vid() == eth.VidNone:
			// Priority-tagged frames join the default VLAN.
			p.Vtag = eth.NewVlanTag(pol.DefaultVid, p.Eth.Vtag.Pcp(), p.Eth.Vtag.Dei())
		}
		if !pol.Allowed(p.Vtag.Vid()) {
			p.Drop(ReasonVlanAdmit)
			return
		}
	}
	p.Priority = p.Vtag.Pcp()
	vid := p.Vtag.Vid()
	for i, port := range v.sw.ports {
		if pv := port.Vlan(); pv != nil && !pv.Allowed(vid) {
			p.DstMask &^= 1 << i
		}
	}
}
