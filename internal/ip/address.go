package ip

import (
	"firestige.xyz/satcat5/internal/eth"
	"firestige.xyz/satcat5/internal/pktio"
)

type addrState int

const (
	addrIdle addrState = iota
	addrPending
	addrReady
	addrFailed
)

// Address is an IP destination for one protocol. Connect looks up the
// route and resolves the next hop; the address becomes ready when ARP
// answers and failed if ARP gives up.
type Address struct {
	ip    *Dispatch
	proto uint8
	dst   Addr
	hop   Addr
	mac   eth.MacAddr
	state addrState
}

// NewAddress creates an idle address on d for protocol proto.
func NewAddress(d *Dispatch, proto uint8) *Address {
	return &Address{ip: d, proto: proto}
}

// Connect targets dst. It returns true if the next hop is already
// known; otherwise resolution continues in the background.
func (a *Address) Connect(dst Addr) bool {
	a.Close()
	a.dst = dst
	switch {
	case dst.IsBroadcast():
		a.hop, a.mac, a.state = dst, eth.MacBroadcast, addrReady
		return true
	case dst.IsMulticast():
		a.hop, a.mac, a.state = dst, dst.MulticastMac(), addrReady
		return true
	}
	a.hop = dst
	if r, ok := a.ip.table.RouteLookup(dst); ok {
		a.hop = r.NextHop(dst)
		if !r.DstMac.IsNone() {
			a.mac, a.state = r.DstMac, addrReady
			return true
		}
	}
	a.ip.arp.AddListener(a)
	if mac, ok := a.ip.arp.Resolve(a.hop); ok {
		a.mac, a.state = mac, addrReady
		return true
	}
	a.state = addrPending
	return false
}

// Retry restarts resolution after a failure.
func (a *Address) Retry() bool {
	if a.state == addrIdle {
		return false
	}
	return a.Connect(a.dst)
}

// Dst returns the destination.
func (a *Address) Dst() Addr { return a.dst }

// Gateway returns the next hop being resolved.
func (a *Address) Gateway() Addr { return a.hop }

// Mac returns the resolved next-hop hardware address.
func (a *Address) Mac() eth.MacAddr { return a.mac }

// Failed reports whether resolution gave up.
func (a *Address) Failed() bool { return a.state == addrFailed }

// Pending reports whether resolution is in progress.
func (a *Address) Pending() bool { return a.state == addrPending }

// Dispatch returns the interface the address sends on.
func (a *Address) Dispatch() *Dispatch { return a.ip }

func (a *Address) Ready() bool { return a.state == addrReady }

func (a *Address) OpenWrite(n int) pktio.Writeable {
	if a.state != addrReady {
		return nil
	}
	return a.ip.OpenWrite(a.mac, a.dst, a.proto, n)
}

func (a *Address) Close() {
	a.ip.arp.RemoveListener(a)
	a.dst, a.hop, a.mac, a.state = AddrNone, AddrNone, eth.MacNone, addrIdle
}

func (a *Address) ArpEvent(mac eth.MacAddr, ip Addr) {
	if ip != a.hop || a.state == addrIdle {
		return
	}
	if mac.IsNone() {
		a.state = addrFailed
		return
	}
	a.mac, a.state = mac, addrReady
}
