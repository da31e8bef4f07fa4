package ip

import (
	"firestige.xyz/satcat5/internal/eth"
	"firestige.xyz/satcat5/internal/pktio"
	"firestige.xyz/satcat5/internal/poll"
)

// Stack bundles the Ethernet and IPv4 layers of one interface.
type Stack struct {
	Eth   *eth.Dispatch
	IP    *Dispatch
	Table *Table
	Ping  *Ping
}

// NewStack builds an interface with hardware address mac and protocol
// address addr on top of a port's receive and transmit halves.
func NewStack(s *poll.Scheduler, mac eth.MacAddr, addr Addr, rx pktio.Readable, tx pktio.Writeable) *Stack {
	e := eth.NewDispatch(mac, rx, tx)
	d := NewDispatch(s, e, addr, nil)
	return &Stack{Eth: e, IP: d, Table: d.Table(), Ping: NewPing(d)}
}

// Arp returns the interface's ARP handler.
func (st *Stack) Arp() *ProtoArp { return st.IP.Arp() }

// Icmp returns the interface's ICMP handler.
func (st *Stack) Icmp() *ProtoIcmp { return st.IP.Icmp() }
