package udp

import (
	"firestige.xyz/satcat5/internal/eth"
	"firestige.xyz/satcat5/internal/ip"
	"firestige.xyz/satcat5/internal/pktio"
	"firestige.xyz/satcat5/internal/poll"
)

// Stack is an IPv4 interface with UDP and an echo server.
type Stack struct {
	*ip.Stack
	UDP  *Dispatch
	Echo *ProtoEcho
}

// NewStack builds the full network stack for one interface.
func NewStack(s *poll.Scheduler, mac eth.MacAddr, addr ip.Addr, rx pktio.Readable, tx pktio.Writeable) *Stack {
	st := ip.NewStack(s, mac, addr, rx, tx)
	u := NewDispatch(st.IP)
	return &Stack{Stack: st, UDP: u, Echo: NewProtoEcho(u, PortEcho)}
}
