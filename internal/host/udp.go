package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"firestige.xyz/satcat5/internal/pktio"
	"firestige.xyz/satcat5/internal/poll"
)

// UdpLink tunnels raw Ethernet frames, one per datagram, to a fixed peer.
type UdpLink struct {
	inbox
	conn   *net.UDPConn
	remote *net.UDPAddr
	tx     *outbox
}

// OpenUdp listens on listen and sends to remote.
func OpenUdp(s *poll.Scheduler, name, listen, remote string) (*UdpLink, error) {
	laddr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return nil, fmt.Errorf("port %s: listen %q: %w", name, listen, err)
	}
	raddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, fmt.Errorf("port %s: remote %q: %w", name, remote, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("port %s: %w", name, err)
	}
	l := &UdpLink{inbox: newInbox(s, name), conn: conn, remote: raddr}
	l.tx = newOutbox(name, MaxFrame, func(b []byte) error {
		_, err := l.conn.WriteToUDP(b, l.remote)
		return err
	})
	return l, nil
}

func (l *UdpLink) Name() string        { return l.name }
func (l *UdpLink) Tx() pktio.Writeable { return l.tx }

// LocalAddr returns the bound address.
func (l *UdpLink) LocalAddr() *net.UDPAddr { return l.conn.LocalAddr().(*net.UDPAddr) }

func (l *UdpLink) Run(ctx context.Context) error {
	buf := make([]byte, MaxFrame+1)
	for {
		if err := l.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond)); err != nil {
			return err
		}
		n, from, err := l.conn.ReadFromUDP(buf)
		if ctx.Err() != nil {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			continue
		}
		if err != nil {
			return fmt.Errorf("port %s: %w", l.name, err)
		}
		if !from.IP.Equal(l.remote.IP) {
			continue
		}
		l.push(buf[:n])
	}
}

func (l *UdpLink) Close() error { return l.conn.Close() }
