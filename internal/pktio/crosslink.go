package pktio

import "firestige.xyz/satcat5/internal/poll"

// Crosslink joins two endpoints back to back: frames written to ATx
// are read from BRx and vice versa. Used to connect two simulated
// stacks.
type Crosslink struct {
	ab *PacketBuffer
	ba *PacketBuffer
}

// NewCrosslink allocates two packet buffers of size bytes each.
func NewCrosslink(s *poll.Scheduler, size, maxPkt int) *Crosslink {
	return &Crosslink{
		ab: NewPacketBuffer(s, make([]byte, size), maxPkt),
		ba: NewPacketBuffer(s, make([]byte, size), maxPkt),
	}
}

func (c *Crosslink) ATx() Writeable { return c.ab }
func (c *Crosslink) ARx() Readable  { return c.ba }
func (c *Crosslink) BTx() Writeable { return c.ba }
func (c *Crosslink) BRx() Readable  { return c.ab }

// AToB returns the buffer carrying A's output.
func (c *Crosslink) AToB() *PacketBuffer { return c.ab }

// BToA returns the buffer carrying B's output.
func (c *Crosslink) BToA() *PacketBuffer { return c.ba }
