package ethsw

import (
	"firestige.xyz/satcat5/internal/eth"
	"firestige.xyz/satcat5/internal/util"
)

const DefaultCacheSize = 64

// SwitchCache learns which port each source address lives behind and
// limits unicast frames to that port. Frames to unknown, broadcast or
// multicast addresses go to the ports in the miss mask.
type SwitchCache struct {
	cache    *util.LRU[uint8]
	missMask uint32
	learning bool
	hits     uint64
	misses   uint64
}

// NewSwitchCache creates a cache of size entries and attaches it to sw.
func NewSwitchCache(sw *SwitchCore, size int) *SwitchCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c := &SwitchCache{cache: util.NewLRU[uint8](size), missMask: PmaskAll, learning: true}
	if sw != nil {
		sw.AddPlugin(c)
	}
	return c
}

// SetMissMask sets the ports that receive frames with no learned port.
func (c *SwitchCache) SetMissMask(mask uint32) { c.missMask = mask }

// SetLearning enables or disables learning of new addresses.
func (c *SwitchCache) SetLearning(on bool) { c.learning = on }

// Lookup returns the learned port of mac.
func (c *SwitchCache) Lookup(mac eth.MacAddr) (int, bool) {
	if v := c.cache.Find(mac.Uint64()); v != nil {
		return int(*v), true
	}
	return -1, false
}

// Learn records mac as reachable through port.
func (c *SwitchCache) Learn(mac eth.MacAddr, port int) {
	if v := c.cache.Query(mac.Uint64()); v != nil {
		*v = uint8(port)
	}
}

// Clear forgets every address.
func (c *SwitchCache) Clear() { c.cache.Clear() }

func (c *SwitchCache) Len() int       { return c.cache.Len() }
func (c *SwitchCache) Hits() uint64   { return c.hits }
func (c *SwitchCache) Misses() uint64 { return c.misses }

func (c *SwitchCache) Query(p *PluginPacket) {
	src, dst := p.Eth.Src, p.Eth.Dst
	if !src.IsUnicast() || src.IsL2Reserved() {
		p.Drop(ReasonBadSource)
		return
	}
	if dst.IsNone() || dst.IsL2Reserved() {
		p.Drop(ReasonReservedMac)
		return
	}
	if c.learning {
		c.Learn(src, p.Src)
	}
	if dst.IsMulticast() {
		p.DstMask &= c.missMask
		return
	}
	if port, ok := c.Lookup(dst); ok {
		c.hits++
		p.DstMask &= 1 << port
		return
	}
	c.misses++
	p.DstMask &= c.missMask
}
