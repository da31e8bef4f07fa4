// Package codec holds the frame codecs that sit between raw byte
// streams and Ethernet frames: SLIP framing and CRC check sequences.
package codec

import (
	"encoding/binary"
	"hash/crc32"
)

// Algorithm is a CRC variant. Update folds bytes into a running value
// started from Init; Final applies the output transform; Append writes
// a final value in the variant's wire order.
type Algorithm interface {
	Name() string
	Size() int
	Init() uint32
	Update(crc uint32, p []byte) uint32
	Final(crc uint32) uint32
	Append(dst []byte, sum uint32) []byte
}

// Sum computes the final check value of p.
func Sum(alg Algorithm, p []byte) uint32 {
	return alg.Final(alg.Update(alg.Init(), p))
}

type crc16 struct {
	name      string
	table     [256]uint16
	reflected bool
	init      uint16
	xorout    uint16
	wireLE    bool
}

func newCrc16(name string, poly uint16, reflected bool, init, xorout uint16, wireLE bool) *crc16 {
	c := &crc16{name: name, reflected: reflected, init: init, xorout: xorout, wireLE: wireLE}
	for i := range c.table {
		if reflected {
			rpoly := reverse16(poly)
			crc := uint16(i)
			for b := 0; b < 8; b++ {
				if crc&1 != 0 {
					crc = crc>>1 ^ rpoly
				} else {
					crc >>= 1
				}
			}
			c.table[i] = crc
		} else {
			crc := uint16(i) << 8
			for b := 0; b < 8; b++ {
				if crc&0x8000 != 0 {
					crc = crc<<1 ^ poly
				} else {
					crc <<= 1
				}
			}
			c.table[i] = crc
		}
	}
	return c
}

func reverse16(v uint16) uint16 {
	var r uint16
	for i := 0; i < 16; i++ {
		r = r<<1 | v&1
		v >>= 1
	}
	return r
}

func (c *crc16) Name() string { return c.name }
func (c *crc16) Size() int    { return 2 }
func (c *crc16) Init() uint32 { return uint32(c.init) }

func (c *crc16) Update(crc uint32, p []byte) uint32 {
	v := uint16(crc)
	if c.reflected {
		for _, b := range p {
			v = v>>8 ^ c.table[byte(v)^b]
		}
	} else {
		for _, b := range p {
			v = v<<8 ^ c.table[byte(v>>8)^b]
		}
	}
	return uint32(v)
}

func (c *crc16) Final(crc uint32) uint32 { return uint32(uint16(crc) ^ c.xorout) }

func (c *crc16) Append(dst []byte, sum uint32) []byte {
	if c.wireLE {
		return binary.LittleEndian.AppendUint16(dst, uint16(sum))
	}
	return binary.BigEndian.AppendUint16(dst, uint16(sum))
}

type crc32Eth struct{}

func (crc32Eth) Name() string            { return "crc32" }
func (crc32Eth) Size() int               { return 4 }
func (crc32Eth) Init() uint32            { return 0 }
func (crc32Eth) Final(crc uint32) uint32 { return crc }

func (crc32Eth) Update(crc uint32, p []byte) uint32 {
	return crc32.Update(crc, crc32.IEEETable, p)
}

func (crc32Eth) Append(dst []byte, sum uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, sum)
}

var (
	// Kermit is CRC-16/KERMIT: reflected, sent least significant byte first.
	Kermit Algorithm = newCrc16("kermit", 0x1021, true, 0, 0, true)
	// Xmodem is CRC-16/XMODEM: MSB-first with zero init.
	Xmodem Algorithm = newCrc16("xmodem", 0x1021, false, 0, 0, false)
	// Aos is CRC-16/IBM-3740 as used by CCSDS AOS frames.
	Aos Algorithm = newCrc16("aos", 0x1021, false, 0xFFFF, 0, false)
	// Crc32 is the Ethernet frame check sequence.
	Crc32 Algorithm = crc32Eth{}
)

// ByName looks up an algorithm for configuration files.
func ByName(name string) (Algorithm, bool) {
	for _, alg := range []Algorithm{Kermit, Xmodem, Aos, Crc32} {
		if alg.Name() == name {
			return alg, true
		}
	}
	return nil, false
}
