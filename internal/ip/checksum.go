package ip

// Checksum returns the one's complement sum of buf folded to 16 bits,
// starting from initial. The Internet checksum of buf is the complement
// of Checksum(buf, 0); a buffer that already contains a valid checksum
// sums to 0xFFFF.
func Checksum(buf []byte, initial uint16) uint16 {
	v := uint32(initial)
	l := len(buf)
	if l&1 != 0 {
		l--
		v += uint32(buf[l]) << 8
	}
	for i := 0; i < l; i += 2 {
		v += uint32(buf[i])<<8 | uint32(buf[i+1])
	}
	return fold(v)
}

// ChecksumCombine adds two partial sums.
func ChecksumCombine(a, b uint16) uint16 {
	return fold(uint32(a) + uint32(b))
}

// PseudoHeaderSum is the partial sum of the TCP/UDP pseudo-header.
func PseudoHeaderSum(src, dst Addr, proto uint8, length uint16) uint16 {
	v := uint32(src>>16) + uint32(src&0xFFFF) +
		uint32(dst>>16) + uint32(dst&0xFFFF) +
		uint32(proto) + uint32(length)
	return fold(v)
}

// UpdateChecksum adjusts a stored checksum after one 16-bit field
// changes from old to new, per RFC 1624 eqn. 3: HC' = ~(~HC + ~m + m').
func UpdateChecksum(chk, old, new uint16) uint16 {
	v := uint32(^chk) + uint32(^old) + uint32(new)
	return ^fold(v)
}

// UpdateChecksum32 is UpdateChecksum for a 32-bit field such as an
// address.
func UpdateChecksum32(chk uint16, old, new uint32) uint16 {
	chk = UpdateChecksum(chk, uint16(old>>16), uint16(new>>16))
	return UpdateChecksum(chk, uint16(old), uint16(new))
}

func fold(v uint32) uint16 {
	for v > 0xFFFF {
		v = v&0xFFFF + v>>16
	}
	return uint16(v)
}
