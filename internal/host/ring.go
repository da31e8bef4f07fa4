package host

import (
	"fmt"
	"hash/maphash"
	"sync"
)

const (
	tpacketAlign  = 16
	tpacketHdrLen = 52
	maxBlockBytes = 4 << 20
)

// ringGeometry sizes an AF_PACKET mmap ring of roughly mb megabytes for
// frames of up to snap bytes. Frames are aligned to 16 bytes and each
// block holds a whole number of frames and pages.
func ringGeometry(mb, snap, page int) (frame, block, blocks int, err error) {
	switch {
	case mb <= 0:
		return 0, 0, 0, fmt.Errorf("ring buffer must be positive, got %d MB", mb)
	case snap <= 0:
		return 0, 0, 0, fmt.Errorf("snap length must be positive, got %d", snap)
	case page <= 0 || page%tpacketAlign != 0:
		return 0, 0, 0, fmt.Errorf("page size %d is not a multiple of %d", page, tpacketAlign)
	}
	frame = (tpacketHdrLen + snap + tpacketAlign - 1) / tpacketAlign * tpacketAlign
	block = lcm(page, frame)
	if block > maxBlockBytes {
		// Largest page multiple that still fits whole frames.
		block = maxBlockBytes / frame * frame / page * page
		if block < frame {
			block = (frame + page - 1) / page * page
		}
	}
	blocks = max(mb<<20/block, 1)
	return frame, block, blocks, nil
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	return a / gcd(a, b) * b
}

// echoFilter remembers recently sent frames so a raw socket that also
// captures outgoing traffic does not feed them back into the switch.
type echoFilter struct {
	mu   sync.Mutex
	seed maphash.Seed
	ring [32]uint64
	next int
}

func newEchoFilter() *echoFilter {
	return &echoFilter{seed: maphash.MakeSeed()}
}

func (e *echoFilter) sent(b []byte) {
	h := maphash.Bytes(e.seed, b)
	e.mu.Lock()
	e.ring[e.next] = h
	e.next = (e.next + 1) % len(e.ring)
	e.mu.Unlock()
}

// echo reports whether b matches a recent transmission, forgetting it.
func (e *echoFilter) echo(b []byte) bool {
	h := maphash.Bytes(e.seed, b)
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, v := range e.ring {
		if v == h && v != 0 {
			e.ring[i] = 0
			return true
		}
	}
	return false
}
