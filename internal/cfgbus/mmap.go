package cfgbus

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MmapBus maps a device file, typically /dev/mem or a UIO node, and
// accesses it as a register bus.
type MmapBus struct {
	*MemBus
	mem []byte
}

// OpenMmapBus maps words registers of path starting at byte offset.
// A zero words maps a full bus.
func OpenMmapBus(path string, offset int64, words int) (*MmapBus, error) {
	if words <= 0 {
		words = BusWords
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer unix.Close(fd)

	mem, err := unix.Mmap(fd, offset, words*4, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	regs := unsafe.Slice((*uint32)(unsafe.Pointer(&mem[0])), words)
	return &MmapBus{MemBus: NewMemBusOver(regs), mem: mem}, nil
}

// Close unmaps the region.
func (m *MmapBus) Close() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem, m.MemBus = nil, NewMemBusOver(nil)
	return err
}
