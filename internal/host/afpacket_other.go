//go:build !linux || !cgo

package host

import (
	"fmt"

	"firestige.xyz/satcat5/internal/poll"
)

// OpenAfpacket is only available on linux.
func OpenAfpacket(_ *poll.Scheduler, name, dev string, _ int, _ [][4]uint32) (Link, error) {
	return nil, fmt.Errorf("port %s: raw interface %s needs linux", name, dev)
}
