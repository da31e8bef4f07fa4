package ethsw

import (
	"fmt"

	"golang.org/x/net/bpf"
)

// BpfFilter runs a classic BPF program over the head of every frame. A
// frame is dropped when the program returns zero, and also on any
// program error.
type BpfFilter struct {
	vm      *bpf.VM
	mask    uint32
	dropped uint64
}

// NewBpfFilter compiles prog. mask selects the ingress ports it applies
// to; zero means all ports.
func NewBpfFilter(prog []bpf.Instruction, mask uint32) (*BpfFilter, error) {
	vm, err := bpf.NewVM(prog)
	if err != nil {
		return nil, fmt.Errorf("bpf filter: %w", err)
	}
	if mask == 0 {
		mask = PmaskAll
	}
	return &BpfFilter{vm: vm, mask: mask}, nil
}

// RawProgram converts {op, jt, jf, k} tuples, as printed by tcpdump -dd,
// into instructions.
func RawProgram(raw [][4]uint32) []bpf.Instruction {
	prog := make([]bpf.Instruction, len(raw))
	for i, r := range raw {
		prog[i] = bpf.RawInstruction{Op: uint16(r[0]), Jt: uint8(r[1]), Jf: uint8(r[2]), K: r[3]}.Disassemble()
	}
	return prog
}

// Dropped returns the number of frames rejected.
func (f *BpfFilter) Dropped() uint64 { return f.dropped }

func (f *BpfFilter) Query(p *PluginPacket) {
	if p.Src >= 0 && f.mask&(1<<p.Src) == 0 {
		return
	}
	n, err := f.vm.Run(p.Data)
	if err != nil || n == 0 {
		f.dropped++
		p.Drop(ReasonFilter)
	}
}
