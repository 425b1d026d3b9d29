package capture

import (
	"fmt"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"
)

// Filter runs a compiled BPF program over captured frames.
type Filter struct {
	expr string
	vm   *bpf.VM
}

// CompileFilter compiles a tcpdump-style expression for frames of linkType.
func CompileFilter(expr string, linkType layers.LinkType, snapLen int) (*Filter, error) {
	pcapBPF, err := pcap.CompileBPFFilter(linkType, snapLen, expr)
	if err != nil {
		return nil, fmt.Errorf("failed to compile BPF filter: %w", err)
	}

	rawBPF := make([]bpf.RawInstruction, len(pcapBPF))
	for i, ins := range pcapBPF {
		rawBPF[i] = bpf.RawInstruction{Op: ins.Code, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	return newFilter(expr, rawBPF)
}

func newFilter(expr string, raw []bpf.RawInstruction) (*Filter, error) {
	insns, ok := bpf.Disassemble(raw)
	if !ok {
		return nil, fmt.Errorf("BPF filter %q: program not decodable", expr)
	}
	vm, err := bpf.NewVM(insns)
	if err != nil {
		return nil, fmt.Errorf("BPF filter %q: %w", expr, err)
	}
	return &Filter{expr: expr, vm: vm}, nil
}

// Match reports whether the program accepts data.
func (f *Filter) Match(data []byte) bool {
	n, err := f.vm.Run(data)
	return err == nil && n > 0
}

func (f *Filter) String() string {
	return f.expr
}
