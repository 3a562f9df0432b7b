package arm64

import (
	"fmt"

	"github.com/opencore/vmm/internal/asm"
	"github.com/opencore/vmm/internal/ir"
)

type backend struct{}

func init() {
	ir.RegisterBackend(ir.ArchitectureARM64, backend{})
}

func (backend) BuildStandaloneProgram(p *ir.Program) (asm.Program, error) {
	return asm.Program{}, fmt.Errorf("ir/arm64: backend not implemented yet")
}
