//go:build darwin && arm64

package factory

import (
	"github.com/opencore/vmm/internal/hv"
	"github.com/opencore/vmm/internal/hv/hvf"
)

func Open() (hv.Hypervisor, error) {
	return hvf.Open()
}
