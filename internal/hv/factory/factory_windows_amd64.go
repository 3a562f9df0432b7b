//go:build windows && amd64

package factory

import (
	"github.com/opencore/vmm/internal/hv"
	"github.com/opencore/vmm/internal/hv/whp"
)

func Open() (hv.Hypervisor, error) {
	return whp.Open()
}
