//go:build darwin && arm64

package main

import (
	"github.com/opencore/vmm/internal/hv"
	"github.com/opencore/vmm/internal/hv/hvf"
	"github.com/opencore/vmm/internal/initx"
)

type hvfSnapshotIO struct{}

func (hvfSnapshotIO) SaveSnapshot(path string, snap hv.Snapshot) error {
	return hvf.SaveSnapshot(path, snap)
}

func (hvfSnapshotIO) LoadSnapshot(path string) (hv.Snapshot, error) {
	return hvf.LoadSnapshot(path)
}

func getSnapshotIO() initx.SnapshotIO {
	return hvfSnapshotIO{}
}
