//go:build !darwin || !arm64

package main

import "github.com/opencore/vmm/internal/initx"

func getSnapshotIO() initx.SnapshotIO {
	return initx.GetSnapshotIO()
}
