package model

import (
	"os"
	"strings"
)

// Device names where inference runs.
type Device string

const (
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

// nvidiaDeviceNodes are probed to decide whether a CUDA device is present.
var nvidiaDeviceNodes = []string{"/dev/nvidiactl", "/dev/nvidia0"}

// cudaAvailable is swapped in tests.
var cudaAvailable = func() bool {
	for _, p := range nvidiaDeviceNodes {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}

// SelectDevice resolves a configured preference. "auto" picks CUDA when an
// NVIDIA device is visible, otherwise CPU. Unknown values resolve to CPU.
func SelectDevice(preference string) Device {
	switch strings.ToLower(strings.TrimSpace(preference)) {
	case string(DeviceCUDA):
		return DeviceCUDA
	case "", "auto":
		if cudaAvailable() {
			return DeviceCUDA
		}
		return DeviceCPU
	default:
		return DeviceCPU
	}
}
