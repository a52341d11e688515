package inference

import (
	"fmt"
	"strconv"
	"strings"
)

// Device kinds accepted in BackendConfiguration.Device. A GPU may carry an
// explicit index as "gpu:<index>".
const (
	DeviceAuto = "auto"
	DeviceCPU  = "cpu"
	DeviceGPU  = "gpu"
)

// ParseDevice validates a device string and splits it into a kind and a GPU
// index. The index is only meaningful for "gpu" devices and defaults to 0.
// An empty string means "auto".
func ParseDevice(device string) (string, int, error) {
	switch device {
	case "", DeviceAuto:
		return DeviceAuto, 0, nil
	case DeviceCPU:
		return DeviceCPU, 0, nil
	case DeviceGPU:
		return DeviceGPU, 0, nil
	}
	if rest, ok := strings.CutPrefix(device, DeviceGPU+":"); ok {
		index, err := strconv.Atoi(rest)
		if err != nil || index < 0 {
			return "", 0, fmt.Errorf("invalid GPU index %q", rest)
		}
		return DeviceGPU, index, nil
	}
	return "", 0, fmt.Errorf("invalid device %q: expected auto, cpu, gpu, or gpu:<index>", device)
}

// ValidDevice reports whether device is an acceptable device string.
func ValidDevice(device string) bool {
	_, _, err := ParseDevice(device)
	return err == nil
}
