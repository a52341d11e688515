package gpuinfo

import (
	"fmt"
	"strings"

	"github.com/jaypipes/ghw"
)

// Device describes a single graphics device visible on this host.
type Device struct {
	Vendor  string `json:"vendor"`
	Product string `json:"product"`
}

// GPUInfo probes the host's graphics hardware. Device enumeration uses PCI
// information, while VRAM and driver queries shell out to nvidia-smi.
type GPUInfo struct{}

func New() *GPUInfo {
	return &GPUInfo{}
}

// ListGPUs returns the graphics devices visible on this host.
func (g *GPUInfo) ListGPUs() ([]Device, error) {
	gpus, err := ghw.GPU()
	if err != nil {
		return nil, fmt.Errorf("enumerating graphics devices: %w", err)
	}
	devices := make([]Device, 0, len(gpus.GraphicsCards))
	for _, gpu := range gpus.GraphicsCards {
		device := Device{}
		if info := gpu.DeviceInfo; info != nil {
			if info.Vendor != nil {
				device.Vendor = info.Vendor.Name
			}
			if info.Product != nil {
				device.Product = info.Product.Name
			}
		}
		devices = append(devices, device)
	}
	return devices, nil
}

// HasNVIDIAGPU reports whether an NVIDIA graphics device is present.
func (g *GPUInfo) HasNVIDIAGPU() (bool, error) {
	devices, err := g.ListGPUs()
	if err != nil {
		return false, err
	}
	for _, device := range devices {
		if strings.Contains(strings.ToLower(device.Vendor), "nvidia") {
			return true, nil
		}
	}
	return false, nil
}
