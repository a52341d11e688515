package gpuinfo

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	nvidiaSMIBin     = "nvidia-smi"
	nvidiaSMITimeout = 30 * time.Second
)

// GetVRAMSize returns the dedicated memory of the primary GPU in bytes.
func (g *GPUInfo) GetVRAMSize() (uint64, error) {
	out, err := g.queryNvidiaSMI("memory.total")
	if err != nil {
		return 0, err
	}
	return parseVRAMSize(out)
}

// DriverVersion returns the version of the installed NVIDIA driver.
func (g *GPUInfo) DriverVersion() (string, error) {
	out, err := g.queryNvidiaSMI("driver_version")
	if err != nil {
		return "", err
	}
	return parseDriverVersion(out)
}

// queryNvidiaSMI runs nvidia-smi with the given query field and returns its
// raw output. It fails fast when no NVIDIA device is present rather than
// waiting on a missing binary.
func (g *GPUInfo) queryNvidiaSMI(field string) (string, error) {
	hasNVIDIA, err := g.HasNVIDIAGPU()
	if err != nil {
		return "", err
	}
	if !hasNVIDIA {
		return "", errors.New("no NVIDIA graphics device detected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), nvidiaSMITimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, nvidiaSMIBin,
		"--query-gpu="+field, "--format=csv,noheader,nounits")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("querying %s via nvidia-smi: %w", field, err)
	}
	return string(out), nil
}

// parseVRAMSize reads the first line of a memory.total query, which reports
// the primary GPU's dedicated memory in MiB.
func parseVRAMSize(out string) (uint64, error) {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		mib, err := strconv.ParseUint(line, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("unexpected nvidia-smi memory output format: %q", line)
		}
		return mib * 1024 * 1024, nil
	}
	return 0, errors.New("empty nvidia-smi memory output")
}

// parseDriverVersion reads the first line of a driver_version query.
func parseDriverVersion(out string) (string, error) {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			return line, nil
		}
	}
	return "", errors.New("empty nvidia-smi driver output")
}
