// Package doctor verifies that the host is provisioned for inference and
// training: GPU hardware, NVIDIA driver, container runtime, MPI launcher,
// host memory, and the inference runtime library.
package doctor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"strings"

	"github.com/docker/go-units"
	"github.com/elastic/go-sysinfo"

	"github.com/vision-runner/vision-runner/pkg/gpuinfo"
	"github.com/vision-runner/vision-runner/pkg/logging"
)

// Status is the outcome of a single check.
type Status string

const (
	StatusPass = Status("pass")
	StatusWarn = Status("warn")
	StatusFail = Status("fail")
)

// Check is the result of a single host check.
type Check struct {
	// Name identifies the check.
	Name string `json:"name"`
	// Status is the check outcome.
	Status Status `json:"status"`
	// Detail is a human-readable explanation of the outcome.
	Detail string `json:"detail"`
}

// Report is the result of a full doctor run.
type Report struct {
	// Checks are the individual check results, in a fixed order.
	Checks []Check `json:"checks"`
}

// Healthy reports whether no check failed.
func (r Report) Healthy() bool {
	for _, check := range r.Checks {
		if check.Status == StatusFail {
			return false
		}
	}
	return true
}

// minimumRAM is the host memory below which training and larger classifiers
// become impractical.
const minimumRAM = 8 * units.GiB

// gpuProber is the subset of gpuinfo used by the doctor.
type gpuProber interface {
	ListGPUs() ([]gpuinfo.Device, error)
	DriverVersion() (string, error)
}

// Doctor runs host provisioning checks.
type Doctor struct {
	// log is the associated logger.
	log logging.Logger
	// gpu probes graphics hardware.
	gpu gpuProber
	// runtimeStatus reports the inference backend's installation state.
	runtimeStatus func() string
	// lookPath resolves binaries on PATH.
	lookPath func(file string) (string, error)
	// hostMemory returns total host RAM in bytes.
	hostMemory func() (uint64, error)
}

// New creates a doctor. The runtimeStatus callback reports the inference
// backend's installation state and may be nil when no backend is available.
func New(log logging.Logger, gpu *gpuinfo.GPUInfo, runtimeStatus func() string) *Doctor {
	return &Doctor{
		log:           log,
		gpu:           gpu,
		runtimeStatus: runtimeStatus,
		lookPath:      exec.LookPath,
		hostMemory:    hostMemory,
	}
}

// hostMemory probes total host RAM.
func hostMemory() (uint64, error) {
	hostInfo, err := sysinfo.Host()
	if err != nil {
		return 0, err
	}
	ram, err := hostInfo.Memory()
	if err != nil {
		return 0, err
	}
	return ram.Total, nil
}

// Run executes all checks and returns their results.
func (d *Doctor) Run() Report {
	gpuCheck, nvidiaPresent := d.checkGPU()
	checks := []Check{gpuCheck}
	checks = append(checks, d.checkDriver(nvidiaPresent))
	checks = append(checks, d.checkBinary("container-runtime", "container image pulls unavailable", "docker", "nerdctl"))
	checks = append(checks, d.checkBinary("mpi", "distributed training unavailable", "mpirun"))
	checks = append(checks, d.checkMemory())
	checks = append(checks, d.checkRuntime())

	return Report{Checks: checks}
}

// checkGPU enumerates graphics devices and reports whether an NVIDIA device
// is present.
func (d *Doctor) checkGPU() (Check, bool) {
	devices, err := d.gpu.ListGPUs()
	if err != nil {
		return Check{Name: "gpu", Status: StatusFail, Detail: fmt.Sprintf("unable to enumerate graphics devices: %v", err)}, false
	}
	var nvidia []string
	for _, device := range devices {
		if strings.Contains(strings.ToLower(device.Vendor), "nvidia") {
			nvidia = append(nvidia, device.Product)
		}
	}
	if len(nvidia) == 0 {
		return Check{
			Name:   "gpu",
			Status: StatusWarn,
			Detail: "no NVIDIA GPU detected; inference will run on CPU and training is unavailable",
		}, false
	}
	return Check{
		Name:   "gpu",
		Status: StatusPass,
		Detail: fmt.Sprintf("%d NVIDIA GPU(s): %s", len(nvidia), strings.Join(nvidia, ", ")),
	}, true
}

// checkDriver probes the NVIDIA driver version through nvidia-smi.
func (d *Doctor) checkDriver(nvidiaPresent bool) Check {
	if !nvidiaPresent {
		return Check{Name: "nvidia-driver", Status: StatusWarn, Detail: "skipped: no NVIDIA GPU"}
	}
	version, err := d.gpu.DriverVersion()
	if err != nil {
		return Check{
			Name:   "nvidia-driver",
			Status: StatusFail,
			Detail: fmt.Sprintf("NVIDIA GPU present but driver query failed: %v", err),
		}
	}
	return Check{Name: "nvidia-driver", Status: StatusPass, Detail: "driver version " + version}
}

// checkBinary passes if any of the candidate binaries is on PATH.
func (d *Doctor) checkBinary(name, consequence string, candidates ...string) Check {
	for _, candidate := range candidates {
		if path, err := d.lookPath(candidate); err == nil {
			return Check{Name: name, Status: StatusPass, Detail: path}
		}
	}
	return Check{
		Name:   name,
		Status: StatusWarn,
		Detail: fmt.Sprintf("none of %s found on PATH; %s", strings.Join(candidates, ", "), consequence),
	}
}

// checkMemory verifies that the host carries a workable amount of RAM.
func (d *Doctor) checkMemory() Check {
	total, err := d.hostMemory()
	if err != nil {
		return Check{Name: "memory", Status: StatusWarn, Detail: fmt.Sprintf("unable to read host memory: %v", err)}
	}
	detail := units.BytesSize(float64(total)) + " RAM"
	if total < minimumRAM {
		return Check{
			Name:   "memory",
			Status: StatusWarn,
			Detail: detail + " (below recommended " + units.BytesSize(float64(minimumRAM)) + ")",
		}
	}
	return Check{Name: "memory", Status: StatusPass, Detail: detail}
}

// checkRuntime reports the inference runtime's installation state.
func (d *Doctor) checkRuntime() Check {
	if d.runtimeStatus == nil {
		return Check{Name: "inference-runtime", Status: StatusWarn, Detail: "no inference backend available"}
	}
	status := d.runtimeStatus()
	switch {
	case strings.HasPrefix(status, "running"):
		return Check{Name: "inference-runtime", Status: StatusPass, Detail: status}
	case strings.HasPrefix(status, "failed"):
		return Check{Name: "inference-runtime", Status: StatusFail, Detail: status}
	case status == "":
		return Check{Name: "inference-runtime", Status: StatusWarn, Detail: "not installed"}
	}
	return Check{Name: "inference-runtime", Status: StatusWarn, Detail: status}
}

// Handler returns an HTTP handler that runs the checks and encodes the
// report.
func (d *Doctor) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(d.Run()); err != nil {
			d.log.Warnf("error while encoding doctor report: %v", err)
		}
	}
}
