package doctor

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vision-runner/vision-runner/pkg/gpuinfo"
	"github.com/vision-runner/vision-runner/pkg/logging"
)

// stubGPU is a canned gpuProber.
type stubGPU struct {
	devices   []gpuinfo.Device
	listErr   error
	driver    string
	driverErr error
}

func (s *stubGPU) ListGPUs() ([]gpuinfo.Device, error) {
	return s.devices, s.listErr
}

func (s *stubGPU) DriverVersion() (string, error) {
	return s.driver, s.driverErr
}

func testLogger() logging.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// newTestDoctor wires a doctor with fully stubbed probes.
func newTestDoctor(gpu *stubGPU, runtimeStatus func() string, binaries map[string]string, ram uint64) *Doctor {
	return &Doctor{
		log:           testLogger(),
		gpu:           gpu,
		runtimeStatus: runtimeStatus,
		lookPath: func(file string) (string, error) {
			if path, ok := binaries[file]; ok {
				return path, nil
			}
			return "", errors.New("not found")
		},
		hostMemory: func() (uint64, error) {
			return ram, nil
		},
	}
}

func checkByName(t *testing.T, report Report, name string) Check {
	t.Helper()
	for _, check := range report.Checks {
		if check.Name == name {
			return check
		}
	}
	t.Fatalf("no check named %s", name)
	return Check{}
}

func TestRunAllHealthy(t *testing.T) {
	gpu := &stubGPU{
		devices: []gpuinfo.Device{{Vendor: "NVIDIA Corporation", Product: "Tesla V100"}},
		driver:  "550.54.14",
	}
	d := newTestDoctor(gpu, func() string { return "running (gpu=true)" }, map[string]string{
		"docker": "/usr/bin/docker",
		"mpirun": "/usr/bin/mpirun",
	}, 64*1024*1024*1024)

	report := d.Run()
	require.True(t, report.Healthy())
	for _, check := range report.Checks {
		assert.Equal(t, StatusPass, check.Status, check.Name)
	}
	assert.Contains(t, checkByName(t, report, "gpu").Detail, "Tesla V100")
	assert.Contains(t, checkByName(t, report, "nvidia-driver").Detail, "550.54.14")
}

func TestRunWithoutGPU(t *testing.T) {
	gpu := &stubGPU{devices: []gpuinfo.Device{{Vendor: "Intel Corporation", Product: "UHD Graphics"}}}
	d := newTestDoctor(gpu, func() string { return "running (gpu=false)" }, map[string]string{
		"nerdctl": "/usr/bin/nerdctl",
		"mpirun":  "/usr/bin/mpirun",
	}, 64*1024*1024*1024)

	report := d.Run()
	assert.True(t, report.Healthy())
	assert.Equal(t, StatusWarn, checkByName(t, report, "gpu").Status)
	assert.Equal(t, StatusWarn, checkByName(t, report, "nvidia-driver").Status)
	assert.Equal(t, StatusPass, checkByName(t, report, "container-runtime").Status)
}

func TestRunGPUEnumerationFailure(t *testing.T) {
	gpu := &stubGPU{listErr: errors.New("pci scan failed")}
	d := newTestDoctor(gpu, nil, nil, 64*1024*1024*1024)

	report := d.Run()
	assert.False(t, report.Healthy())
	assert.Equal(t, StatusFail, checkByName(t, report, "gpu").Status)
}

func TestRunDriverMissing(t *testing.T) {
	gpu := &stubGPU{
		devices:   []gpuinfo.Device{{Vendor: "NVIDIA Corporation", Product: "Tesla V100"}},
		driverErr: errors.New("nvidia-smi: command not found"),
	}
	d := newTestDoctor(gpu, nil, nil, 64*1024*1024*1024)

	report := d.Run()
	assert.False(t, report.Healthy())
	check := checkByName(t, report, "nvidia-driver")
	assert.Equal(t, StatusFail, check.Status)
	assert.Contains(t, check.Detail, "driver query failed")
}

func TestRunMissingBinaries(t *testing.T) {
	d := newTestDoctor(&stubGPU{}, nil, nil, 64*1024*1024*1024)

	report := d.Run()
	assert.Equal(t, StatusWarn, checkByName(t, report, "container-runtime").Status)
	mpi := checkByName(t, report, "mpi")
	assert.Equal(t, StatusWarn, mpi.Status)
	assert.Contains(t, mpi.Detail, "distributed training unavailable")
}

func TestRunLowMemory(t *testing.T) {
	d := newTestDoctor(&stubGPU{}, nil, nil, 2*1024*1024*1024)
	assert.Equal(t, StatusWarn, checkByName(t, d.Run(), "memory").Status)
}

func TestRunRuntimeStates(t *testing.T) {
	tests := []struct {
		name   string
		status func() string
		want   Status
	}{
		{name: "running", status: func() string { return "running (gpu=true)" }, want: StatusPass},
		{name: "failed", status: func() string { return "failed to install: timeout" }, want: StatusFail},
		{name: "installing", status: func() string { return "installing" }, want: StatusWarn},
		{name: "empty", status: func() string { return "" }, want: StatusWarn},
		{name: "no backend", status: nil, want: StatusWarn},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			d := newTestDoctor(&stubGPU{}, test.status, nil, 64*1024*1024*1024)
			assert.Equal(t, test.want, checkByName(t, d.Run(), "inference-runtime").Status)
		})
	}
}

func TestHandler(t *testing.T) {
	gpu := &stubGPU{devices: []gpuinfo.Device{{Vendor: "NVIDIA Corporation", Product: "A100"}}, driver: "550.54.14"}
	d := newTestDoctor(gpu, func() string { return "running (gpu=true)" }, nil, 64*1024*1024*1024)

	recorder := httptest.NewRecorder()
	d.Handler()(recorder, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, recorder.Code)

	var report Report
	require.NoError(t, json.NewDecoder(recorder.Body).Decode(&report))
	assert.Len(t, report.Checks, 6)
}
