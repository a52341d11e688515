package ort

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vision-runner/vision-runner/pkg/inference"
)

func TestResolveDevice(t *testing.T) {
	tests := []struct {
		name       string
		gpuPresent bool
		requested  string
		wantKind   string
		wantIndex  int
		wantErr    bool
	}{
		{name: "auto without gpu", requested: "auto", wantKind: inference.DeviceCPU},
		{name: "auto with gpu", gpuPresent: true, requested: "auto", wantKind: inference.DeviceGPU},
		{name: "empty defaults to auto", gpuPresent: true, requested: "", wantKind: inference.DeviceGPU},
		{name: "explicit cpu with gpu", gpuPresent: true, requested: "cpu", wantKind: inference.DeviceCPU},
		{name: "explicit gpu without gpu", requested: "gpu", wantErr: true},
		{name: "indexed gpu", gpuPresent: true, requested: "gpu:2", wantKind: inference.DeviceGPU, wantIndex: 2},
		{name: "invalid device", requested: "tpu", wantErr: true},
		{name: "negative index", gpuPresent: true, requested: "gpu:-1", wantErr: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			backend := &ortBackend{gpuPresent: test.gpuPresent}
			var config *inference.BackendConfiguration
			if test.requested != "" {
				config = &inference.BackendConfiguration{Device: test.requested}
			}
			kind, index, err := backend.resolveDevice(config)
			if test.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.wantKind, kind)
			assert.Equal(t, test.wantIndex, index)
		})
	}
}

func TestConfigThreads(t *testing.T) {
	assert.Equal(t, 0, configThreads(nil, true))
	config := &inference.BackendConfiguration{IntraOpThreads: 4, InterOpThreads: 2}
	assert.Equal(t, 4, configThreads(config, true))
	assert.Equal(t, 2, configThreads(config, false))
}
