// Package ort implements the ONNX Runtime inference backend. Unlike
// external-process engines, ONNX Runtime is loaded in-process as a shared
// library and each runner serves its HTTP API directly.
package ort

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	logpkg "log"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/vision-runner/vision-runner/pkg/distribution/types"
	"github.com/vision-runner/vision-runner/pkg/inference"
	"github.com/vision-runner/vision-runner/pkg/inference/models"
	"github.com/vision-runner/vision-runner/pkg/logging"
)

const (
	// Name is the backend name.
	Name = "ort"

	// libraryPathOverrideEnv points at an existing ONNX Runtime shared
	// library, skipping installation entirely.
	libraryPathOverrideEnv = "VISION_RUNNER_ORT_LIBRARY"
)

// gpuDetector reports whether a usable NVIDIA GPU is present. It is satisfied
// by *gpuinfo.GPUInfo.
type gpuDetector interface {
	HasNVIDIAGPU() (bool, error)
}

// ortBackend is the ONNX Runtime backend implementation.
type ortBackend struct {
	// log is the associated logger.
	log logging.Logger
	// modelManager is the shared model manager.
	modelManager *models.Manager
	// runtimeDir is where installed runtime library versions live.
	runtimeDir string
	// gpuDetector probes for GPU presence. It may be nil, in which case no
	// GPU is assumed.
	gpuDetector gpuDetector
	// gpuPresent is set during Install.
	gpuPresent bool
	// libraryPath is the resolved shared library path, set during Install.
	libraryPath string
	// status is the backend's installation state.
	status string
}

// New creates a new ONNX Runtime backend. runtimeDir is the directory under
// which runtime library versions are installed.
func New(
	log logging.Logger,
	modelManager *models.Manager,
	runtimeDir string,
	detector gpuDetector,
) (inference.Backend, error) {
	if runtimeDir == "" {
		return nil, errors.New("runtime directory is required")
	}
	return &ortBackend{
		log:          log,
		modelManager: modelManager,
		runtimeDir:   runtimeDir,
		gpuDetector:  detector,
		status:       "not installed",
	}, nil
}

// Name implements inference.Backend.Name.
func (o *ortBackend) Name() string {
	return Name
}

// UsesExternalModelManagement implements
// inference.Backend.UsesExternalModelManagement.
func (o *ortBackend) UsesExternalModelManagement() bool {
	return false
}

// Install implements inference.Backend.Install.
func (o *ortBackend) Install(ctx context.Context, httpClient *http.Client) error {
	o.status = "installing"

	if override := os.Getenv(libraryPathOverrideEnv); override != "" {
		if _, err := os.Stat(override); err != nil {
			o.status = fmt.Sprintf("failed to install: %v", err)
			return fmt.Errorf("%s does not point at a usable library: %w", libraryPathOverrideEnv, err)
		}
		o.libraryPath = override
		o.log.Infof("using ONNX Runtime library from %s", override)
	} else {
		libraryPath, err := ensureRuntimeLibrary(ctx, o.log, httpClient, o.runtimeDir)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			o.status = fmt.Sprintf("failed to install: %v", err)
			return fmt.Errorf("installing ONNX Runtime library: %w", err)
		}
		o.libraryPath = libraryPath
	}

	if o.gpuDetector != nil {
		gpuPresent, err := o.gpuDetector.HasNVIDIAGPU()
		if err != nil {
			o.log.Warnf("GPU detection failed, assuming CPU only: %v", err)
		}
		o.gpuPresent = gpuPresent
	}

	o.status = fmt.Sprintf("running (gpu=%t)", o.gpuPresent)
	return nil
}

// Run implements inference.Backend.Run.
func (o *ortBackend) Run(ctx context.Context, socket, model, modelRef string, mode inference.BackendMode, config *inference.BackendConfiguration) error {
	bundle, err := o.modelManager.GetBundle(model)
	if err != nil {
		return fmt.Errorf("failed to get model bundle: %w", err)
	}

	device, gpuIndex, err := o.resolveDevice(config)
	if err != nil {
		return err
	}

	session, err := newSession(o.libraryPath, bundle, sessionSettings{
		device:         device,
		gpuIndex:       gpuIndex,
		intraOpThreads: configThreads(config, true),
		interOpThreads: configThreads(config, false),
	})
	if err != nil {
		return fmt.Errorf("failed to create ONNX session: %w", err)
	}
	defer session.Close()

	server, err := newServer(o.log, session, bundle, modelRef, mode)
	if err != nil {
		return fmt.Errorf("failed to initialize runner server: %w", err)
	}

	if err := os.Remove(socket); err != nil && !errors.Is(err, fs.ErrNotExist) {
		o.log.Warnf("failed to remove socket file %s: %v", socket, err)
	}
	listener, err := net.Listen("unix", socket)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", socket, err)
	}
	defer func() {
		if err := os.Remove(socket); err != nil && !errors.Is(err, fs.ErrNotExist) {
			o.log.Warnf("failed to remove socket file %s on exit: %v", socket, err)
		}
	}()

	serverLogStream := o.log.Writer()
	defer serverLogStream.Close()
	httpServer := &http.Server{
		Handler:  server,
		ErrorLog: logpkg.New(serverLogStream, "", 0),
	}
	serveErrors := make(chan error, 1)
	go func() {
		serveErrors <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		if err := httpServer.Close(); err != nil {
			o.log.Warnf("error closing runner server: %v", err)
		}
		<-serveErrors
		return nil
	case err := <-serveErrors:
		return fmt.Errorf("runner server terminated unexpectedly: %w", err)
	}
}

// resolveDevice maps the requested device onto what the host offers. An
// explicit GPU request on a host without one fails the load; auto falls back
// to CPU.
func (o *ortBackend) resolveDevice(config *inference.BackendConfiguration) (string, int, error) {
	requested := ""
	if config != nil {
		requested = config.Device
	}
	kind, index, err := inference.ParseDevice(requested)
	if err != nil {
		return "", 0, err
	}
	switch kind {
	case inference.DeviceAuto:
		if o.gpuPresent {
			return inference.DeviceGPU, 0, nil
		}
		return inference.DeviceCPU, 0, nil
	case inference.DeviceGPU:
		if !o.gpuPresent {
			return "", 0, errors.New("GPU requested but no NVIDIA GPU detected")
		}
		return inference.DeviceGPU, index, nil
	default:
		return inference.DeviceCPU, 0, nil
	}
}

// configThreads extracts the intra- or inter-op thread cap from a runner
// configuration. Zero keeps the runtime default.
func configThreads(config *inference.BackendConfiguration, intra bool) int {
	if config == nil {
		return 0
	}
	if intra {
		return config.IntraOpThreads
	}
	return config.InterOpThreads
}

// Status implements inference.Backend.Status.
func (o *ortBackend) Status() string {
	return o.status
}

// GetDiskUsage implements inference.Backend.GetDiskUsage.
func (o *ortBackend) GetDiskUsage() (int64, error) {
	var size int64
	err := filepath.WalkDir(o.runtimeDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walking runtime directory: %w", err)
	}
	return size, nil
}

// activationOverheadFactor approximates the working memory consumed by
// intermediate activations relative to the input tensor size. Convolutional
// classifiers hold a handful of feature maps of decreasing spatial size at
// once; 64x the input covers the architectures the artifact config describes.
const activationOverheadFactor = 64

// GetRequiredMemoryForModel implements
// inference.Backend.GetRequiredMemoryForModel.
func (o *ortBackend) GetRequiredMemoryForModel(ctx context.Context, model string, config *inference.BackendConfiguration) (inference.RequiredMemory, error) {
	weightBytes, cfg, err := o.checkpointSize(ctx, model)
	if err != nil {
		return inference.RequiredMemory{}, err
	}

	// Weights are held once, activations scale with the input tensor.
	activations := uint64(cfg.Input.Elements()) * 4 * activationOverheadFactor
	required := uint64(weightBytes) + activations

	device := inference.DeviceAuto
	if config != nil && config.Device != "" {
		device, _, err = inference.ParseDevice(config.Device)
		if err != nil {
			return inference.RequiredMemory{}, err
		}
	}
	useGPU := device == inference.DeviceGPU || (device == inference.DeviceAuto && o.gpuPresent)
	if useGPU {
		// The session keeps a host copy of the weights while the provider
		// holds the working set.
		return inference.RequiredMemory{RAM: uint64(weightBytes), VRAM: required}, nil
	}
	return inference.RequiredMemory{RAM: required, VRAM: 0}, nil
}

// checkpointSize returns the combined graph and weight byte size of a model
// along with its config, resolving remotely when the model isn't in the
// local store.
func (o *ortBackend) checkpointSize(ctx context.Context, model string) (int64, types.Config, error) {
	local, err := o.modelManager.GetModel(model)
	if err == nil {
		cfg, err := local.Config()
		if err != nil {
			return 0, types.Config{}, &inference.ErrCheckpointParse{Err: err}
		}
		var total int64
		for _, pathFn := range []func() (string, error){local.GraphPath, local.WeightsPath} {
			path, err := pathFn()
			if err != nil || path == "" {
				continue
			}
			if info, err := os.Stat(path); err == nil {
				total += info.Size()
			}
		}
		return total, cfg, nil
	}
	if !errors.Is(err, models.ErrModelNotFound) {
		return 0, types.Config{}, fmt.Errorf("resolving model %q: %w", model, err)
	}

	remote, err := o.modelManager.GetRemoteModel(ctx, model)
	if err != nil {
		return 0, types.Config{}, fmt.Errorf("resolving remote model %q: %w", model, err)
	}
	cfg, err := remote.Config()
	if err != nil {
		return 0, types.Config{}, &inference.ErrCheckpointParse{Err: err}
	}
	layers, err := remote.Layers()
	if err != nil {
		return 0, types.Config{}, fmt.Errorf("reading layers of %q: %w", model, err)
	}
	var total int64
	for _, layer := range layers {
		mt, err := layer.MediaType()
		if err != nil {
			continue
		}
		if mt != types.MediaTypeONNXGraph && mt != types.MediaTypeONNXWeights {
			continue
		}
		size, err := layer.Size()
		if err != nil {
			continue
		}
		total += size
	}
	return total, cfg, nil
}
