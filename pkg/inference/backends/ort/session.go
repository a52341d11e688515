package ort

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	onnxruntime "github.com/yalue/onnxruntime_go"

	"github.com/vision-runner/vision-runner/pkg/distribution/types"
	"github.com/vision-runner/vision-runner/pkg/inference"
)

// predictor runs a single forward pass. It is implemented by ortSession and
// stubbed in tests.
type predictor interface {
	// Predict runs the model on a flat input tensor and returns the raw
	// output vector.
	Predict(input []float32) ([]float32, error)
	// Close releases the session's resources.
	Close() error
}

// sessionSettings carries the per-runner knobs resolved by the backend.
type sessionSettings struct {
	device         string
	gpuIndex       int
	intraOpThreads int
	interOpThreads int
}

// The ONNX Runtime environment is process-global. It is initialized for the
// first session and torn down when the last one closes.
var (
	environmentLock     sync.Mutex
	environmentRefCount int
)

func acquireEnvironment(libraryPath string) error {
	environmentLock.Lock()
	defer environmentLock.Unlock()
	if environmentRefCount == 0 {
		onnxruntime.SetSharedLibraryPath(libraryPath)
		if err := onnxruntime.InitializeEnvironment(); err != nil {
			return fmt.Errorf("initializing ONNX Runtime environment: %w", err)
		}
	}
	environmentRefCount++
	return nil
}

func releaseEnvironment() error {
	environmentLock.Lock()
	defer environmentLock.Unlock()
	if environmentRefCount == 0 {
		return errors.New("environment not initialized")
	}
	environmentRefCount--
	if environmentRefCount == 0 {
		return onnxruntime.DestroyEnvironment()
	}
	return nil
}

// ortSession holds one loaded ONNX session for a fixed input shape.
type ortSession struct {
	session    *onnxruntime.DynamicAdvancedSession
	inputShape onnxruntime.Shape
	// runLock serializes forward passes. A session's compute stream is not
	// safe for concurrent Run calls.
	runLock sync.Mutex
	closed  bool
}

// newSession loads the model described by the bundle into a new ONNX Runtime
// session on the requested device.
func newSession(libraryPath string, bundle types.ModelBundle, settings sessionSettings) (predictor, error) {
	if err := acquireEnvironment(libraryPath); err != nil {
		return nil, err
	}
	session, err := createSession(bundle, settings)
	if err != nil {
		if releaseErr := releaseEnvironment(); releaseErr != nil {
			return nil, errors.Join(err, releaseErr)
		}
		return nil, err
	}
	return session, nil
}

func createSession(bundle types.ModelBundle, settings sessionSettings) (*ortSession, error) {
	graphPath := bundle.GraphPath()
	cfg := bundle.RuntimeConfig()

	inputs, outputs, err := onnxruntime.GetInputOutputInfo(graphPath)
	if err != nil {
		return nil, fmt.Errorf("reading graph metadata: %w", err)
	}
	if len(inputs) != 1 || len(outputs) < 1 {
		return nil, fmt.Errorf("unsupported graph: %d inputs, %d outputs", len(inputs), len(outputs))
	}

	options, err := onnxruntime.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("creating session options: %w", err)
	}
	defer options.Destroy()

	if settings.intraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(settings.intraOpThreads); err != nil {
			return nil, fmt.Errorf("setting intra-op threads: %w", err)
		}
	}
	if settings.interOpThreads > 0 {
		if err := options.SetInterOpNumThreads(settings.interOpThreads); err != nil {
			return nil, fmt.Errorf("setting inter-op threads: %w", err)
		}
	}
	if settings.device == inference.DeviceGPU {
		cudaOptions, err := onnxruntime.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("creating CUDA provider options: %w", err)
		}
		defer cudaOptions.Destroy()
		if err := cudaOptions.Update(map[string]string{
			"device_id": strconv.Itoa(settings.gpuIndex),
		}); err != nil {
			return nil, fmt.Errorf("selecting GPU %d: %w", settings.gpuIndex, err)
		}
		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return nil, fmt.Errorf("enabling CUDA execution provider: %w", err)
		}
	}

	session, err := onnxruntime.NewDynamicAdvancedSession(
		graphPath,
		[]string{inputs[0].Name},
		[]string{outputs[0].Name},
		options,
	)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	return &ortSession{
		session: session,
		inputShape: onnxruntime.NewShape(
			int64(cfg.Input.Batch),
			int64(cfg.Input.Channels),
			int64(cfg.Input.Height),
			int64(cfg.Input.Width),
		),
	}, nil
}

// Predict implements predictor.Predict.
func (s *ortSession) Predict(input []float32) ([]float32, error) {
	s.runLock.Lock()
	defer s.runLock.Unlock()
	if s.closed {
		return nil, errors.New("session is closed")
	}

	inputTensor, err := onnxruntime.NewTensor(s.inputShape, input)
	if err != nil {
		return nil, fmt.Errorf("creating input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	// Let the runtime allocate the output so we don't need to know the
	// output shape up front.
	outputs := []onnxruntime.Value{nil}
	if err := s.session.Run([]onnxruntime.Value{inputTensor}, outputs); err != nil {
		return nil, fmt.Errorf("forward pass: %w", err)
	}
	defer outputs[0].Destroy()

	outputTensor, ok := outputs[0].(*onnxruntime.Tensor[float32])
	if !ok {
		return nil, errors.New("model output is not a float32 tensor")
	}

	// The tensor's backing store is released on Destroy, so hand back a copy.
	data := outputTensor.GetData()
	result := make([]float32, len(data))
	copy(result, data)
	return result, nil
}

// Close implements predictor.Close.
func (s *ortSession) Close() error {
	s.runLock.Lock()
	defer s.runLock.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.session.Destroy()
	if releaseErr := releaseEnvironment(); releaseErr != nil {
		err = errors.Join(err, releaseErr)
	}
	return err
}
