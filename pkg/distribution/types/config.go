package types

import (
	"fmt"
	"strings"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"
)

const (
	// classifierConfigPrefix is the prefix for all versioned classifier
	// config media types.
	classifierConfigPrefix = "application/vnd.vision.classifier.config"

	// MediaTypeClassifierConfigV01 is the media type for the classifier config json.
	MediaTypeClassifierConfigV01 = types.MediaType("application/vnd.vision.classifier.config.v0.1+json")

	// MediaTypeONNXGraph indicates an ONNX graph file describing the network
	// topology. Tensor data may be embedded or stored in a separate weights
	// layer.
	MediaTypeONNXGraph = types.MediaType("application/vnd.vision.onnx.graph")

	// MediaTypeONNXWeights indicates an external tensor data file referenced
	// by an ONNX graph.
	MediaTypeONNXWeights = types.MediaType("application/vnd.vision.onnx.weights")

	// MediaTypeLabels indicates a newline-delimited category label file.
	MediaTypeLabels = types.MediaType("application/vnd.vision.labels")

	// MediaTypeLicense indicates a plain text file containing a license.
	MediaTypeLicense = types.MediaType("application/vnd.vision.license")

	// FormatONNX is the only checkpoint format currently supported.
	FormatONNX = Format("onnx")
)

type Format string

// ColorOrder is the channel order expected by a model's input tensor.
type ColorOrder string

const (
	ColorOrderRGB = ColorOrder("rgb")
	ColorOrderBGR = ColorOrder("bgr")
)

// Interpolation selects the resampling filter used when resizing images.
type Interpolation string

const (
	InterpolationNearest  = Interpolation("nearest")
	InterpolationBilinear = Interpolation("bilinear")
	InterpolationLanczos  = Interpolation("lanczos")
)

// OutputKind describes what the model's output vector contains.
type OutputKind string

const (
	// OutputLogits means the output vector holds raw scores and softmax must
	// be applied before ranking probabilities.
	OutputLogits = OutputKind("logits")
	// OutputProbabilities means the model applies softmax itself.
	OutputProbabilities = OutputKind("probabilities")
)

type ConfigFile struct {
	Config     Config     `json:"config"`
	Descriptor Descriptor `json:"descriptor"`
	RootFS     v1.RootFS  `json:"rootfs"`
}

// InputShape is the fixed 4-D input tensor shape (NCHW) of a classifier.
type InputShape struct {
	Batch    int `json:"batch"`
	Channels int `json:"channels"`
	Height   int `json:"height"`
	Width    int `json:"width"`
}

// Elements returns the total element count of the shape.
func (s InputShape) Elements() int {
	return s.Batch * s.Channels * s.Height * s.Width
}

// Preprocessing describes how an image must be transformed before it is fed
// to the network.
type Preprocessing struct {
	// ColorOrder is the channel order of the input tensor.
	ColorOrder ColorOrder `json:"color_order,omitempty"`
	// ResizeShorter is the length, in pixels, to which the shorter image side
	// is resized before cropping. Zero means resize directly to the crop size.
	ResizeShorter int `json:"resize_shorter,omitempty"`
	// Interpolation is the resampling filter used for resizing.
	Interpolation Interpolation `json:"interpolation,omitempty"`
	// Scale is multiplied into every channel value before normalization.
	// Zero is treated as 1.
	Scale float32 `json:"scale,omitempty"`
	// Mean is the per-channel mean subtracted after scaling, in tensor
	// channel order.
	Mean [3]float32 `json:"mean,omitempty"`
	// Std is the per-channel divisor applied after mean subtraction. Zero
	// entries are treated as 1.
	Std [3]float32 `json:"std,omitempty"`
}

// Config describes the classifier.
type Config struct {
	Format       Format        `json:"format,omitempty"`
	Architecture string        `json:"architecture,omitempty"`
	Parameters   string        `json:"parameters,omitempty"`
	Quantization string        `json:"quantization,omitempty"`
	Size         string        `json:"size,omitempty"`
	Classes      int           `json:"classes,omitempty"`
	Input        InputShape    `json:"input"`
	Preprocess   Preprocessing `json:"preprocess"`
	Output       OutputKind    `json:"output,omitempty"`
}

// Validate returns an error if the config does not describe a loadable
// classifier.
func (c Config) Validate() error {
	if c.Format != FormatONNX {
		return fmt.Errorf("unsupported checkpoint format %q", c.Format)
	}
	if c.Classes < 1 {
		return fmt.Errorf("invalid class count %d", c.Classes)
	}
	if c.Input.Batch != 1 || c.Input.Channels != 3 {
		return fmt.Errorf("unsupported input shape %dx%dx%dx%d: batch must be 1 and channels 3",
			c.Input.Batch, c.Input.Channels, c.Input.Height, c.Input.Width)
	}
	if c.Input.Height < 1 || c.Input.Width < 1 {
		return fmt.Errorf("invalid input dimensions %dx%d", c.Input.Height, c.Input.Width)
	}
	return nil
}

// Descriptor provides metadata about the provenance of the checkpoint.
type Descriptor struct {
	Created *time.Time `json:"created,omitempty"`
}

// IsClassifierConfig reports whether mt is a classifier config media type of
// any version.
func IsClassifierConfig(mt types.MediaType) bool {
	return strings.HasPrefix(string(mt), classifierConfigPrefix)
}
