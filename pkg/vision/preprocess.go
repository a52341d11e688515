// Package vision implements the image-to-tensor preprocessing, label file
// handling, and prediction ranking used by the classification backends.
package vision

import (
	"fmt"
	"image"
	"io"

	// Registered decoders for the supported input formats.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"

	"github.com/vision-runner/vision-runner/pkg/distribution/types"
)

// Preprocess decodes an image and converts it into the flat float32 input
// tensor described by the config.
func Preprocess(r io.Reader, cfg types.Config) ([]float32, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return Transform(img, cfg)
}

// Transform resizes, crops, normalizes, and lays out an already decoded image
// as a 1xCxHxW tensor in the config's channel order.
func Transform(img image.Image, cfg types.Config) ([]float32, error) {
	cropW, cropH := cfg.Input.Width, cfg.Input.Height
	filter := interpFilter(cfg.Preprocess.Interpolation)

	var resized image.Image
	if shorter := cfg.Preprocess.ResizeShorter; shorter > 0 {
		bounds := img.Bounds()
		if bounds.Dx() <= bounds.Dy() {
			resized = resize.Resize(uint(shorter), 0, img, filter)
		} else {
			resized = resize.Resize(0, uint(shorter), img, filter)
		}
	} else {
		resized = resize.Resize(uint(cropW), uint(cropH), img, filter)
	}

	bounds := resized.Bounds()
	if bounds.Dx() < cropW || bounds.Dy() < cropH {
		return nil, fmt.Errorf("resized image %dx%d is smaller than crop %dx%d",
			bounds.Dx(), bounds.Dy(), cropW, cropH)
	}
	x0 := bounds.Min.X + (bounds.Dx()-cropW)/2
	y0 := bounds.Min.Y + (bounds.Dy()-cropH)/2

	scale := cfg.Preprocess.Scale
	if scale == 0 {
		scale = 1
	}
	mean := cfg.Preprocess.Mean
	std := cfg.Preprocess.Std
	for c := range std {
		if std[c] == 0 {
			std[c] = 1
		}
	}
	bgr := cfg.Preprocess.ColorOrder == types.ColorOrderBGR

	plane := cropH * cropW
	data := make([]float32, cfg.Input.Elements())
	for y := 0; y < cropH; y++ {
		for x := 0; x < cropW; x++ {
			r, g, b, _ := resized.At(x0+x, y0+y).RGBA()
			px := [3]float32{float32(r >> 8), float32(g >> 8), float32(b >> 8)}
			if bgr {
				px[0], px[2] = px[2], px[0]
			}
			idx := y*cropW + x
			for c := 0; c < 3; c++ {
				data[c*plane+idx] = (px[c]*scale - mean[c]) / std[c]
			}
		}
	}
	return data, nil
}

// interpFilter maps the config value to a resampling filter. Unset defaults
// to bilinear.
func interpFilter(i types.Interpolation) resize.InterpolationFunction {
	switch i {
	case types.InterpolationNearest:
		return resize.NearestNeighbor
	case types.InterpolationLanczos:
		return resize.Lanczos3
	default:
		return resize.Bilinear
	}
}
