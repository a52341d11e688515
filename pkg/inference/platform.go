package inference

import (
	"runtime"
)

// Supported returns whether or not the current host platform is supported for
// inference operations. Coverage follows the platforms the ONNX Runtime
// shared library is published for.
func Supported() bool {
	switch runtime.GOOS {
	case "linux":
		return runtime.GOARCH == "amd64" || runtime.GOARCH == "arm64"
	case "darwin":
		return runtime.GOARCH == "arm64"
	case "windows":
		return runtime.GOARCH == "amd64"
	default:
		return false
	}
}
