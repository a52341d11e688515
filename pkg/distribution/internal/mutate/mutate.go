package mutate

import (
	v1 "github.com/google/go-containerregistry/pkg/v1"
	ggcr "github.com/google/go-containerregistry/pkg/v1/types"

	"github.com/vision-runner/vision-runner/pkg/distribution/types"
)

// AppendLayers returns a new artifact with the given layers appended to the
// base. The config file's diff IDs are extended accordingly.
func AppendLayers(base types.ModelArtifact, layers ...v1.Layer) types.ModelArtifact {
	return &model{
		base:     base,
		appended: layers,
	}
}

// ConfigMediaType returns a new artifact whose manifest declares the given
// config media type.
func ConfigMediaType(base types.ModelArtifact, mt ggcr.MediaType) types.ModelArtifact {
	return &model{
		base:            base,
		configMediaType: mt,
	}
}
