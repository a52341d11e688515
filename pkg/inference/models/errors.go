package models

import (
	"github.com/vision-runner/vision-runner/pkg/distribution/distribution"
)

// ErrModelNotFound is a sentinel error returned by Manager.GetModel if the
// model could not be located. If returned in conjunction with an HTTP
// request, it should be paired with a 404 response status. It shares identity
// with the distribution client's not-found error so that callers only need a
// single errors.Is check.
var ErrModelNotFound = distribution.ErrModelNotFound
