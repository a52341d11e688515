package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the logging interface used throughout vision-runner. It is
// satisfied by *logrus.Entry and *logrus.Logger and includes a Writer method
// so that server and proxy error logs can be routed through the logger.
type Logger interface {
	logrus.FieldLogger
	Writer() *io.PipeWriter
}
