package progress

import (
	"io"

	v1 "github.com/google/go-containerregistry/pkg/v1"
)

// Reader wraps an io.Reader and reports the cumulative number of bytes
// read to an updates channel.
type Reader struct {
	reader   io.Reader
	updates  chan<- v1.Update
	complete int64
}

// NewReader returns a Reader reporting to updates. A nil updates channel
// disables reporting.
func NewReader(r io.Reader, updates chan<- v1.Update) *Reader {
	return &Reader{
		reader:  r,
		updates: updates,
	}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.complete += int64(n)
		if r.updates != nil {
			r.updates <- v1.Update{Complete: r.complete}
		}
	}
	return n, err
}
