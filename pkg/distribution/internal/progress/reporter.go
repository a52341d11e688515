package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
)

// UpdateInterval is the minimum time between progress updates.
const UpdateInterval = 100 * time.Millisecond

// MinBytesForUpdate is the minimum number of bytes transferred between
// progress updates.
const MinBytesForUpdate = 1024 * 1024

// Layer identifies the layer a progress update refers to.
type Layer struct {
	ID      string `json:"id"`
	Size    uint64 `json:"size"`
	Current uint64 `json:"current"`
}

// Message is a single JSON line of transfer progress.
type Message struct {
	Type    string `json:"type"`    // "progress", "success", or "error"
	Message string `json:"message"` // human-readable message
	Total   uint64 `json:"total"`
	Pulled  uint64 `json:"pulled"`
	Layer   Layer  `json:"layer,omitempty"`
}

type formatFunc func(update v1.Update) string

// PullMsg formats a pull progress update.
func PullMsg(update v1.Update) string {
	return fmt.Sprintf("Downloaded: %.2f MB", float64(update.Complete)/1024/1024)
}

// PushMsg formats a push progress update.
func PushMsg(update v1.Update) string {
	return fmt.Sprintf("Uploaded: %.2f MB", float64(update.Complete)/1024/1024)
}

// Reporter consumes v1.Update values and writes rate-limited JSON progress
// lines to an output writer.
type Reporter struct {
	progress chan v1.Update
	done     chan struct{}
	err      error
	out      io.Writer
	format   formatFunc
	total    int64
	layer    v1.Layer
}

// NewProgressReporter returns a Reporter writing to w. When layer is
// non-nil, updates are attributed to it and its size takes precedence over
// total.
func NewProgressReporter(w io.Writer, format formatFunc, total int64, layer v1.Layer) *Reporter {
	return &Reporter{
		out:      w,
		progress: make(chan v1.Update, 1),
		done:     make(chan struct{}),
		format:   format,
		total:    total,
		layer:    layer,
	}
}

// safeUint64 converts an int64 to uint64, clamping negative values to zero.
func safeUint64(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}

// Updates returns the channel on which progress updates are reported. The
// caller must close the channel when done. Should only be called once per
// Reporter instance.
func (r *Reporter) Updates() chan<- v1.Update {
	go func() {
		var lastComplete int64
		var lastUpdate time.Time

		for p := range r.progress {
			if r.out == nil || r.err != nil {
				continue // if we failed to write progress once, don't try again
			}
			now := time.Now()
			total := r.total
			var layerID string
			if r.layer != nil {
				id, err := r.layer.DiffID()
				if err != nil {
					r.err = err
					continue
				}
				layerID = id.String()
				size, err := r.layer.Size()
				if err != nil {
					r.err = err
					continue
				}
				total = size
			}
			incrementalBytes := p.Complete - lastComplete

			if now.Sub(lastUpdate) >= UpdateInterval ||
				incrementalBytes >= MinBytesForUpdate {
				if err := WriteProgress(r.out, r.format(p), safeUint64(total), safeUint64(p.Complete), layerID); err != nil {
					r.err = err
				}
				lastUpdate = now
				lastComplete = p.Complete
			}
		}
		close(r.done)
	}()
	return r.progress
}

// Wait waits for the Reporter to drain and returns any write error.
func (r *Reporter) Wait() error {
	<-r.done
	return r.err
}

// WriteProgress writes a progress update message.
func WriteProgress(w io.Writer, msg string, total, current uint64, layerID string) error {
	return write(w, Message{
		Type:    "progress",
		Message: msg,
		Total:   total,
		Pulled:  current,
		Layer: Layer{
			ID:      layerID,
			Size:    total,
			Current: current,
		},
	})
}

// WriteSuccess writes a success message.
func WriteSuccess(w io.Writer, message string) error {
	return write(w, Message{
		Type:    "success",
		Message: message,
	})
}

// WriteError writes an error message.
func WriteError(w io.Writer, message string) error {
	return write(w, Message{
		Type:    "error",
		Message: message,
	})
}

func write(w io.Writer, msg Message) error {
	if w == nil {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}
