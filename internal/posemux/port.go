package posemux

import (
	"io"
	"time"
)

// PoseStreamer defines the minimal interface needed for a tracker stream.
// This abstraction enables unit testing without real tracker hardware.
type PoseStreamer interface {
	io.ReadWriter
	io.Closer
}

// TimeoutPoseStreamer extends PoseStreamer with timeout capabilities.
// This is an optional interface that tracker streams may implement.
type TimeoutPoseStreamer interface {
	PoseStreamer
	// SetReadTimeout sets the read timeout for the stream.
	SetReadTimeout(timeout time.Duration) error
}
