package posemux

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rehab-data/posture.report/internal/posture"
)

// DeviceEvent is a JSON status line emitted by the tracker rig alongside the
// CSV pose stream (clock sync acknowledgements and the like).
type DeviceEvent struct {
	Clock   float64 `json:"clock"`
	Battery float64 `json:"battery,omitempty"`
}

// IsDeviceEvent reports whether the payload is a JSON status line rather
// than a CSV pose line.
func IsDeviceEvent(payload string) bool {
	return strings.HasPrefix(payload, "{")
}

// ParseDeviceEvent decodes a JSON status line.
func ParseDeviceEvent(payload string) (DeviceEvent, error) {
	var e DeviceEvent
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return e, fmt.Errorf("failed to unmarshal device event: %w", err)
	}
	return e, nil
}

// ParsePoseLine parses one CSV pose line into a PoseSample. The wire format
// is
//
//	timestamp,head_y,lx,ly,lz,rx,ry,rz
//
// with all values in seconds/meters.
func ParsePoseLine(payload string) (posture.PoseSample, error) {
	var sample posture.PoseSample

	segments := strings.Split(strings.TrimSpace(payload), ",")
	if len(segments) != 8 {
		return sample, fmt.Errorf("invalid pose line %q: expected 8 segments, got %d", payload, len(segments))
	}

	values := make([]float64, len(segments))
	for i, seg := range segments {
		v, err := strconv.ParseFloat(strings.TrimSpace(seg), 64)
		if err != nil {
			return sample, fmt.Errorf("failed to parse pose field %d of %q: %w", i, payload, err)
		}
		values[i] = v
	}

	sample.Timestamp = values[0]
	sample.HeadHeight = values[1]
	sample.LeftController = posture.Vec3{X: values[2], Y: values[3], Z: values[4]}
	sample.RightController = posture.Vec3{X: values[5], Y: values[6], Z: values[7]}
	return sample, nil
}

// FormatPoseLine renders a sample in the wire format. Used by the synthetic
// log generator and by tests.
func FormatPoseLine(s posture.PoseSample) string {
	return fmt.Sprintf("%.4f,%.4f,%.4f,%.4f,%.4f,%.4f,%.4f,%.4f",
		s.Timestamp, s.HeadHeight,
		s.LeftController.X, s.LeftController.Y, s.LeftController.Z,
		s.RightController.X, s.RightController.Y, s.RightController.Z)
}
