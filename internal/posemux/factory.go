package posemux

import (
	"go.bug.st/serial"
)

// NewSerialPoseMux creates a PoseMux instance backed by a tethered tracker
// rig on a serial port at the given path using the provided options.
func NewSerialPoseMux(path string, opts PortOptions) (*PoseMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}

	return NewPoseMux[serial.Port](port), nil
}
