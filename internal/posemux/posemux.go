// Package posemux provides an abstraction over a pose tracker stream with the
// ability for multiple clients to subscribe to pose lines from the device and
// send commands back to it. The same mux fronts a tethered serial rig, a
// wireless UDP rig, or a mock fixture source in dev mode.
package posemux

import (
	"bufio"
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"
)

var ErrWriteFailed = fmt.Errorf("failed to write to pose tracker")

// PoseMux is a generic pose stream multiplexer that allows multiple clients
// to subscribe to lines from a single tracker device.
type PoseMux[T PoseStreamer] struct {
	stream       T
	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      bool
	closingMu    sync.Mutex
}

// PoseMuxInterface defines the interface for the PoseMux type.
type PoseMuxInterface interface {
	// Subscribe creates a new channel for receiving line events from the
	// tracker. The channel ID identifies the unique channel when
	// unsubscribing.
	Subscribe() (string, chan string)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// SendCommand writes the provided command to the tracker device.
	SendCommand(string) error
	// Monitor reads lines from the tracker and fans them out to
	// subscribers.
	Monitor(context.Context) error
	// Close closes all subscribed channels and the underlying stream.
	Close() error

	Initialize() error

	// AttachAdminRoutes attaches admin debugging endpoints to the given
	// HTTP mux served at /debug/. These routes are accessible only over
	// localhost/via Tailscale and are not publicly accessible.
	AttachAdminRoutes(*http.ServeMux)
}

// NewPoseMux creates a PoseMux instance backed by the given stream.
func NewPoseMux[T PoseStreamer](stream T) *PoseMux[T] {
	return &PoseMux[T]{
		stream:      stream,
		subscribers: make(map[string]chan string),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (m *PoseMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string)
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	m.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the pose mux.
func (m *PoseMux[T]) Unsubscribe(id string) {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	if ch, ok := m.subscribers[id]; ok {
		close(ch)
		delete(m.subscribers, id)
	}
}

// Initialize syncs the clock to the tracker and sets the streaming modes the
// parser expects.
func (m *PoseMux[T]) Initialize() error {
	// sync the rig clock to the current UNIX time
	command := fmt.Sprintf("C=%d", time.Now().Unix())
	if err := m.SendCommand(command); err != nil {
		return fmt.Errorf("failed to synchronize clock: %w", err)
	}

	for _, command := range []string{
		"AX",   // reset to factory defaults
		"OC",   // set output format to CSV pose lines
		"OH",   // enable head tracker channel
		"OL",   // enable left controller channel
		"OR",   // enable right controller channel
		"OT",   // enable per-sample device timestamps
		"R=90", // set sample rate to 90Hz
	} {
		if err := m.SendCommand(command); err != nil {
			return fmt.Errorf("failed to send start command %q: %w", command, err)
		}
	}

	return nil
}

// SendCommand sends a command to the tracker device.
func (m *PoseMux[T]) SendCommand(command string) error {
	m.commandMu.Lock()
	defer m.commandMu.Unlock()
	if !bytes.HasSuffix([]byte(command), []byte("\n")) {
		command += "\n" // ensure command ends with a newline
	}
	n, err := m.stream.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor monitors the pose stream for lines and sends them to subscribers
func (m *PoseMux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(m.stream)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// read from the stream in a goroutine so the blocking scan.Scan does not
	// interfere with the outer loop awaiting lines & context cancellation
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			// if the channel is closed, we're done reading from the stream
			if !ok {
				if err := scan.Err(); err != nil {
					return err
				}
				return nil
			}
			m.closingMu.Lock()
			if m.closing {
				m.closingMu.Unlock()
				return nil
			}
			m.closingMu.Unlock()

			m.subscriberMu.Lock()
			for _, ch := range m.subscribers {
				select {
				case ch <- line:
				default:
					// if the channel is full/blocking skip so as not to block the outer loop
				}
			}
			m.subscriberMu.Unlock()
		}
	}
}

func (m *PoseMux[T]) Close() error {
	m.closingMu.Lock()
	m.closing = true
	m.closingMu.Unlock()

	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	for id, ch := range m.subscribers {
		close(ch)
		delete(m.subscribers, id)
	}
	return m.stream.Close()
}
