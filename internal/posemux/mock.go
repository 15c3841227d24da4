package posemux

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"
)

// MockPoseStream implements PoseStreamer for dev mode, replaying fixture
// bytes on a timer to simulate a live rig.
type MockPoseStream struct {
	io.Reader
	writeMu sync.Mutex
	written bytes.Buffer
	closer  io.Closer
}

func (m *MockPoseStream) Write(p []byte) (n int, err error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.written.Write(p)
}

func (m *MockPoseStream) Close() error {
	if m.closer != nil {
		return m.closer.Close()
	}
	return nil
}

// Commands returns everything written to the mock rig so far.
func (m *MockPoseStream) Commands() []byte {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return append([]byte(nil), m.written.Bytes()...)
}

// NewMockPoseMux creates a PoseMux backed by a mock stream that replays the
// given fixture lines at the given interval, looping forever.
func NewMockPoseMux(fixture []byte, interval time.Duration) *PoseMux[*MockPoseStream] {
	r, w := io.Pipe()

	mock := &MockPoseStream{Reader: r, closer: r}

	lines := bytes.Split(bytes.TrimSpace(fixture), []byte("\n"))
	go func() {
		defer w.Close()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		i := 0
		for range ticker.C {
			if _, err := w.Write(append(lines[i%len(lines)], '\n')); err != nil {
				return
			}
			i++
		}
	}()

	return NewPoseMux[*MockPoseStream](mock)
}

// TestablePoseStream implements PoseStreamer with configurable behaviour for
// testing: fine-grained control over reads, writes, and errors.
type TestablePoseStream struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the stream
	WriteBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// Closed indicates whether Close was called
	Closed bool

	// BlockReads causes Read to block until data is added or Close is called
	BlockReads bool

	readCond *sync.Cond
}

// NewTestablePoseStream creates a new TestablePoseStream for testing.
func NewTestablePoseStream() *TestablePoseStream {
	t := &TestablePoseStream{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	t.readCond = sync.NewCond(&t.mu)
	return t
}

// Read reads from the read buffer, optionally blocking until data arrives.
func (t *TestablePoseStream) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, errors.New("pose stream closed")
	}

	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}

	if t.BlockReads && t.ReadBuffer.Len() == 0 {
		for !t.Closed && t.ReadBuffer.Len() == 0 {
			t.readCond.Wait()
		}
		if t.Closed {
			return 0, errors.New("pose stream closed")
		}
	}

	return t.ReadBuffer.Read(p)
}

// Write writes to the write buffer, optionally returning a configured error.
func (t *TestablePoseStream) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, errors.New("pose stream closed")
	}

	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}

	return t.WriteBuffer.Write(p)
}

// Close marks the stream as closed and wakes any blocked readers.
func (t *TestablePoseStream) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast()
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestablePoseStream) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
	t.readCond.Signal()
}

// GetWrittenData returns all data written to the stream.
func (t *TestablePoseStream) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}
