package posemux

import (
	"fmt"
	"net"
	"sync"
)

// UDPPoseStream adapts a UDP listener to the PoseStreamer interface for
// wireless tracker rigs. Each datagram carries one or more newline-delimited
// pose lines; Read hands the payloads to the mux scanner unchanged. Commands
// written to the stream are sent back to the most recently seen rig address.
type UDPPoseStream struct {
	conn *net.UDPConn

	mu   sync.Mutex
	peer *net.UDPAddr

	// residual holds the tail of a datagram that did not fit the Read buffer
	residual []byte
}

// NewUDPPoseStream opens a UDP listener on the given address
// (e.g. ":8070") and wraps it as a pose stream.
func NewUDPPoseStream(listenAddr string) (*UDPPoseStream, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP listen address %q: %w", listenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %q: %w", listenAddr, err)
	}
	return &UDPPoseStream{conn: conn}, nil
}

// NewUDPPoseMux opens a UDP listener and returns a PoseMux fronting it.
func NewUDPPoseMux(listenAddr string) (*PoseMux[*UDPPoseStream], error) {
	stream, err := NewUDPPoseStream(listenAddr)
	if err != nil {
		return nil, err
	}
	return NewPoseMux[*UDPPoseStream](stream), nil
}

// Read returns the next datagram payload (or residual bytes from the
// previous one). It blocks until a packet arrives or the listener closes.
func (u *UDPPoseStream) Read(p []byte) (int, error) {
	u.mu.Lock()
	if len(u.residual) > 0 {
		n := copy(p, u.residual)
		u.residual = u.residual[n:]
		u.mu.Unlock()
		return n, nil
	}
	u.mu.Unlock()

	buf := make([]byte, 65536)
	n, peer, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		return 0, err
	}

	u.mu.Lock()
	u.peer = peer
	copied := copy(p, buf[:n])
	if copied < n {
		u.residual = append(u.residual[:0], buf[copied:n]...)
	}
	u.mu.Unlock()
	return copied, nil
}

// Write sends a command datagram back to the last-seen rig address. Commands
// sent before any pose packet has arrived are dropped, since the rig address
// is not yet known.
func (u *UDPPoseStream) Write(p []byte) (int, error) {
	u.mu.Lock()
	peer := u.peer
	u.mu.Unlock()
	if peer == nil {
		// pretend success: the rig re-announces itself on every packet and
		// the caller retries commands via Initialize on reconnect
		return len(p), nil
	}
	return u.conn.WriteToUDP(p, peer)
}

// Close closes the underlying UDP listener.
func (u *UDPPoseStream) Close() error {
	return u.conn.Close()
}
