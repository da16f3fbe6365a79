package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/haukened/dnscore/internal/dns/common/log"
)

// maxTCPMessage bounds a length-prefixed TCP message (the prefix itself
// caps at 64 KiB).
const maxTCPMessage = 1 << 16

// TCPListener serves DNS over TCP, which zone transfers require.
type TCPListener struct {
	addr     string
	listener *net.TCPListener
	logger   log.Logger

	mu      sync.Mutex
	running bool
}

// NewTCPListener creates a TCP listener bound to addr on Start.
func NewTCPListener(addr string, logger log.Logger) *TCPListener {
	return &TCPListener{addr: addr, logger: logger}
}

var _ Listener = (*TCPListener)(nil)

// Start binds the socket and begins accepting connections.
func (t *TCPListener) Start(ctx context.Context, handler Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return errors.New("tcp listener already running")
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", t.addr, err)
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", t.addr, err)
	}
	t.listener = ln
	t.running = true
	t.logger.Info(map[string]any{"transport": "tcp", "address": t.addr}, "Listening")
	go t.loop(ctx, handler)
	return nil
}

func (t *TCPListener) loop(ctx context.Context, handler Handler) {
	for {
		conn, err := t.listener.AcceptTCP()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			t.mu.Lock()
			running := t.running
			t.mu.Unlock()
			if !running {
				return
			}
			t.logger.Warn(map[string]any{"error": err.Error()}, "TCP accept failed")
			continue
		}
		go t.serveConn(conn, handler)
	}
}

// serveConn handles one connection: length-prefixed request in, reply
// out, then close.
func (t *TCPListener) serveConn(conn *net.TCPConn, handler Handler) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

	raw, err := readMessage(conn)
	if err != nil {
		t.logger.Debug(map[string]any{"error": err.Error()}, "TCP read failed")
		return
	}
	peer, ok := netip.AddrFromSlice(conn.RemoteAddr().(*net.TCPAddr).IP)
	if !ok {
		return
	}
	src := netip.AddrPortFrom(peer.Unmap(), uint16(conn.RemoteAddr().(*net.TCPAddr).Port))
	reply := handler.Serve(raw, src, true)
	if reply == nil {
		return
	}
	if err := writeMessage(conn, reply); err != nil {
		t.logger.Debug(map[string]any{"error": err.Error()}, "TCP write failed")
	}
}

func readMessage(r io.Reader) ([]byte, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint16(prefix[:])
	if size == 0 {
		return nil, errors.New("zero-length message")
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeMessage(w io.Writer, raw []byte) error {
	if len(raw) >= maxTCPMessage {
		return fmt.Errorf("message too large: %d bytes", len(raw))
	}
	var prefix [2]byte
	binary.BigEndian.PutUint16(prefix[:], uint16(len(raw)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(raw)
	return err
}

// Stop closes the listening socket.
func (t *TCPListener) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil
	}
	t.running = false
	return t.listener.Close()
}

// Address returns the configured bind address.
func (t *TCPListener) Address() string {
	return t.addr
}
