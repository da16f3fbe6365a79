package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/haukened/dnscore/internal/dns/common/log"
)

// maxUDPMessage bounds received datagrams; EDNS payloads fit well within.
const maxUDPMessage = 4096

// UDPListener serves DNS over UDP (RFC 1035).
type UDPListener struct {
	addr   string
	conn   *net.UDPConn
	logger log.Logger

	mu      sync.Mutex
	running bool
}

// NewUDPListener creates a UDP listener bound to addr on Start.
func NewUDPListener(addr string, logger log.Logger) *UDPListener {
	return &UDPListener{addr: addr, logger: logger}
}

var _ Listener = (*UDPListener)(nil)

// Start binds the socket and begins the receive loop.
func (t *UDPListener) Start(ctx context.Context, handler Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return errors.New("udp listener already running")
	}
	udpAddr, err := net.ResolveUDPAddr("udp", t.addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", t.addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", t.addr, err)
	}
	t.conn = conn
	t.running = true
	t.logger.Info(map[string]any{"transport": "udp", "address": t.addr}, "Listening")
	go t.loop(ctx, handler)
	return nil
}

func (t *UDPListener) loop(ctx context.Context, handler Handler) {
	buf := make([]byte, maxUDPMessage)
	for {
		n, src, err := t.conn.ReadFromUDPAddrPort(buf)
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
			t.logger.Warn(map[string]any{"error": err.Error()}, "UDP read failed")
			continue
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])
		if reply := handler.Serve(raw, src, false); reply != nil {
			if _, err := t.conn.WriteToUDPAddrPort(reply, src); err != nil {
				t.logger.Warn(map[string]any{
					"error": err.Error(),
					"peer":  src.String(),
				}, "UDP write failed")
			}
		}
	}
}

// Stop closes the socket and ends the receive loop.
func (t *UDPListener) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil
	}
	t.running = false
	return t.conn.Close()
}

// Address returns the configured bind address.
func (t *UDPListener) Address() string {
	return t.addr
}

// Send emits a datagram to peer outside the request/reply path, used for
// NOTIFY fan-out and SOA polls.
func (t *UDPListener) Send(raw []byte, peer netip.AddrPort) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return errors.New("udp listener not running")
	}
	_, err := t.conn.WriteToUDPAddrPort(raw, peer)
	return err
}
