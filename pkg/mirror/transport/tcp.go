package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/korrel/mirrorfs/pkg/mirror/logging"
	"github.com/korrel/mirrorfs/pkg/mirror/types"
	"github.com/korrel/mirrorfs/pkg/mirror/wire"
)

// ErrConnectionRefused is returned by Send when the peer is unreachable.
var ErrConnectionRefused = errors.New("transport: connection refused")

// DialTimeout bounds how long a single outbound Send may block before
// giving up, so a stuck peer only delays that one send attempt (spec §5).
var DialTimeout = 2 * time.Second

// TCPTransport is the Transport implementation used in production: a
// passive listener accepting inbound connections, and short-lived
// outbound dials for sends.
type TCPTransport struct {
	log      logging.Logger
	local    types.Address
	listener net.Listener

	inbound chan types.Message

	mu     sync.Mutex
	closed bool
}

// NewTCPTransport binds a passive endpoint at addr and starts accepting
// inbound connections in the background.
func NewTCPTransport(addr types.Address, log logging.Logger) (*TCPTransport, error) {
	if log == nil {
		log = logging.NewDefaultLogger()
	}
	ln, err := net.Listen("tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("transport: bind %s: %w", addr, err)
	}

	local := addr
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok && addr.Port == 0 {
		local = types.Address{IP: addr.IP, Port: tcpAddr.Port}
	}

	t := &TCPTransport{
		log:      log.WithField("component", "transport"),
		local:    local,
		listener: ln,
		inbound:  make(chan types.Message, 256),
	}
	go t.acceptLoop()
	return t, nil
}

func (t *TCPTransport) LocalAddress() types.Address { return t.local }

func (t *TCPTransport) Inbound() <-chan types.Message { return t.inbound }

// Poll is a no-op: the accept loop already delivers decoded messages to
// Inbound asynchronously. Kept so node loops can call it unconditionally
// regardless of which Transport implementation they were given.
func (t *TCPTransport) Poll() {}

func (t *TCPTransport) Send(to types.Address, message types.Message) error {
	message.AddMeta("sendreceive", map[string]any{"origin": types.EncodeAddress(t.local)})

	conn, err := net.DialTimeout("tcp", to.String(), DialTimeout)
	if err != nil {
		if isRefused(err) {
			return fmt.Errorf("%w: %s", ErrConnectionRefused, to)
		}
		return fmt.Errorf("transport: dial %s: %w", to, err)
	}
	defer conn.Close()

	encoded, err := wire.EncodeMessage(message)
	if err != nil {
		return fmt.Errorf("transport: encode message for %s: %w", to, err)
	}
	if _, err := conn.Write(encoded); err != nil {
		return fmt.Errorf("transport: send to %s: %w", to, err)
	}
	return nil
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	err := t.listener.Close()
	close(t.inbound)
	return err
}

func (t *TCPTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return
			}
			t.log.Warnf("accept failed: %v", err)
			return
		}
		go t.serve(conn)
	}
}

// serve decodes every complete message arriving on conn until the
// connection closes, handing each to Inbound. A message that is not yet
// complete when the connection closes mid-frame is discarded, per spec's
// framing failure semantics.
func (t *TCPTransport) serve(conn net.Conn) {
	defer conn.Close()
	for {
		msg, err := wire.DecodeMessage(conn)
		if err != nil {
			return
		}
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}
		select {
		case t.inbound <- msg:
		default:
			t.log.Warnf("inbound queue full, dropping message from %s", conn.RemoteAddr())
		}
	}
}

func isRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}
