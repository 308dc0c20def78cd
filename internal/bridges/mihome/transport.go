package mihome

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
)

// Gateway network defaults.
const (
	// DefaultMulticastAddr is where gateways broadcast reports and heartbeats.
	DefaultMulticastAddr = "224.0.0.50:9898"

	// DefaultPort is the gateway's unicast command port.
	DefaultPort = 9898

	// maxDatagramSize bounds a single gateway datagram.
	maxDatagramSize = 2048
)

// DatagramHandler receives each datagram read by the transport.
type DatagramHandler func(data []byte)

// TransportConfig configures the UDP transport.
type TransportConfig struct {
	// Conn is an optional pre-existing PacketConn to read from.
	// If nil, the transport joins MulticastAddr.
	Conn net.PacketConn

	// MulticastAddr is the group to join. Defaults to DefaultMulticastAddr.
	MulticastAddr string

	// Interface optionally selects the interface for the multicast join.
	Interface string

	// GatewayAddr is the unicast destination for writes ("host:port").
	GatewayAddr string

	// Handler is called for every received datagram. Required.
	Handler DatagramHandler

	// LoggerFactory creates the transport logger. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Transport reads gateway datagrams from the multicast group and sends
// unicast writes to the gateway.
//
// Thread Safety: All methods are safe for concurrent use.
type Transport struct {
	conn    net.PacketConn
	gateway *net.UDPAddr
	handler DatagramHandler
	log     logging.LeveledLogger
	closeCh chan struct{}
	wg      sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool
}

// NewTransport opens the receive socket. Call Start to begin reading.
func NewTransport(cfg TransportConfig) (*Transport, error) {
	if cfg.Handler == nil {
		return nil, errors.New("datagram handler is required")
	}

	t := &Transport{
		conn:    cfg.Conn,
		handler: cfg.Handler,
		closeCh: make(chan struct{}),
	}
	if cfg.LoggerFactory != nil {
		t.log = cfg.LoggerFactory.NewLogger("mihome-udp")
	}

	if cfg.GatewayAddr != "" {
		addr, err := net.ResolveUDPAddr("udp4", cfg.GatewayAddr)
		if err != nil {
			return nil, err
		}
		t.gateway = addr
	}

	if t.conn == nil {
		conn, err := listenMulticast(cfg.MulticastAddr, cfg.Interface)
		if err != nil {
			return nil, err
		}
		t.conn = conn
	}

	return t, nil
}

func listenMulticast(group, ifname string) (net.PacketConn, error) {
	if group == "" {
		group = DefaultMulticastAddr
	}
	addr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, err
	}
	var ifi *net.Interface
	if ifname != "" {
		ifi, err = net.InterfaceByName(ifname)
		if err != nil {
			return nil, err
		}
	}
	return net.ListenMulticastUDP("udp4", ifi, addr)
}

// Start begins the read loop.
func (t *Transport) Start() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrNotStarted
	}
	if t.started {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.started = true
	t.mu.Unlock()

	if t.log != nil {
		t.log.Infof("listening for gateway traffic on %s", t.conn.LocalAddr())
	}

	t.wg.Add(1)
	go t.readLoop()
	return nil
}

// Stop closes the socket and waits for the read loop to exit.
func (t *Transport) Stop() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if t.log != nil {
		t.log.Info("stopping gateway transport")
	}

	close(t.closeCh)
	_ = t.conn.SetReadDeadline(time.Now())
	err := t.conn.Close()
	t.wg.Wait()
	return err
}

// Send writes payload to the gateway's unicast address.
func (t *Transport) Send(payload []byte) error {
	t.mu.RLock()
	ready := t.started && !t.closed
	t.mu.RUnlock()
	if !ready {
		return ErrNotStarted
	}
	if t.gateway == nil {
		return errors.New("gateway address not configured")
	}

	if t.log != nil {
		t.log.Debugf("sending %d bytes to %v", len(payload), t.gateway)
	}
	if _, err := t.conn.WriteTo(payload, t.gateway); err != nil {
		if t.log != nil {
			t.log.Warnf("send failed: %v", err)
		}
		return err
	}
	return nil
}

// LocalAddr returns the address the transport is reading on.
func (t *Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

func (t *Transport) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.closeCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if t.log != nil {
				t.log.Warnf("read error: %v", err)
			}
			continue
		}
		if n == 0 {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		if t.log != nil {
			t.log.Tracef("received %d bytes from %v", n, addr)
		}
		t.handler(data)
	}
}
