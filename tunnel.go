package ptadapter

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// TunnelSpec describes one local TCP listener that forwards connections
// through a ClientAdapter's transport to a fixed upstream destination,
// packing a fixed set of per-connection arguments on every connection.
// Grounded on console_script.py's run_client, which builds one such
// listener per "tunnel" section of its config file.
type TunnelSpec struct {
	ListenHost   string
	ListenPort   int
	Transport    string
	UpstreamHost string
	UpstreamPort int
	Args         *Args
}

// ClientTunnel runs a ClientAdapter plus a set of local TCP listeners,
// each forwarding accepted connections through one of the adapter's
// transports to a fixed upstream destination. This is the "listening
// client adapter" component: it supplements the library-level
// ClientAdapter with the standalone-tunnel behavior of the original
// console_script's run_client, so callers that just want a local
// plaintext-to-PT tunnel don't have to write their own accept loop.
type ClientTunnel struct {
	Adapter *ClientAdapter

	logger    Logger
	listeners []net.Listener
	specs     []TunnelSpec

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
}

// NewClientTunnel creates a ClientTunnel. transports is derived from
// specs automatically; proxy is passed through to NewClientAdapter.
func NewClientTunnel(ptExec []string, state string, specs []TunnelSpec, proxy string, logger Logger) (*ClientTunnel, error) {
	if logger == nil {
		logger = NopLogger
	}
	seen := make(map[string]bool)
	var transports []string
	for _, s := range specs {
		if !seen[s.Transport] {
			seen[s.Transport] = true
			transports = append(transports, s.Transport)
		}
	}
	adapter, err := NewClientAdapter(ptExec, state, transports, proxy, logger)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ClientTunnel{
		Adapter: adapter,
		logger:  logger,
		specs:   specs,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}, nil
}

// Start starts the PT process, waits for every transport to become ready,
// then opens every tunnel's local listener and begins accepting
// connections. If any listener fails to open, tunnels already opened are
// closed and the PT process is stopped before the error is returned.
func (t *ClientTunnel) Start(ctx context.Context) error {
	if err := t.Adapter.Start(ctx); err != nil {
		return err
	}
	for _, spec := range t.specs {
		ln, err := net.Listen("tcp", net.JoinHostPort(spec.ListenHost, fmt.Sprintf("%d", spec.ListenPort)))
		if err != nil {
			t.closeListeners()
			t.Adapter.Stop()
			return fmt.Errorf("ptadapter: opening tunnel listener on %s:%d: %w", spec.ListenHost, spec.ListenPort, err)
		}
		t.listeners = append(t.listeners, ln)
		go t.acceptLoop(ln, spec)
	}
	return nil
}

func (t *ClientTunnel) closeListeners() {
	for _, ln := range t.listeners {
		ln.Close()
	}
	t.listeners = nil
}

func (t *ClientTunnel) acceptLoop(ln net.Listener, spec TunnelSpec) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		t.wg.Add(1)
		go t.handleConn(conn, spec)
	}
}

// trackConn adds conn to the set Stop() force-closes. If the tunnel is
// already stopping, conn is closed immediately instead of tracked, so a
// connection accepted in the window right before Stop() doesn't leak past
// it.
func (t *ClientTunnel) trackConn(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		conn.Close()
		return
	}
	t.conns[conn] = struct{}{}
}

func (t *ClientTunnel) untrackConn(conn net.Conn) {
	t.mu.Lock()
	delete(t.conns, conn)
	t.mu.Unlock()
}

// handleConn opens the upstream transport connection and relays bytes
// between it and the accepted client connection. Grounded on
// console_script.py's handle_client_connection: on a PT-reported connect
// failure, the client connection is reset rather than closed gracefully.
// Both conn and the negotiated upstream connection are tracked for the
// duration of the call so Stop() can force-abort them.
func (t *ClientTunnel) handleConn(conn net.Conn, spec TunnelSpec) {
	defer t.wg.Done()
	t.trackConn(conn)
	defer t.untrackConn(conn)

	t.logger.Debugf("accepted connection for transport %s from %s", spec.Transport, conn.RemoteAddr())
	upstream, err := t.Adapter.OpenTransportConnection(t.ctx, spec.Transport, spec.UpstreamHost, spec.UpstreamPort, spec.Args)
	if err != nil {
		t.logger.Warnf("[%s] PT reported error connecting to upstream (%s:%d): %v", spec.Transport, spec.UpstreamHost, spec.UpstreamPort, err)
		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.SetLinger(0)
		}
		conn.Close()
		return
	}
	t.trackConn(upstream)
	defer t.untrackConn(upstream)

	t.logger.Infof("[%s] %s ==> (%s, %d)", spec.Transport, conn.RemoteAddr(), spec.UpstreamHost, spec.UpstreamPort)
	relay(conn, upstream)
}

// Stop closes every tunnel listener, cancels outstanding negotiations,
// force-closes every in-flight relay's sockets, and waits for their
// goroutines to finish before running the supervisor's shutdown ladder —
// so that once Stop() returns, every socket the tunnel owns is released.
func (t *ClientTunnel) Stop() error {
	t.closeListeners()

	t.mu.Lock()
	t.closed = true
	conns := make([]net.Conn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	t.cancel()
	for _, c := range conns {
		c.Close()
	}
	t.wg.Wait()

	return t.Adapter.Stop()
}

// Wait blocks until the underlying PT process exits on its own.
func (t *ClientTunnel) Wait() error { return t.Adapter.Wait() }

// ForwardingClientConnectedFunc returns a ClientConnectedFunc suitable for
// ExtServerAdapter that dials upstreamHost:upstreamPort for each accepted
// connection and relays bytes between the two, closing both ends when
// either side is done. Grounded on console_script.py's
// handle_ext_server_connection.
func ForwardingClientConnectedFunc(upstreamHost string, upstreamPort int, logger Logger) ClientConnectedFunc {
	if logger == nil {
		logger = NopLogger
	}
	return func(conn net.Conn, info ExtOrPortClientConnection) {
		logger.Infof("connection received from %+v", info)
		upstream, err := net.Dial("tcp", net.JoinHostPort(upstreamHost, fmt.Sprintf("%d", upstreamPort)))
		if err != nil {
			logger.Warnf("error while connecting to upstream: %v", err)
			conn.Close()
			return
		}
		relay(conn, upstream)
	}
}
