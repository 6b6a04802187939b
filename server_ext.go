package ptadapter

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// PreconnectFunc is called after ExtOrPort authentication and the
// USERADDR/TRANSPORT handshake, before ClientConnectedFunc, and may reject
// the connection by returning false. A nil PreconnectFunc accepts every
// connection. Grounded on adapters.py's preconnect_cb.
type PreconnectFunc func(info ExtOrPortClientConnection) bool

// ClientConnectedFunc handles one accepted, authenticated ExtOrPort
// connection. conn is already past the OKAY reply and ready to carry the
// plaintext stream the PT de-obfuscated. The callback owns conn and is
// responsible for closing it. Grounded on adapters.py's
// client_connected_cb.
type ClientConnectedFunc func(conn net.Conn, info ExtOrPortClientConnection)

// ExtServerAdapter runs a pluggable transport as a server using the
// ExtOrPort protocol: instead of forwarding de-obfuscated traffic to a
// fixed address, the PT connects back to a local listener the adapter
// runs, authenticates with SafeCookie, and reports per-connection client
// information. Grounded on adapters.py's ExtServerAdapter.
type ExtServerAdapter struct {
	*baseServerAdapter

	clientConnected ClientConnectedFunc
	preconnect      PreconnectFunc

	authCookieFile string
	extHost        string
	extPort        int

	authenticator *safeCookieAuthenticator
	listener       net.Listener
	cleanupCookie  func()

	acceptDone chan struct{}
}

// NewExtServerAdapter creates an ExtOrPort-based server adapter.
// clientConnectedCb is required; preconnectCb may be nil to accept every
// connection. authCookieFile, if empty, uses a freshly created temporary
// file removed when the adapter stops. extHost/extPort configure the
// local ExtOrPort listener; extPort 0 picks an ephemeral port, looked up
// afterward via ExtOrPortAddr.
func NewExtServerAdapter(
	ptExec []string,
	state string,
	clientConnectedCb ClientConnectedFunc,
	preconnectCb PreconnectFunc,
	authCookieFile string,
	extHost string,
	extPort int,
	logger Logger,
) *ExtServerAdapter {
	if extHost == "" {
		extHost = "localhost"
	}
	a := &ExtServerAdapter{
		baseServerAdapter: newBaseServerAdapter(ptExec, state, true, logger),
		clientConnected:   clientConnectedCb,
		preconnect:        preconnectCb,
		authCookieFile:    authCookieFile,
		extHost:           extHost,
		extPort:           extPort,
	}
	a.sup.handleLine = a.handleLine
	return a
}

// State returns the adapter's current lifecycle state.
func (a *ExtServerAdapter) State() AdapterState { return a.sup.getState() }

// ExtOrPortAddr returns the address the local ExtOrPort listener is bound
// to, valid once Start has returned successfully.
func (a *ExtServerAdapter) ExtOrPortAddr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Start creates the cookie file, opens the local ExtOrPort listener,
// launches the accept loop, then starts the PT process and blocks until
// every registered transport has finished initializing. Grounded on
// adapters.py's ExtServerAdapter._pre_start plus _build_env.
func (a *ExtServerAdapter) Start(ctx context.Context) error {
	stateDir, cleanupState, err := ensureStateDir("ptadapter_state_", a.sup.state)
	if err != nil {
		return err
	}
	a.sup.state = stateDir
	a.cleanupState = cleanupState

	a.authenticator, err = newSafeCookieAuthenticator()
	if err != nil {
		return err
	}

	if a.authCookieFile == "" {
		dir, err := os.MkdirTemp("", "ptadapter_authcookie_")
		if err != nil {
			return fmt.Errorf("ptadapter: creating temporary cookie directory: %w", err)
		}
		a.authCookieFile = filepath.Join(dir, extOrPortCookieFilename)
		a.cleanupCookie = func() { os.RemoveAll(dir) }
	}
	if err := a.authenticator.writeCookieFile(a.authCookieFile); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(a.extHost, fmt.Sprintf("%d", a.extPort)))
	if err != nil {
		return fmt.Errorf("ptadapter: opening ExtOrPort listener: %w", err)
	}
	a.listener = ln
	a.acceptDone = make(chan struct{})
	go a.acceptLoop()

	env := a.buildServerEnv()
	env = append(env, "TOR_PT_EXTENDED_SERVER_PORT="+ln.Addr().String())
	env = append(env, "TOR_PT_AUTH_COOKIE_FILE="+a.authCookieFile)
	return a.sup.start(ctx, env)
}

// acceptLoop accepts incoming ExtOrPort connections from the PT and
// handles each on its own goroutine, until the listener is closed.
func (a *ExtServerAdapter) acceptLoop() {
	defer close(a.acceptDone)
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return
		}
		go a.handleConn(conn)
	}
}

// handleConn authenticates one ExtOrPort connection, reads the
// USERADDR/TRANSPORT/DONE handshake, consults PreconnectFunc, replies
// OKAY or DENY, and on acceptance hands the connection to
// ClientConnectedFunc. Grounded on adapters.py's _ext_or_port_handler.
func (a *ExtServerAdapter) handleConn(conn net.Conn) {
	r := bufio.NewReader(conn)
	ok, err := a.authenticator.authenticate(r, conn)
	if err != nil {
		a.sup.logger.Warnf("error during ExtOrPort SafeCookie authentication: %v", err)
		conn.Close()
		return
	}
	if !ok {
		a.sup.logger.Warnf("ExtOrPort SafeCookie authentication failed")
		conn.Close()
		return
	}

	info, err := readExtOrPortHandshake(r, a.sup.logger)
	if err != nil {
		a.sup.logger.Warnf("error reading ExtOrPort handshake: %v", err)
		conn.Close()
		return
	}

	accept := true
	if a.preconnect != nil {
		accept = a.preconnect(info)
	}
	if !accept {
		writeExtMsg(conn, extOrPortCmdDeny, nil)
		conn.Close()
		return
	}
	if err := writeExtMsg(conn, extOrPortCmdOkay, nil); err != nil {
		conn.Close()
		return
	}

	a.clientConnected(conn, info)
}

// Stop shuts the PT process down, closes the ExtOrPort listener, and
// removes any temporary state/cookie directories created by Start.
func (a *ExtServerAdapter) Stop() error {
	err := a.sup.stop()
	if a.listener != nil {
		a.listener.Close()
		<-a.acceptDone
	}
	if a.cleanupCookie != nil {
		a.cleanupCookie()
	}
	if a.cleanupState != nil {
		a.cleanupState()
	}
	return err
}

// Wait blocks until the PT process exits on its own.
func (a *ExtServerAdapter) Wait() error { return a.sup.wait() }
