package ptadapter

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
)

// ClientTransportInfo describes an initialized client transport method:
// the SOCKS scheme and address the PT is listening on. Grounded on
// adapters.py's ClientTransport NamedTuple.
type ClientTransportInfo struct {
	Scheme string // "socks4" or "socks5"
	Host   string
	Port   int
}

// ClientAdapter runs a pluggable transport as a client, launching it as a
// child process, and provides connection-making through each of its
// client transports. Grounded on adapters.py's ClientAdapter.
type ClientAdapter struct {
	sup *supervisor

	mu         sync.Mutex
	transports map[string]*transportSlot

	proxy            string
	cleanupState     func()
}

// NewClientAdapter creates a client adapter for the given PT command line.
// transports lists the client transport names to request; proxy, if
// non-empty, is passed to the PT as TOR_PT_PROXY in
// "<scheme>://[user[:pass]@]host:port" form. state is the PT's state
// directory; an empty string requests a freshly created temporary
// directory, removed when the adapter stops.
func NewClientAdapter(ptExec []string, state string, transports []string, proxy string, logger Logger) (*ClientAdapter, error) {
	a := &ClientAdapter{
		transports: make(map[string]*transportSlot, len(transports)),
		proxy:      proxy,
	}
	for _, t := range transports {
		if err := validateTransportName(t); err != nil {
			return nil, err
		}
		a.transports[t] = newTransportSlot()
	}
	a.sup = newSupervisor(ptExec, state, true, logger)
	a.sup.handleLine = a.handleLine
	return a, nil
}

// State returns the adapter's current lifecycle state.
func (a *ClientAdapter) State() AdapterState { return a.sup.getState() }

// Start launches the PT process and blocks until every requested
// transport has finished initializing (or a fatal protocol error occurs).
func (a *ClientAdapter) Start(ctx context.Context) error {
	stateDir, cleanup, err := ensureStateDir("ptadapter_state_", a.sup.state)
	if err != nil {
		return err
	}
	a.sup.state = stateDir
	a.cleanupState = cleanup

	names := make([]string, 0, len(a.transports))
	for name := range a.transports {
		names = append(names, name)
	}
	env := a.sup.baseEnv()
	env = append(env, "TOR_PT_CLIENT_TRANSPORTS="+strings.Join(names, ","))
	if a.proxy != "" {
		env = append(env, "TOR_PT_PROXY="+a.proxy)
	}
	return a.sup.start(ctx, env)
}

// Stop shuts the PT process down via the linear close/terminate/kill
// ladder, and removes the temporary state directory if one was created.
func (a *ClientAdapter) Stop() error {
	err := a.sup.stop()
	if a.cleanupState != nil {
		a.cleanupState()
	}
	return err
}

// Wait blocks until the PT process exits on its own.
func (a *ClientAdapter) Wait() error { return a.sup.wait() }

// handleLine dispatches one managed-proxy stdout line for the client
// role, per pt-spec section 3.3.2. Grounded on adapters.py's
// ClientAdapter._process_stdout_line.
func (a *ClientAdapter) handleLine(kw, optargs string) error {
	switch kw {
	case "PROXY-ERROR":
		return &ProtocolError{Keyword: kw, Message: optargs}
	case "PROXY":
		if optargs != "DONE" {
			return &ProtocolError{Keyword: kw, Message: "expected DONE, got " + optargs}
		}
		a.sup.logger.Debugf("PT upstream proxy accepted")
		return nil
	case "CMETHOD-ERROR":
		transport, message := splitKeyword(optargs)
		if slot, ok := a.transports[transport]; ok {
			slot.resolveFailed(&TransportError{Transport: transport, Reason: message})
		}
		return nil
	case "CMETHOD":
		parts := strings.SplitN(optargs, " ", 3)
		if len(parts) != 3 {
			return &ProtocolError{Keyword: kw, Message: "malformed CMETHOD line: " + optargs}
		}
		transport, scheme, hostport := parts[0], parts[1], parts[2]
		host, port, err := parseHostPort(hostport)
		if err != nil {
			return &ProtocolError{Keyword: kw, Message: err.Error()}
		}
		if slot, ok := a.transports[transport]; ok {
			slot.resolveReady(&ClientTransportInfo{Scheme: scheme, Host: host, Port: port})
		}
		return nil
	case "CMETHODS":
		if optargs != "DONE" {
			return &ProtocolError{Keyword: kw, Message: "expected DONE, got " + optargs}
		}
		for name, slot := range a.transports {
			slot.resolveIgnored(&TransportError{Transport: name, Reason: "PT ignored transport"})
		}
		a.sup.markReady()
		return nil
	case "VERSION-ERROR":
		return &ProtocolError{Keyword: kw, Message: optargs}
	case "VERSION":
		a.sup.logger.Debugf("PT accepted version %q", optargs)
		return nil
	case "ENV-ERROR":
		return &ProtocolError{Keyword: kw, Message: optargs}
	default:
		a.sup.logger.Infof("PT stdout unknown keyword %q, optargs %q", kw, optargs)
		return nil
	}
}

// GetTransport looks up an initialized client transport. It does not
// block: a transport that has not reached a terminal state yet yields a
// StateError.
func (a *ClientAdapter) GetTransport(transport string) (*ClientTransportInfo, error) {
	slot, ok := a.transports[transport]
	if !ok {
		return nil, fmt.Errorf("ptadapter: unknown client transport %q", transport)
	}
	if err := a.sup.checkRunning("get_transport(" + transport + ")"); err != nil {
		return nil, err
	}
	v, err := slot.result(transport)
	if err != nil {
		return nil, err
	}
	return v.(*ClientTransportInfo), nil
}

// OpenTransportConnection dials transport's SOCKS listener and negotiates
// a connection to host:port, packing args into the PT-specific
// per-connection argument channel. Grounded on adapters.py's
// open_transport_connection.
func (a *ClientAdapter) OpenTransportConnection(ctx context.Context, transport, host string, port int, args *Args) (net.Conn, error) {
	info, err := a.GetTransport(transport)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(info.Host, strconv.Itoa(info.Port)))
	if err != nil {
		return nil, err
	}

	// Negotiation below is plain blocking I/O, unlike the dial above; abort
	// it the same way if ctx is cancelled while it's in flight.
	negotiationDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-negotiationDone:
		}
	}()

	switch info.Scheme {
	case "socks5":
		err = negotiateSOCKS5(conn, host, port, args)
	case "socks4":
		err = negotiateSOCKS4(conn, host, port, args)
	default:
		err = fmt.Errorf("ptadapter: transport %q: invalid scheme %q", transport, info.Scheme)
	}
	close(negotiationDone)
	if ce, ok := err.(*ConnectError); ok {
		ce.Transport = transport
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}
