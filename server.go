package ptadapter

import (
	"context"
	"fmt"
	"strings"
)

// ServerTransportOptions describes the listening address and per-PT
// options configured for one server transport, before the PT has
// initialized it. Grounded on adapters.py's ServerTransportOptions.
type ServerTransportOptions struct {
	Host    string // empty means "let the PT choose"
	Port    int
	Options *Args
}

// ServerTransportInfo describes an initialized server transport: the
// address the PT is listening on for obfuscated client connections, plus
// the raw options field the PT reported (parse with ParseArgs).
// Grounded on adapters.py's ServerTransport NamedTuple.
type ServerTransportInfo struct {
	Host    string
	Port    int
	Options string
}

// ParseArgs parses the "ARGS:key=value,..." form of the options field, per
// pt-spec section 3.3.3. It returns an empty map if Options is empty or
// does not start with "ARGS:".
func (t *ServerTransportInfo) ParseArgs() (map[string]string, error) {
	if !strings.HasPrefix(t.Options, "ARGS:") {
		return map[string]string{}, nil
	}
	return parseSMethodArgs(t.Options[len("ARGS:"):])
}

// baseServerAdapter holds the transport bookkeeping shared between
// ServerAdapter and ExtServerAdapter. Grounded on adapters.py's
// _BaseServerAdapter.
type baseServerAdapter struct {
	sup *supervisor

	transportOpts map[string]*ServerTransportOptions
	transports    map[string]*transportSlot

	cleanupState func()
}

func newBaseServerAdapter(ptExec []string, state string, exitOnStdinClose bool, logger Logger) *baseServerAdapter {
	b := &baseServerAdapter{
		transportOpts: make(map[string]*ServerTransportOptions),
		transports:    make(map[string]*transportSlot),
	}
	b.sup = newSupervisor(ptExec, state, exitOnStdinClose, logger)
	return b
}

// AddTransport registers a server transport before the adapter starts.
// host and port must be either both empty/zero, letting the PT choose an
// address, or both set. Calling this again with the same name overwrites
// the previous entry. Grounded on adapters.py's add_transport.
func (b *baseServerAdapter) AddTransport(transport, host string, port int, options *Args) error {
	if err := b.sup.checkNotStarted("add_transport(" + transport + ")"); err != nil {
		return err
	}
	if err := validateTransportName(transport); err != nil {
		return err
	}
	if (host == "") != (port == 0) {
		return fmt.Errorf("ptadapter: transport %q: host and port must be specified together", transport)
	}
	b.transportOpts[transport] = &ServerTransportOptions{Host: host, Port: port, Options: options}
	return nil
}

// buildServerEnv assembles TOR_PT_SERVER_TRANSPORTS,
// TOR_PT_SERVER_TRANSPORT_OPTIONS and TOR_PT_SERVER_BINDADDR, per pt-spec
// section 3.2.3. Grounded on adapters.py's _BaseServerAdapter._build_env;
// unlike the original, the per-transport options loop iterates Args pairs
// directly instead of a dict, avoiding the original's iteration-order bug
// (`for key, value in topts.options:` iterates dict keys, not pairs).
func (b *baseServerAdapter) buildServerEnv() []string {
	env := b.sup.baseEnv()

	var names []string
	var addrs []string
	var opts []string

	for name := range b.transportOpts {
		names = append(names, name)
	}
	for _, name := range names {
		topts := b.transportOpts[name]
		b.transports[name] = newTransportSlot()
		if topts.Host != "" {
			addrs = append(addrs, fmt.Sprintf("%s-%s", name, joinHostPort(topts.Host, topts.Port)))
		}
		if topts.Options != nil {
			for i := 0; i < topts.Options.Len(); i++ {
				key := escapeServerOptions(topts.Options.keys[i])
				value := escapeServerOptions(topts.Options.values[i])
				opts = append(opts, fmt.Sprintf("%s:%s=%s", name, key, value))
			}
		}
	}

	env = append(env, "TOR_PT_SERVER_TRANSPORTS="+strings.Join(names, ","))
	env = append(env, "TOR_PT_SERVER_TRANSPORT_OPTIONS="+strings.Join(opts, ";"))
	env = append(env, "TOR_PT_SERVER_BINDADDR="+strings.Join(addrs, ","))
	return env
}

// handleLine dispatches one managed-proxy stdout line for the server
// role, per pt-spec section 3.3.3. Grounded on adapters.py's
// _BaseServerAdapter._process_stdout_line.
func (b *baseServerAdapter) handleLine(kw, optargs string) error {
	switch kw {
	case "SMETHOD-ERROR":
		transport, message := splitKeyword(optargs)
		if slot, ok := b.transports[transport]; ok {
			slot.resolveFailed(&TransportError{Transport: transport, Reason: message})
		}
		return nil
	case "SMETHOD":
		parts := strings.SplitN(optargs, " ", 3)
		if len(parts) < 2 {
			return &ProtocolError{Keyword: kw, Message: "malformed SMETHOD line: " + optargs}
		}
		transport, addrport := parts[0], parts[1]
		var options string
		if len(parts) == 3 {
			options = parts[2]
		}
		host, port, err := parseHostPort(addrport)
		if err != nil {
			return &ProtocolError{Keyword: kw, Message: err.Error()}
		}
		if slot, ok := b.transports[transport]; ok {
			slot.resolveReady(&ServerTransportInfo{Host: host, Port: port, Options: options})
		}
		return nil
	case "SMETHODS":
		if optargs != "DONE" {
			return &ProtocolError{Keyword: kw, Message: "expected DONE, got " + optargs}
		}
		for name, slot := range b.transports {
			slot.resolveIgnored(&TransportError{Transport: name, Reason: "PT ignored transport"})
		}
		b.sup.markReady()
		return nil
	case "VERSION-ERROR":
		return &ProtocolError{Keyword: kw, Message: optargs}
	case "VERSION":
		b.sup.logger.Debugf("PT accepted version %q", optargs)
		return nil
	case "ENV-ERROR":
		return &ProtocolError{Keyword: kw, Message: optargs}
	default:
		b.sup.logger.Infof("PT stdout unknown keyword %q, optargs %q", kw, optargs)
		return nil
	}
}

// GetTransport looks up an initialized server transport.
func (b *baseServerAdapter) GetTransport(transport string) (*ServerTransportInfo, error) {
	slot, ok := b.transports[transport]
	if !ok {
		return nil, fmt.Errorf("ptadapter: unknown server transport %q", transport)
	}
	if err := b.sup.checkRunning("get_transport(" + transport + ")"); err != nil {
		return nil, err
	}
	v, err := slot.result(transport)
	if err != nil {
		return nil, err
	}
	return v.(*ServerTransportInfo), nil
}

// ServerAdapter runs a pluggable transport as a plain server, forwarding
// de-obfuscated traffic directly to forwardHost:forwardPort. Grounded on
// adapters.py's ServerAdapter.
type ServerAdapter struct {
	*baseServerAdapter
	forwardHost string
	forwardPort int
}

// NewServerAdapter creates a plain server adapter. forwardHost/forwardPort
// is where the PT should forward de-obfuscated traffic (normally a local
// Tor ORPort).
func NewServerAdapter(ptExec []string, state string, forwardHost string, forwardPort int, logger Logger) *ServerAdapter {
	a := &ServerAdapter{
		baseServerAdapter: newBaseServerAdapter(ptExec, state, true, logger),
		forwardHost:       forwardHost,
		forwardPort:       forwardPort,
	}
	a.sup.handleLine = a.handleLine
	return a
}

// State returns the adapter's current lifecycle state.
func (a *ServerAdapter) State() AdapterState { return a.sup.getState() }

// Start launches the PT process and blocks until every registered
// transport has finished initializing.
func (a *ServerAdapter) Start(ctx context.Context) error {
	stateDir, cleanup, err := ensureStateDir("ptadapter_state_", a.sup.state)
	if err != nil {
		return err
	}
	a.sup.state = stateDir
	a.cleanupState = cleanup

	env := a.buildServerEnv()
	env = append(env, "TOR_PT_ORPORT="+joinHostPort(a.forwardHost, a.forwardPort))
	// pt-spec section 3.2.3: a parent that doesn't support ExtORPort must
	// set this to an empty string rather than omit it.
	env = append(env, "TOR_PT_EXTENDED_SERVER_PORT=")
	return a.sup.start(ctx, env)
}

// Stop shuts the PT process down and removes any temporary state
// directory created by Start.
func (a *ServerAdapter) Stop() error {
	err := a.sup.stop()
	if a.cleanupState != nil {
		a.cleanupState()
	}
	return err
}

// Wait blocks until the PT process exits on its own.
func (a *ServerAdapter) Wait() error { return a.sup.wait() }
