// Package ptadapter embeds a Tor pluggable transport binary as a managed
// child process and exposes it as a plain TCP tunnel.
//
// A pluggable transport (PT) is an external program that obfuscates a TCP
// stream to evade traffic analysis. This package supervises a PT child
// process, speaks the PT managed-proxy protocol on its stdout, and drives
// one of three roles:
//
//   - ClientAdapter: the PT runs as client. It opens a local SOCKS4/5 port
//     per transport; ClientAdapter dials that port and performs the
//     PT-specific SOCKS handshake (including per-connection argument
//     packing) on each call to OpenTransportConnection.
//   - ServerAdapter: the PT runs as server, forwarding deobfuscated traffic
//     directly to a plaintext ORPort.
//   - ExtServerAdapter: same as ServerAdapter, but the PT connects back to
//     an Extended ORPort listener that authenticates it with SafeCookie and
//     delivers real client addresses via a small command protocol.
//
// ClientTunnel wraps ClientAdapter with local TCP listeners and the
// bidirectional Relay, turning a client PT into a standalone tunnel without
// any Tor involved.
//
// This package implements only the adapter core. The PT executable, its
// configuration file, and CLI/logging setup are outside its scope; callers
// supply a command line, a state directory, and typed transport
// configuration.
package ptadapter
