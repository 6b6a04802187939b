package ptadapter

import (
	"bufio"
	"fmt"
	"io"
	"net"

	"golang.org/x/net/idna"
)

// encodeArgs packs per-connection arguments into the "<Key>=<Value>;..."
// wire format used by both SOCKS5 username/password fields and SOCKS4
// USERID, per pt-spec section 3.5. Grounded on socks.py's encode_args.
func encodeArgs(args *Args) []byte {
	if args.Len() == 0 {
		return nil
	}
	var out []byte
	for i := 0; i < args.Len(); i++ {
		if i > 0 {
			out = append(out, ';')
		}
		out = append(out, escapePerConnectionArgs(args.keys[i])...)
		out = append(out, '=')
		out = append(out, escapePerConnectionArgs(args.values[i])...)
	}
	return out
}

// negotiateSOCKS5 performs client-side SOCKS5 negotiation against conn,
// requesting a CONNECT to host:port and packing args into the
// username/password fields of RFC 1929 sub-negotiation when non-empty.
// Grounded on socks.py's negotiate_socks5_userpass, with RFC 1928/1929
// framing structurally mirroring the teacher's golang.org/x/net/proxy use
// in internal/socks5/client.go (there the library drives the handshake;
// here we drive it ourselves because the library has no hook for
// per-connection username/password arguments).
func negotiateSOCKS5(conn net.Conn, host string, port int, args *Args) error {
	r := bufio.NewReader(conn)

	if args.Len() > 0 {
		argsBytes := encodeArgs(args)
		if len(argsBytes) > 255*2 {
			return fmt.Errorf("ptadapter: encoded per-connection args too long (%d bytes)", len(argsBytes))
		}
		username := argsBytes
		var password []byte
		if len(username) > 255 {
			password = username[255:]
			username = username[:255]
		}
		if len(password) == 0 {
			password = []byte{0}
		}
		if _, err := conn.Write([]byte{0x05, 0x01, byte(SOCKS5AuthUsernamePassword)}); err != nil {
			return err
		}
		buf := make([]byte, 2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		if buf[0] != 5 {
			return fmt.Errorf("ptadapter: invalid SOCKS5 server version %d", buf[0])
		}
		if SOCKS5AuthType(buf[1]) != SOCKS5AuthUsernamePassword {
			return fmt.Errorf("ptadapter: PT rejected username/password auth method, returned 0x%02x", buf[1])
		}
		neg := make([]byte, 0, 3+len(username)+len(password))
		neg = append(neg, 0x01, byte(len(username)))
		neg = append(neg, username...)
		neg = append(neg, byte(len(password)))
		neg = append(neg, password...)
		if _, err := conn.Write(neg); err != nil {
			return err
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		if buf[0] != 1 {
			return fmt.Errorf("ptadapter: invalid SOCKS5 userpass sub-negotiation version %d", buf[0])
		}
		if buf[1] != 0 {
			return fmt.Errorf("ptadapter: PT rejected username/password, returned 0x%02x", buf[1])
		}
	} else {
		if _, err := conn.Write([]byte{0x05, 0x01, byte(SOCKS5AuthNoAuth)}); err != nil {
			return err
		}
		buf := make([]byte, 2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		if buf[0] != 5 {
			return fmt.Errorf("ptadapter: invalid SOCKS5 server version %d", buf[0])
		}
		if SOCKS5AuthType(buf[1]) != SOCKS5AuthNoAuth {
			return fmt.Errorf("ptadapter: PT rejected no-auth method, returned 0x%02x", buf[1])
		}
	}

	hostType, hostBytes, err := encodeSOCKS5Address(host)
	if err != nil {
		return err
	}
	req := make([]byte, 0, 4+len(hostBytes)+2)
	req = append(req, 0x05, byte(SOCKS5CommandConnect), 0x00, byte(hostType))
	req = append(req, hostBytes...)
	req = append(req, byte(port>>8), byte(port))
	if _, err := conn.Write(req); err != nil {
		return err
	}

	head := make([]byte, 5)
	if _, err := io.ReadFull(r, head); err != nil {
		return err
	}
	if head[0] != 5 {
		return fmt.Errorf("ptadapter: invalid SOCKS5 server version %d in reply", head[0])
	}
	reply := SOCKS5Reply(head[1])
	if reply != SOCKS5ReplySucceeded {
		return &ConnectError{SOCKS5: reply, IsSOCKS5: true}
	}
	if head[2] != 0 {
		return fmt.Errorf("ptadapter: invalid SOCKS5 reserved field 0x%02x", head[2])
	}
	var remaining int
	switch SOCKS5AddressType(head[3]) {
	case SOCKS5AddressIPv4:
		remaining = -1 + 4 + 2
	case SOCKS5AddressIPv6:
		remaining = -1 + 16 + 2
	default:
		remaining = int(head[4]) + 2
	}
	if remaining > 0 {
		if _, err := io.ReadFull(r, make([]byte, remaining)); err != nil {
			return err
		}
	}
	return nil
}

// encodeSOCKS5Address encodes host as a SOCKS5 ATYP+address, preferring a
// literal IPv4/IPv6 encoding and falling back to IDNA-encoded DOMAINNAME,
// per pt-spec/RFC 1928. Grounded on socks.py's use of ipaddress.ip_address
// with a DOMAIN_NAME fallback encoded via str.encode('idna'); we use
// golang.org/x/net/idna (already part of the teacher pack's dependency
// surface via shapeshifter-dispatcher) for the equivalent encoding.
func encodeSOCKS5Address(host string) (SOCKS5AddressType, []byte, error) {
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return SOCKS5AddressIPv4, ip4, nil
		}
		return SOCKS5AddressIPv6, ip.To16(), nil
	}
	encoded, err := idna.ToASCII(host)
	if err != nil {
		return 0, nil, fmt.Errorf("ptadapter: IDNA-encoding hostname %q: %w", host, err)
	}
	if len(encoded) > 255 {
		return 0, nil, fmt.Errorf("ptadapter: hostname %q too long after IDNA encoding", host)
	}
	out := make([]byte, 0, 1+len(encoded))
	out = append(out, byte(len(encoded)))
	out = append(out, encoded...)
	return SOCKS5AddressDomain, out, nil
}

// negotiateSOCKS4 performs client-side SOCKS4 negotiation, packing args
// into the USERID field. Only IPv4 literal destinations are supported, per
// pt-spec section 3.5 and socks.py's negotiate_socks4_userid.
func negotiateSOCKS4(conn net.Conn, host string, port int, args *Args) error {
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("ptadapter: SOCKS4 only supports IPv4 literal addresses, got %q", host)
	}
	ip4 := ip.To4()
	req := make([]byte, 0, 9+16)
	req = append(req, 0x04, byte(SOCKS4CommandConnect), byte(port>>8), byte(port))
	req = append(req, ip4...)
	req = append(req, encodeArgs(args)...)
	req = append(req, 0x00)
	if _, err := conn.Write(req); err != nil {
		return err
	}
	r := bufio.NewReader(conn)
	buf := make([]byte, 8)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	if buf[0] != 0 {
		return fmt.Errorf("ptadapter: invalid SOCKS4 reply version %d", buf[0])
	}
	reply := SOCKS4Reply(buf[1])
	if reply != SOCKS4ReplyGranted {
		return &ConnectError{SOCKS4: reply, IsSOCKS5: false}
	}
	return nil
}
