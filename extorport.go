package ptadapter

import (
	"bufio"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
)

const (
	extOrPortCookieLen = 32
	extOrPortNonceLen  = 32
	extOrPortHashLen   = sha256.Size

	extOrPortCookieFilename = "auth_cookie"
)

var (
	extOrPortCookieStaticHeader = []byte("! Extended ORPort Auth Cookie !\x0a")
	extOrPortServerHashHeader   = []byte("ExtORPort authentication server-to-client hash")
	extOrPortClientHashHeader   = []byte("ExtORPort authentication client-to-server hash")
)

// ExtOrPortClientConnection describes a client connection reported to an
// ExtServerAdapter, as assembled from the USERADDR/TRANSPORT ExtOrPort
// commands sent by the PT before the DONE command. Grounded on
// adapters.py's ExtOrPortClientConnection namedtuple.
type ExtOrPortClientConnection struct {
	Transport string
	Host      net.IP
	Port      int
}

// safeCookieAuthenticator implements the server side of the SafeCookie
// authentication protocol (217-ext-orport-auth.txt section 4.2). One
// authenticator is created per ExtServerAdapter instance and shared across
// every ExtOrPort connection it accepts, since all connections from the
// same PT invocation are authenticated with the same cookie.
//
// Grounded on adapters.py's SafeCookieServerAuthenticator, translating
// Python's hmac.new/hmac.compare_digest to the standard library's
// crypto/hmac, and secrets.token_bytes to crypto/rand.
type safeCookieAuthenticator struct {
	cookie []byte
}

func newSafeCookieAuthenticator() (*safeCookieAuthenticator, error) {
	cookie := make([]byte, extOrPortCookieLen)
	if _, err := rand.Read(cookie); err != nil {
		return nil, fmt.Errorf("ptadapter: generating ExtOrPort auth cookie: %w", err)
	}
	return &safeCookieAuthenticator{cookie: cookie}, nil
}

func (a *safeCookieAuthenticator) hash(msg ...[]byte) []byte {
	mac := hmac.New(sha256.New, a.cookie)
	for _, m := range msg {
		mac.Write(m)
	}
	return mac.Sum(nil)
}

// writeCookieFile writes the cookie file format the PT reads to learn the
// shared secret, per 217-ext-orport-auth.txt section 4.2.1.1.
func (a *safeCookieAuthenticator) writeCookieFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("ptadapter: creating ExtOrPort auth cookie file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(extOrPortCookieStaticHeader); err != nil {
		return err
	}
	if _, err := f.Write(a.cookie); err != nil {
		return err
	}
	return nil
}

// authenticate runs the SafeCookie challenge/response exchange over conn
// and reports whether the client authenticated successfully. The caller
// closes conn on failure; authenticate never does so itself, since a
// successful caller may want to keep using conn for the ExtOrPort command
// stream that follows.
func (a *safeCookieAuthenticator) authenticate(r *bufio.Reader, w io.Writer) (bool, error) {
	if _, err := w.Write([]byte{byte(extOrPortAuthSafeCookie), byte(extOrPortAuthEndTypes)}); err != nil {
		return false, err
	}
	authTypeBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, authTypeBuf); err != nil {
		return false, err
	}
	if extOrPortAuthType(authTypeBuf[0]) != extOrPortAuthSafeCookie {
		return false, nil
	}
	clientNonce := make([]byte, extOrPortNonceLen)
	if _, err := io.ReadFull(r, clientNonce); err != nil {
		return false, err
	}
	serverNonce := make([]byte, extOrPortNonceLen)
	if _, err := rand.Read(serverNonce); err != nil {
		return false, err
	}
	serverHash := a.hash(extOrPortServerHashHeader, clientNonce, serverNonce)
	if _, err := w.Write(append(append([]byte{}, serverHash...), serverNonce...)); err != nil {
		return false, err
	}
	clientHash := make([]byte, extOrPortHashLen)
	if _, err := io.ReadFull(r, clientHash); err != nil {
		return false, err
	}
	expected := a.hash(extOrPortClientHashHeader, clientNonce, serverNonce)
	result := hmac.Equal(clientHash, expected)
	status := byte(0)
	if result {
		status = 1
	}
	if _, err := w.Write([]byte{status}); err != nil {
		return false, err
	}
	return result, nil
}

// readExtMsg reads one ExtOrPort command frame: a 2-byte command, a 2-byte
// big-endian body length, and the body itself, per
// 196-transport-control-ports.txt section 3.1.
func readExtMsg(r *bufio.Reader) (extOrPortCommand, []byte, error) {
	head := make([]byte, 4)
	if _, err := io.ReadFull(r, head); err != nil {
		return 0, nil, err
	}
	cmd := extOrPortCommand(binary.BigEndian.Uint16(head[0:2]))
	bodyLen := binary.BigEndian.Uint16(head[2:4])
	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return 0, nil, err
		}
	}
	return cmd, body, nil
}

// writeExtMsg writes one ExtOrPort command frame.
func writeExtMsg(w io.Writer, cmd extOrPortCommand, body []byte) error {
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint16(out[0:2], uint16(cmd))
	binary.BigEndian.PutUint16(out[2:4], uint16(len(body)))
	copy(out[4:], body)
	_, err := w.Write(out)
	return err
}

// readExtOrPortHandshake consumes USERADDR/TRANSPORT commands until DONE,
// building an ExtOrPortClientConnection. Unknown commands are ignored, as
// required by 196-transport-control-ports.txt's forward-compatibility
// rule. Grounded on adapters.py's _ext_or_port_handler command loop.
func readExtOrPortHandshake(r *bufio.Reader, logger Logger) (ExtOrPortClientConnection, error) {
	var info ExtOrPortClientConnection
	for {
		cmd, body, err := readExtMsg(r)
		if err != nil {
			return info, err
		}
		switch cmd {
		case extOrPortCmdDone:
			return info, nil
		case extOrPortCmdUserAddr:
			host, port, err := parseHostPort(string(body))
			if err != nil {
				return info, fmt.Errorf("ptadapter: malformed USERADDR body: %w", err)
			}
			ip := net.ParseIP(host)
			if ip == nil {
				return info, fmt.Errorf("ptadapter: USERADDR host %q is not an IP literal", host)
			}
			info.Host = ip
			info.Port = port
		case extOrPortCmdTransport:
			name := string(body)
			if err := validateTransportName(name); err != nil {
				return info, err
			}
			info.Transport = name
		default:
			if logger != nil {
				logger.Infof("received unknown ExtOrPort command 0x%04x, body %q", uint16(cmd), body)
			}
		}
	}
}
