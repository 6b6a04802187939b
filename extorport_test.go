package ptadapter

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"io"
	"net"
	"testing"
)

func TestSafeCookieAuthenticateSuccess(t *testing.T) {
	a, err := newSafeCookieAuthenticator()
	if err != nil {
		t.Fatalf("newSafeCookieAuthenticator: %v", err)
	}

	client, server := net.Pipe()
	resultCh := make(chan bool, 1)
	errCh := make(chan error, 1)
	go func() {
		r := bufio.NewReader(server)
		ok, err := a.authenticate(r, server)
		resultCh <- ok
		errCh <- err
	}()

	r := bufio.NewReader(client)
	head := make([]byte, 2)
	if _, err := io.ReadFull(r, head); err != nil {
		t.Fatalf("reading auth type offer: %v", err)
	}
	if extOrPortAuthType(head[0]) != extOrPortAuthSafeCookie {
		t.Fatalf("server did not offer SAFE_COOKIE first")
	}

	clientNonce := make([]byte, extOrPortNonceLen)
	client.Write([]byte{byte(extOrPortAuthSafeCookie)})
	client.Write(clientNonce)

	serverHash := make([]byte, extOrPortHashLen)
	serverNonce := make([]byte, extOrPortNonceLen)
	if _, err := io.ReadFull(r, serverHash); err != nil {
		t.Fatalf("reading server hash: %v", err)
	}
	if _, err := io.ReadFull(r, serverNonce); err != nil {
		t.Fatalf("reading server nonce: %v", err)
	}

	expectedServerHash := a.hash(extOrPortServerHashHeader, clientNonce, serverNonce)
	if !hmac.Equal(serverHash, expectedServerHash) {
		t.Fatalf("server hash mismatch")
	}

	clientHash := a.hash(extOrPortClientHashHeader, clientNonce, serverNonce)
	client.Write(clientHash)

	status := make([]byte, 1)
	if _, err := io.ReadFull(r, status); err != nil {
		t.Fatalf("reading final status: %v", err)
	}
	if status[0] != 1 {
		t.Fatalf("server reported auth failure, status=%d", status[0])
	}

	if ok := <-resultCh; !ok {
		t.Fatal("authenticate() returned false for a valid handshake")
	}
	if err := <-errCh; err != nil {
		t.Fatalf("authenticate() error: %v", err)
	}
}

func TestSafeCookieAuthenticateWrongHash(t *testing.T) {
	a, _ := newSafeCookieAuthenticator()
	client, server := net.Pipe()
	resultCh := make(chan bool, 1)
	go func() {
		r := bufio.NewReader(server)
		ok, _ := a.authenticate(r, server)
		resultCh <- ok
	}()

	r := bufio.NewReader(client)
	io.ReadFull(r, make([]byte, 2))
	clientNonce := make([]byte, extOrPortNonceLen)
	client.Write([]byte{byte(extOrPortAuthSafeCookie)})
	client.Write(clientNonce)
	io.ReadFull(r, make([]byte, extOrPortHashLen+extOrPortNonceLen))

	client.Write(make([]byte, sha256.Size)) // wrong hash
	io.ReadFull(r, make([]byte, 1))

	if ok := <-resultCh; ok {
		t.Fatal("authenticate() succeeded with a wrong client hash")
	}
}

func TestExtMsgRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	go func() {
		writeExtMsg(client, extOrPortCmdTransport, []byte("obfs4"))
		client.Close()
	}()

	r := bufio.NewReader(server)
	cmd, body, err := readExtMsg(r)
	if err != nil {
		t.Fatalf("readExtMsg: %v", err)
	}
	if cmd != extOrPortCmdTransport || string(body) != "obfs4" {
		t.Fatalf("got (%v, %q)", cmd, body)
	}
}

func TestReadExtOrPortHandshake(t *testing.T) {
	client, server := net.Pipe()
	go func() {
		writeExtMsg(client, extOrPortCmdUserAddr, []byte("203.0.113.5:4821"))
		writeExtMsg(client, extOrPortCmdTransport, []byte("obfs4"))
		writeExtMsg(client, 0x9999, []byte("ignored"))
		writeExtMsg(client, extOrPortCmdDone, nil)
	}()

	info, err := readExtOrPortHandshake(bufio.NewReader(server), NopLogger)
	if err != nil {
		t.Fatalf("readExtOrPortHandshake: %v", err)
	}
	if info.Transport != "obfs4" {
		t.Errorf("Transport = %q", info.Transport)
	}
	if info.Host.String() != "203.0.113.5" || info.Port != 4821 {
		t.Errorf("Host/Port = %v/%d", info.Host, info.Port)
	}
}
