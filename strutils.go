package ptadapter

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Args is an ordered key/value multimap, used both for per-connection SOCKS
// arguments (§4.2) and for TOR_PT_SERVER_TRANSPORT_OPTIONS entries (§4.5).
// Ordering is preserved so that encoding is deterministic, which matters for
// the 510-byte SOCKS5 username/password budget (§4.2) and for tests that
// round-trip encode/decode.
type Args struct {
	keys   []string
	values []string
}

// NewArgs builds an Args from a plain map. Key order is not guaranteed to be
// stable across calls with the same map; callers that care about a specific
// wire order should build the Args with Add instead.
func NewArgs(m map[string]string) *Args {
	a := &Args{}
	for k, v := range m {
		a.Add(k, v)
	}
	return a
}

// Add appends a key/value pair.
func (a *Args) Add(key, value string) {
	a.keys = append(a.keys, key)
	a.values = append(a.values, value)
}

// Get returns the first value for key, if present.
func (a *Args) Get(key string) (string, bool) {
	if a == nil {
		return "", false
	}
	for i, k := range a.keys {
		if k == key {
			return a.values[i], true
		}
	}
	return "", false
}

// Len returns the number of key/value pairs.
func (a *Args) Len() int {
	if a == nil {
		return 0
	}
	return len(a.keys)
}

// Map returns a copy of the pairs as a plain map, discarding order and
// collapsing duplicate keys to their last occurrence.
func (a *Args) Map() map[string]string {
	m := make(map[string]string, a.Len())
	if a == nil {
		return m
	}
	for i, k := range a.keys {
		m[k] = a.values[i]
	}
	return m
}

// asciiLettersUnderscore reports whether b is a valid first character of a
// transport name: an ASCII letter or underscore.
func asciiLettersUnderscore(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || b == '_'
}

// asciiAlphanumericUnderscore reports whether b is a valid non-first
// character of a transport name.
func asciiAlphanumericUnderscore(b byte) bool {
	return asciiLettersUnderscore(b) || (b >= '0' && b <= '9')
}

// validateTransportName enforces pt-spec section 3.1: PT names must be
// valid C identifiers, beginning with a letter or underscore, the rest
// being ASCII letters, digits or underscores. No length limit is imposed.
func validateTransportName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("ptadapter: empty transport name")
	}
	if !asciiLettersUnderscore(name[0]) {
		return fmt.Errorf("ptadapter: invalid transport name %q: must start with a letter or underscore", name)
	}
	for i := 1; i < len(name); i++ {
		if !asciiAlphanumericUnderscore(name[i]) {
			return fmt.Errorf("ptadapter: invalid transport name %q: invalid character %q", name, name[i])
		}
	}
	return nil
}

// escapeWith backslash-escapes every byte of s found in cutset.
func escapeWith(s string, cutset string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' || strings.IndexByte(cutset, c) >= 0 {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}

// escapePerConnectionArgs escapes backslash, equal sign and semicolon, as
// required by pt-spec section 3.5 for "<Key>=<Value>" per-connection
// arguments carried in the SOCKS username/password fields.
func escapePerConnectionArgs(s string) string {
	return escapeWith(s, "=;")
}

// escapeServerOptions escapes colon, semicolon and backslash, as required
// by pt-spec section 3.2.3 for TOR_PT_SERVER_TRANSPORT_OPTIONS entries.
func escapeServerOptions(s string) string {
	return escapeWith(s, ":;")
}

// splitUnescaped splits s on unescaped occurrences of sep (a single byte
// not preceded by an odd number of backslashes).
func splitUnescaped(s string, sep byte) []string {
	var parts []string
	var cur strings.Builder
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			cur.WriteByte(c)
			escaped = false
			continue
		}
		if c == '\\' {
			cur.WriteByte(c)
			escaped = true
			continue
		}
		if c == sep {
			parts = append(parts, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteByte(c)
	}
	parts = append(parts, cur.String())
	return parts
}

// unescapeBackslash reverses escapeWith-style escaping: every backslash is
// dropped and the following byte is taken literally.
func unescapeBackslash(s string) string {
	var b strings.Builder
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			b.WriteByte(c)
			escaped = false
			continue
		}
		if c == '\\' {
			escaped = true
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// parseSMethodArgs parses an SMETHOD "ARGS:key=value,key=value" body
// (excluding the "ARGS:" prefix) per pt-spec section 3.3.3: keys and
// values are split on unescaped commas and unescaped equals signs.
func parseSMethodArgs(s string) (map[string]string, error) {
	result := make(map[string]string)
	for _, pair := range splitUnescaped(s, ',') {
		kv := splitUnescaped(pair, '=')
		if len(kv) != 2 {
			return nil, fmt.Errorf("ptadapter: malformed ARGS entry %q", pair)
		}
		result[unescapeBackslash(kv[0])] = unescapeBackslash(kv[1])
	}
	return result, nil
}

// parseHostPort splits "host:port" or "[host]:port" into host and port.
// Unlike net.SplitHostPort, an empty host or missing port is rejected.
func parseHostPort(s string) (host string, port int, err error) {
	h, p, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, fmt.Errorf("ptadapter: malformed host:port %q: %w", s, err)
	}
	if h == "" {
		return "", 0, fmt.Errorf("ptadapter: host:port %q lacks a host part", s)
	}
	if p == "" {
		return "", 0, fmt.Errorf("ptadapter: host:port %q lacks a port part", s)
	}
	portNum, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("ptadapter: invalid port in %q: %w", s, err)
	}
	return h, int(portNum), nil
}

// joinHostPort combines host and port into "host:port", bracketing host if
// it parses as an IPv6 literal.
func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// isIPv4Literal reports whether s is a dotted-quad IPv4 literal.
func isIPv4Literal(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil
}

// isIPv6Literal reports whether s is an IPv6 literal that is not also a
// valid IPv4 literal.
func isIPv6Literal(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() == nil
}
