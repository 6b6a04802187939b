package ptadapter

import (
	"reflect"
	"testing"
)

func TestValidateTransportName(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{"obfs4", true},
		{"_obfs4", true},
		{"Obfs4_2", true},
		{"", false},
		{"2obfs4", false},
		{"obfs-4", false},
		{"obfs.4", false},
	}
	for _, c := range cases {
		err := validateTransportName(c.name)
		if (err == nil) != c.ok {
			t.Errorf("validateTransportName(%q): got err=%v, want ok=%v", c.name, err, c.ok)
		}
	}
}

func TestEscapePerConnectionArgs(t *testing.T) {
	cases := []struct{ in, want string }{
		{"plain", "plain"},
		{"a=b", `a\=b`},
		{"a;b", `a\;b`},
		{`a\b`, `a\\b`},
		{`a\=;b`, `a\\\=\;b`},
	}
	for _, c := range cases {
		if got := escapePerConnectionArgs(c.in); got != c.want {
			t.Errorf("escapePerConnectionArgs(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestEscapeServerOptions(t *testing.T) {
	if got := escapeServerOptions("a:b;c"); got != `a\:b\;c` {
		t.Errorf("escapeServerOptions: got %q", got)
	}
}

func TestSplitUnescaped(t *testing.T) {
	cases := []struct {
		in   string
		sep  byte
		want []string
	}{
		{"a,b,c", ',', []string{"a", "b", "c"}},
		{`a\,b,c`, ',', []string{`a\,b`, "c"}},
		{"solo", ',', []string{"solo"}},
		{"", ',', []string{""}},
	}
	for _, c := range cases {
		got := splitUnescaped(c.in, c.sep)
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("splitUnescaped(%q, %q) = %v, want %v", c.in, c.sep, got, c.want)
		}
	}
}

func TestParseSMethodArgs(t *testing.T) {
	got, err := parseSMethodArgs(`key1=value1,key2=value\,2`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]string{"key1": "value1", "key2": "value,2"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseSMethodArgs = %v, want %v", got, want)
	}

	if _, err := parseSMethodArgs("malformed"); err == nil {
		t.Error("expected error for malformed ARGS entry")
	}
}

func TestParseHostPort(t *testing.T) {
	host, port, err := parseHostPort("127.0.0.1:1234")
	if err != nil || host != "127.0.0.1" || port != 1234 {
		t.Errorf("parseHostPort: got (%q, %d, %v)", host, port, err)
	}

	host, port, err = parseHostPort("[::1]:4321")
	if err != nil || host != "::1" || port != 4321 {
		t.Errorf("parseHostPort IPv6: got (%q, %d, %v)", host, port, err)
	}

	if _, _, err := parseHostPort("nohost"); err == nil {
		t.Error("expected error for missing port")
	}
}

func TestJoinHostPort(t *testing.T) {
	if got := joinHostPort("127.0.0.1", 1234); got != "127.0.0.1:1234" {
		t.Errorf("joinHostPort IPv4 = %q", got)
	}
	if got := joinHostPort("::1", 4321); got != "[::1]:4321" {
		t.Errorf("joinHostPort IPv6 = %q, want bracketed", got)
	}
}

func TestArgsOrdering(t *testing.T) {
	a := &Args{}
	a.Add("b", "2")
	a.Add("a", "1")
	if a.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", a.Len())
	}
	if a.keys[0] != "b" || a.keys[1] != "a" {
		t.Errorf("keys = %v, want insertion order [b a]", a.keys)
	}
	v, ok := a.Get("a")
	if !ok || v != "1" {
		t.Errorf("Get(a) = (%q, %v)", v, ok)
	}
	m := a.Map()
	if m["a"] != "1" || m["b"] != "2" {
		t.Errorf("Map() = %v", m)
	}
}
