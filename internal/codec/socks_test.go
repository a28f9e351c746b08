package codec

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/nullbyte-labs/socksrotate/internal/entry"
)

func TestStripZone(t *testing.T) {
	cases := map[string]string{
		"fe80::1%eth0": "fe80::1",
		"fe80::1":      "fe80::1",
		"example.com":  "example.com",
	}
	for in, want := range cases {
		if got := StripZone(in); got != want {
			t.Fatalf("StripZone(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSOCKS5RequestRoundTripIPv4(t *testing.T) {
	want := Target{AddrType: ATYPIPv4, Host: "93.184.216.34", Port: 443}
	want.v4 = [4]byte{93, 184, 216, 34}

	encoded := EncodeSOCKS5Request(want)
	got, err := DecodeSOCKS5Request(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Host != want.Host || got.Port != want.Port || got.AddrType != want.AddrType {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestSOCKS5RequestRoundTripIPv6(t *testing.T) {
	want := Target{AddrType: ATYPIPv6, Host: "2001:db8::1", Port: 8080}
	copy(want.v6[:], []byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x01})

	encoded := EncodeSOCKS5Request(want)
	got, err := DecodeSOCKS5Request(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Host != want.Host || got.Port != want.Port {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestSOCKS5RequestRoundTripDomain(t *testing.T) {
	for _, n := range []int{1, 63, 255} {
		host := strings.Repeat("a", n)
		want := Target{AddrType: ATYPDomain, Host: host, Port: 80}
		encoded := EncodeSOCKS5Request(want)
		got, err := DecodeSOCKS5Request(bytes.NewReader(encoded))
		if err != nil {
			t.Fatalf("decode len %d: %v", n, err)
		}
		if got.Host != host || got.Port != 80 {
			t.Fatalf("round trip mismatch for len %d: got %+v", n, got)
		}
	}
}

func TestSOCKS5RequestRejectsUnsupportedCommand(t *testing.T) {
	raw := []byte{0x05, 0x02, 0x00, 0x01, 1, 2, 3, 4, 0, 80}
	_, err := DecodeSOCKS5Request(bytes.NewReader(raw))
	if err != ErrCommandNotSupported {
		t.Fatalf("expected ErrCommandNotSupported, got %v", err)
	}
}

func TestSOCKS5RequestPartialReadReturnsErrorNotPanic(t *testing.T) {
	raw := []byte{0x05, 0x01, 0x00, 0x01, 1, 2} // truncated IPv4 + missing port
	_, err := DecodeSOCKS5Request(bytes.NewReader(raw))
	if err == nil {
		t.Fatal("expected an error for a truncated request")
	}
}

func TestSOCKS5GreetingAlwaysRepliesNoAuth(t *testing.T) {
	raw := []byte{0x05, 0x02, 0x00, 0x02}
	methods, err := DecodeSOCKS5Greeting(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(methods) != 2 {
		t.Fatalf("expected 2 methods, got %d", len(methods))
	}
	reply := EncodeSOCKS5GreetingReply()
	if !bytes.Equal(reply, []byte{0x05, 0x00}) {
		t.Fatalf("unexpected greeting reply %x", reply)
	}
}

func TestSOCKS5ReplySuccessBytes(t *testing.T) {
	want := []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	if got := EncodeSOCKS5Reply(RepSuccess); !bytes.Equal(got, want) {
		t.Fatalf("got %x, want %x", got, want)
	}
}

func TestSOCKS4RequestDecodeDirectIP(t *testing.T) {
	raw := []byte{0x04, 0x01, 0x00, 0x50, 93, 184, 216, 34, 'u', 's', 'r', 0x00}
	req, err := DecodeSOCKS4Request(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.IsSocks4A {
		t.Fatal("expected plain SOCKS4, not SOCKS4A")
	}
	if req.Host != "93.184.216.34" || req.Port != 80 || req.UserID != "usr" {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestSOCKS4ARequestDecodeDomain(t *testing.T) {
	raw := append([]byte{0x04, 0x01, 0x00, 0x50, 0, 0, 0, 1, 'u', 0x00}, []byte("example.com\x00")...)
	req, err := DecodeSOCKS4Request(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !req.IsSocks4A {
		t.Fatal("expected SOCKS4A")
	}
	if req.Host != "example.com" || req.UserID != "u" {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestSOCKS4RequestRejectsUnsupportedCommand(t *testing.T) {
	raw := []byte{0x04, 0x02, 0x00, 0x50, 1, 2, 3, 4, 0x00}
	_, err := DecodeSOCKS4Request(bufio.NewReader(bytes.NewReader(raw)))
	if err != ErrCommandNotSupported {
		t.Fatalf("expected ErrCommandNotSupported, got %v", err)
	}
}

func TestSOCKS4ReplyBytes(t *testing.T) {
	want := []byte{0x00, 0x5A, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	if got := EncodeSOCKS4Reply(Socks4Granted); !bytes.Equal(got, want) {
		t.Fatalf("got %x, want %x", got, want)
	}
}

// TestSOCKS5HandshakeEndToEndBytes mirrors the spec's literal byte scenario
// for a successful SOCKS5 CONNECT to an IPv4 target through a no-auth
// upstream.
func TestSOCKS5HandshakeEndToEndBytes(t *testing.T) {
	clientGreeting := []byte{0x05, 0x01, 0x00}
	_, err := DecodeSOCKS5Greeting(bytes.NewReader(clientGreeting))
	if err != nil {
		t.Fatalf("greeting decode: %v", err)
	}
	if !bytes.Equal(EncodeSOCKS5GreetingReply(), []byte{0x05, 0x00}) {
		t.Fatal("unexpected greeting reply")
	}

	clientRequest := []byte{0x05, 0x01, 0x00, 0x01, 93, 184, 216, 34, 0x01, 0xBB}
	target, err := DecodeSOCKS5Request(bytes.NewReader(clientRequest))
	if err != nil {
		t.Fatalf("request decode: %v", err)
	}
	if target.HostPort() != "93.184.216.34:443" {
		t.Fatalf("unexpected target %+v", target)
	}

	upstreamPipe := bufio.NewReadWriter(
		bufio.NewReader(bytes.NewReader(append([]byte{0x05, 0x00}, EncodeSOCKS5Reply(RepSuccess)...))),
		bufio.NewWriter(io.Discard),
	)
	e := entry.New(entry.SOCKS5, "upstream.example", 1080, "", "")
	if err := DialSOCKS5Upstream(upstreamPipe.Reader, upstreamPipe.Writer, e, target); err != nil {
		t.Fatalf("upstream handshake: %v", err)
	}

	reply := EncodeSOCKS5Reply(RepSuccess)
	want := []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(reply, want) {
		t.Fatalf("got %x want %x", reply, want)
	}
}

func TestHTTPConnectRequestIncludesAuth(t *testing.T) {
	e := entry.New(entry.HTTP, "proxy.example", 3128, "alice", "secret")
	req := BuildHTTPConnectRequest("example.com:443", e)
	s := string(req)
	if !strings.HasPrefix(s, "CONNECT example.com:443 HTTP/1.1\r\n") {
		t.Fatalf("unexpected request line: %q", s)
	}
	if !strings.Contains(s, "Proxy-Authorization: Basic ") {
		t.Fatalf("expected Proxy-Authorization header, got %q", s)
	}
	if !strings.HasSuffix(s, "\r\n\r\n") {
		t.Fatalf("expected request to end with blank line, got %q", s)
	}
}

func TestHTTPConnectResponseSuccess(t *testing.T) {
	raw := "HTTP/1.1 200 Connection Established\r\nVia: 1.1 proxy\r\n\r\nTRAILING"
	br := bufio.NewReader(strings.NewReader(raw))
	outcome, err := ReadHTTPConnectResponse(br)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if outcome != HTTPSuccess {
		t.Fatalf("expected success, got %v", outcome)
	}
	rest, _ := br.ReadString(0)
	if rest != "TRAILING" {
		t.Fatalf("expected trailing bytes preserved in buffer, got %q", rest)
	}
}

func TestHTTPConnectResponseAuthFailure(t *testing.T) {
	raw := "HTTP/1.1 407 Proxy Authentication Required\r\n\r\n"
	br := bufio.NewReader(strings.NewReader(raw))
	outcome, err := ReadHTTPConnectResponse(br)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if outcome != HTTPAuthFailure {
		t.Fatalf("expected auth failure, got %v", outcome)
	}
}

func TestHTTPConnectResponseWaitsForFullHeaderBlock(t *testing.T) {
	pr, pw := io.Pipe()
	br := bufio.NewReader(pr)
	done := make(chan struct{})
	var outcome HTTPOutcome
	var err error
	go func() {
		outcome, err = ReadHTTPConnectResponse(br)
		close(done)
	}()

	pw.Write([]byte("HTTP/1.1 200 OK\r\n"))
	select {
	case <-done:
		t.Fatal("ReadHTTPConnectResponse returned before the header block completed")
	default:
	}
	pw.Write([]byte("\r\n"))
	pw.Close()
	<-done
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if outcome != HTTPSuccess {
		t.Fatalf("expected success, got %v", outcome)
	}
}

func TestHTTPConnectResponseTripsHeaderCap(t *testing.T) {
	var raw strings.Builder
	raw.WriteString("HTTP/1.1 200 OK\r\n")
	for raw.Len() <= MaxHTTPHeaderBytes {
		raw.WriteString("X-Pad: aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa\r\n")
	}
	br := bufio.NewReader(strings.NewReader(raw.String()))
	_, err := ReadHTTPConnectResponse(br)
	if !errors.Is(err, ErrHeaderTooLarge) {
		t.Fatalf("expected ErrHeaderTooLarge, got %v", err)
	}
}
