package codec

import (
	"bufio"
	"testing"

	"golang.org/x/net/nettest"

	"github.com/nullbyte-labs/socksrotate/internal/entry"
)

// TestDialSOCKS5UpstreamOverRealConnPair drives DialSOCKS5Upstream against a
// genuine synchronous net.Conn pair (not a bytes.Buffer), so the client and
// fake-upstream goroutines can only proceed by actually blocking on each
// other's writes the way two real TCP peers would.
func TestDialSOCKS5UpstreamOverRealConnPair(t *testing.T) {
	client, upstream, stop, err := nettest.NewPipe()
	if err != nil {
		t.Fatalf("nettest.NewPipe: %v", err)
	}
	defer stop()

	e := entry.New(entry.SOCKS5, "upstream.example", 1080, "", "")
	target := Target{AddrType: ATYPDomain, Host: "example.com", Port: 443}

	done := make(chan error, 1)
	go func() {
		br := bufio.NewReader(client)
		bw := bufio.NewWriter(client)
		done <- DialSOCKS5Upstream(br, bw, e, target)
	}()

	ubr := bufio.NewReader(upstream)
	greeting, err := DecodeSOCKS5Greeting(ubr)
	if err != nil {
		t.Fatalf("fake upstream: decode greeting: %v", err)
	}
	if len(greeting) != 1 || greeting[0] != 0x00 {
		t.Fatalf("expected client to offer no-auth only, got %v", greeting)
	}
	if _, err := upstream.Write(EncodeSOCKS5GreetingReply()); err != nil {
		t.Fatalf("fake upstream: write greeting reply: %v", err)
	}

	gotTarget, err := DecodeSOCKS5Request(ubr)
	if err != nil {
		t.Fatalf("fake upstream: decode request: %v", err)
	}
	if gotTarget.Host != target.Host || gotTarget.Port != target.Port {
		t.Fatalf("fake upstream saw target %+v, want %+v", gotTarget, target)
	}
	if _, err := upstream.Write(EncodeSOCKS5Reply(RepSuccess)); err != nil {
		t.Fatalf("fake upstream: write connect reply: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("DialSOCKS5Upstream: %v", err)
	}
}

// TestDialSOCKS5UpstreamOverRealConnPairTargetRefused exercises the
// target-level (host unreachable) classification over the same real
// net.Conn pipe.
func TestDialSOCKS5UpstreamOverRealConnPairTargetRefused(t *testing.T) {
	client, upstream, stop, err := nettest.NewPipe()
	if err != nil {
		t.Fatalf("nettest.NewPipe: %v", err)
	}
	defer stop()

	e := entry.New(entry.SOCKS5, "upstream.example", 1080, "", "")
	target := Target{AddrType: ATYPDomain, Host: "unreachable.example", Port: 443}

	done := make(chan error, 1)
	go func() {
		br := bufio.NewReader(client)
		bw := bufio.NewWriter(client)
		done <- DialSOCKS5Upstream(br, bw, e, target)
	}()

	ubr := bufio.NewReader(upstream)
	if _, err := DecodeSOCKS5Greeting(ubr); err != nil {
		t.Fatalf("fake upstream: decode greeting: %v", err)
	}
	if _, err := upstream.Write(EncodeSOCKS5GreetingReply()); err != nil {
		t.Fatalf("fake upstream: write greeting reply: %v", err)
	}
	if _, err := DecodeSOCKS5Request(ubr); err != nil {
		t.Fatalf("fake upstream: decode request: %v", err)
	}
	if _, err := upstream.Write(EncodeSOCKS5Reply(RepHostUnreachable)); err != nil {
		t.Fatalf("fake upstream: write connect reply: %v", err)
	}

	err = <-done
	ue, ok := err.(*UpstreamError)
	if !ok {
		t.Fatalf("expected *UpstreamError, got %T (%v)", err, err)
	}
	if !ue.TargetLevel {
		t.Fatalf("expected target-level classification for RepHostUnreachable")
	}
}
