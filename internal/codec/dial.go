package codec

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/nullbyte-labs/socksrotate/internal/entry"
)

// DialTimeout bounds establishing the raw TCP connection to an upstream or
// bypass target, matching carlosrabelo/karoo's connection.Dial.
const DialTimeout = 10 * time.Second

// DialRaw opens a plain or TLS TCP connection to addr, adapted from
// carlosrabelo/karoo's internal/connection Dial.
func DialRaw(addr string, useTLS bool) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: DialTimeout}
	if !useTLS {
		return dialer.Dial("tcp", addr)
	}
	return tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: hostOnly(addr)})
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Backoff returns a jittered exponential delay in [min, max], adapted from
// carlosrabelo/karoo's internal/connection Backoff. The engine's
// upstream-dial retry loop does not call it; retries follow immediately.
func Backoff(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	mult := time.Duration(1<<rand.Intn(4)) * min
	if mult > max {
		mult = max
	}
	jitter := time.Duration(rand.Intn(250)) * time.Millisecond
	d := mult + jitter
	if d > max {
		d = max
	}
	return d
}

// UpstreamError distinguishes a handshake-level rejection (the upstream
// itself refused us, should count against it in the registry) from a
// target-level one (the upstream reached out to the target and the target
// refused, the upstream is not at fault).
type UpstreamError struct {
	TargetLevel bool
	Rep         byte
	Err         error
}

func (e *UpstreamError) Error() string { return e.Err.Error() }
func (e *UpstreamError) Unwrap() error { return e.Err }

// DialSOCKS5Upstream performs the client side of a SOCKS5 handshake against
// an already-connected upstream, requesting CONNECT to target. Trailing
// bytes the upstream pipelines after its reply remain buffered in br and
// are relayed naturally once the tunnel starts reading from br.
func DialSOCKS5Upstream(br *bufio.Reader, bw *bufio.Writer, e *entry.Entry, target Target) error {
	if e.HasCredentials() {
		if _, err := bw.Write([]byte{0x05, 0x02, 0x00, 0x02}); err != nil {
			return err
		}
	} else {
		if _, err := bw.Write([]byte{0x05, 0x01, 0x00}); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}

	method, err := readFull(br, 2)
	if err != nil {
		return err
	}
	if method[0] != 0x05 {
		return ErrMalformed
	}

	switch method[1] {
	case 0x00:
		// no auth required, proceed
	case 0x02:
		if !e.HasCredentials() {
			return ErrUnsupportedMethod
		}
		if err := socks5Subnegotiate(br, bw, e); err != nil {
			return err
		}
	default:
		return ErrUnsupportedMethod
	}

	if _, err := bw.Write(EncodeSOCKS5Request(target)); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}

	hdr, err := readFull(br, 4)
	if err != nil {
		return err
	}
	if hdr[0] != 0x05 {
		return ErrMalformed
	}
	rep := hdr[1]
	bindAtyp := AddrType(hdr[3])
	var discard Target
	if err := decodeAddr(br, bindAtyp, &discard); err != nil {
		return err
	}
	if _, err := readFull(br, 2); err != nil {
		return err
	}

	if rep != RepSuccess {
		return &UpstreamError{
			TargetLevel: rep == RepHostUnreachable || rep == RepConnectionRefused || rep == RepTTLExpired,
			Rep:         rep,
			Err:         fmt.Errorf("codec: upstream SOCKS5 CONNECT failed, REP=0x%02x", rep),
		}
	}
	return nil
}

func socks5Subnegotiate(br *bufio.Reader, bw *bufio.Writer, e *entry.Entry) error {
	buf := make([]byte, 0, 3+len(e.Username)+len(e.Password))
	buf = append(buf, 0x01, byte(len(e.Username)))
	buf = append(buf, []byte(e.Username)...)
	buf = append(buf, byte(len(e.Password)))
	buf = append(buf, []byte(e.Password)...)
	if _, err := bw.Write(buf); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	resp, err := readFull(br, 2)
	if err != nil {
		return err
	}
	if resp[1] != 0x00 {
		return ErrAuthFailed
	}
	return nil
}

// DialSOCKS4Upstream performs the client side of a SOCKS4/SOCKS4A handshake
// against an already-connected upstream.
func DialSOCKS4Upstream(br *bufio.Reader, bw *bufio.Writer, req Socks4Request) error {
	if _, err := bw.Write(EncodeSOCKS4Request(req)); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	reply, err := readFull(br, 8)
	if err != nil {
		return err
	}
	if reply[1] != Socks4Granted {
		return &UpstreamError{
			TargetLevel: false,
			Err:         fmt.Errorf("codec: upstream SOCKS4 CONNECT failed, CD=0x%02x", reply[1]),
		}
	}
	return nil
}

// DialHTTPConnectUpstream performs an HTTP CONNECT handshake against an
// already-connected upstream.
func DialHTTPConnectUpstream(br *bufio.Reader, bw *bufio.Writer, e *entry.Entry, targetHostPort string) error {
	if _, err := bw.Write(BuildHTTPConnectRequest(targetHostPort, e)); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	outcome, err := ReadHTTPConnectResponse(br)
	if err != nil {
		return err
	}
	switch outcome {
	case HTTPSuccess:
		return nil
	case HTTPAuthFailure:
		return ErrAuthFailed
	default:
		return &UpstreamError{Err: fmt.Errorf("codec: upstream HTTP CONNECT failed")}
	}
}
