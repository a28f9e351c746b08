package codec

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/nullbyte-labs/socksrotate/internal/buffers"
	"github.com/nullbyte-labs/socksrotate/internal/entry"
)

// MaxHTTPHeaderBytes bounds the total bytes ReadHTTPConnectResponse will
// read while waiting for the terminating blank line, consulting the same
// 1 MiB floor spec §4.2 uses for HTTP buffer overflow growth. A slow or
// misbehaving upstream that never terminates its header block hits this
// cap instead of growing memory unbounded.
const MaxHTTPHeaderBytes = buffers.MinOverflowGrow

// ErrHeaderTooLarge is returned when an upstream's HTTP CONNECT response
// header block exceeds MaxHTTPHeaderBytes without a terminating blank line.
var ErrHeaderTooLarge = errors.New("codec: HTTP CONNECT response header exceeded buffer limit")

// HTTPOutcome classifies a parsed HTTP CONNECT response.
type HTTPOutcome int

const (
	// HTTPSuccess means the status line contained "200" and the full
	// header block was read.
	HTTPSuccess HTTPOutcome = iota
	// HTTPAuthFailure means the status line contained "407".
	HTTPAuthFailure
	// HTTPFailure covers any other status.
	HTTPFailure
)

// BuildHTTPConnectRequest renders a CONNECT request line plus headers,
// including Proxy-Authorization when the entry carries credentials.
func BuildHTTPConnectRequest(targetHostPort string, e *entry.Entry) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "CONNECT %s HTTP/1.1\r\n", targetHostPort)
	fmt.Fprintf(&buf, "Host: %s\r\n", targetHostPort)
	if e != nil && e.HasCredentials() {
		token := base64.StdEncoding.EncodeToString([]byte(e.Username + ":" + e.Password))
		fmt.Fprintf(&buf, "Proxy-Authorization: Basic %s\r\n", token)
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// ReadHTTPConnectResponse blocks reading br line by line until the blank
// line terminating the header block arrives, then classifies the status
// line. Any bytes the upstream pipelined past the header block remain
// buffered in br for the caller to relay as the first tunneled chunk; no
// explicit "trailing bytes" plumbing is needed because the same br keeps
// being read from for the life of the tunnel (spec §4.3's "forward
// trailing bytes as the first tunneled chunk" requirement).
func ReadHTTPConnectResponse(br *bufio.Reader) (HTTPOutcome, error) {
	var total int
	statusLine, err := readLineCapped(br, &total)
	if err != nil {
		return HTTPFailure, err
	}
	for {
		line, err := readLineCapped(br, &total)
		if err != nil {
			return HTTPFailure, err
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}

	switch {
	case bytes.Contains([]byte(statusLine), []byte("200")):
		return HTTPSuccess, nil
	case bytes.Contains([]byte(statusLine), []byte("407")):
		return HTTPAuthFailure, nil
	default:
		return HTTPFailure, nil
	}
}

func readLineCapped(br *bufio.Reader, total *int) (string, error) {
	line, err := br.ReadString('\n')
	*total += len(line)
	if *total > MaxHTTPHeaderBytes {
		return "", ErrHeaderTooLarge
	}
	if err != nil {
		return "", fmt.Errorf("codec: short read: %w", err)
	}
	return line, nil
}
