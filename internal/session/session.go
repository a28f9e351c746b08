// Package session holds per-connection state for the proxy engine (spec
// component C4): the inbound protocol decoded, the chosen upstream, the
// buffer pair, and the connection's position in the handshake state
// machine. It is owned exclusively by the goroutine running that
// connection; cross-goroutine access (the reaper, stats reporting) only
// ever touches the fields this package documents as safe to read
// concurrently.
package session

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nullbyte-labs/socksrotate/internal/buffers"
	"github.com/nullbyte-labs/socksrotate/internal/codec"
	"github.com/nullbyte-labs/socksrotate/internal/entry"
)

// Stage is a position in the connection's handshake/relay state machine.
type Stage int

// Stages mirror the life of a connection from accept to teardown. The
// upstream-handshake sub-stages are split out per protocol so logs and
// metrics can tell exactly where a stalled or failed connection was.
const (
	StageInitial Stage = iota
	StageClientHandshake
	StageDispatch
	StageSocks5Connect
	StageSocks4Connect
	StageHTTPConnect
	StageProxyConnected
	StageRelaying
	StageClosed
)

func (s Stage) String() string {
	switch s {
	case StageInitial:
		return "INITIAL"
	case StageClientHandshake:
		return "CLIENT_HANDSHAKE"
	case StageDispatch:
		return "DISPATCH"
	case StageSocks5Connect:
		return "SOCKS5_CONNECT"
	case StageSocks4Connect:
		return "SOCKS4_CONNECT"
	case StageHTTPConnect:
		return "HTTP_CONNECT"
	case StageProxyConnected:
		return "PROXY_CONNECTED"
	case StageRelaying:
		return "RELAYING"
	case StageClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// InboundProtocol identifies which client-facing protocol this session is
// speaking, distinct from entry.Protocol which names the upstream kind.
type InboundProtocol int

const (
	InboundSocks5 InboundProtocol = iota
	InboundSocks4
)

// State is the full per-connection record threaded through the engine's
// dispatch, handshake and relay stages.
type State struct {
	ID string

	ClientConn   net.Conn
	ClientReader *bufio.Reader
	ClientWriter *bufio.Writer

	Inbound      InboundProtocol
	Target       codec.Target
	Socks4       codec.Socks4Request

	Entry *entry.Entry

	Buffers *buffers.Pair

	UpstreamConn   net.Conn
	UpstreamReader *bufio.Reader
	UpstreamWriter *bufio.Writer

	CreatedAt time.Time

	stageMu sync.Mutex
	stage   Stage

	lastActivity atomic.Int64 // unix nanos
}

// New allocates a State for a freshly-accepted client connection.
func New(id string, conn net.Conn, kind buffers.UpstreamKind) *State {
	s := &State{
		ID:           id,
		ClientConn:   conn,
		ClientReader: bufio.NewReader(conn),
		ClientWriter: bufio.NewWriter(conn),
		Buffers:      buffers.NewPair(kind),
		CreatedAt:    time.Now(),
		stage:        StageInitial,
	}
	s.Touch()
	return s
}

// Key identifies the session for logging and for reaper.Tracked.
func (s *State) Key() string { return s.ID }

// Touch records activity now, resetting the idle clock.
func (s *State) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity implements reaper.Tracked.
func (s *State) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// SetStage transitions the session to stage, guarded so a concurrent
// reaper sweep always observes a consistent value.
func (s *State) SetStage(stage Stage) {
	s.stageMu.Lock()
	s.stage = stage
	s.stageMu.Unlock()
}

// GetStage returns the current stage.
func (s *State) GetStage() Stage {
	s.stageMu.Lock()
	defer s.stageMu.Unlock()
	return s.stage
}

// IsProxyConnected implements reaper.Tracked: PROXY_CONNECTED and RELAYING
// sessions use the shorter "moderately idle" reap timeout.
func (s *State) IsProxyConnected() bool {
	switch s.GetStage() {
	case StageProxyConnected, StageRelaying:
		return true
	default:
		return false
	}
}

// Close tears down both legs of the connection. Implements reaper.Tracked
// and is idempotent-safe to call from either the reaper or the owning
// connection goroutine's own teardown path.
func (s *State) Close() error {
	s.SetStage(StageClosed)
	if s.ClientConn != nil {
		_ = s.ClientConn.Close()
	}
	if s.UpstreamConn != nil {
		_ = s.UpstreamConn.Close()
	}
	return nil
}

// TargetHostPort renders the dial target for either inbound protocol.
func (s *State) TargetHostPort() string {
	if s.Inbound == InboundSocks4 {
		return s.Socks4.HostPort()
	}
	return s.Target.HostPort()
}
