package engine

import (
	"bufio"
	"context"
	"errors"
	"net"
	"time"

	"github.com/nullbyte-labs/socksrotate/internal/buffers"
	"github.com/nullbyte-labs/socksrotate/internal/codec"
	"github.com/nullbyte-labs/socksrotate/internal/entry"
	"github.com/nullbyte-labs/socksrotate/internal/session"
	apperrors "github.com/nullbyte-labs/socksrotate/pkg/errors"
)

// clientHandshakeTimeout bounds the client-facing greeting/request decode,
// separate from the (much longer) relay phase which has no read deadline
// of its own and relies on the reaper for idle teardown.
const clientHandshakeTimeout = 10 * time.Second

func (s *Service) handleConnection(ctx context.Context, id string, conn net.Conn) {
	st := session.New(id, conn, buffers.KindSOCKS)
	s.cfg.Stats.IncrementActive()
	s.reaper.Track(st)
	defer func() {
		s.reaper.Untrack(st.Key())
		s.cfg.Stats.DecrementActive()
		st.Close()
	}()

	st.SetStage(session.StageClientHandshake)
	_ = conn.SetReadDeadline(time.Now().Add(clientHandshakeTimeout))

	if err := s.dispatch(st); err != nil {
		s.log.Error("connection %s: %v", id, err)
		return
	}
	if s.cfg.Limiter != nil && st.Entry != nil {
		defer s.cfg.Limiter.Release(st.Entry.Key())
	}

	_ = conn.SetReadDeadline(time.Time{})
	st.SetStage(session.StageProxyConnected)
	st.Touch()
	s.relay(st)
}

// dispatch decodes the client's greeting/request, resolves bypass-or-
// registry dispatch, performs the upstream handshake (retrying with a
// different entry up to cfg.MaxRetries times on upstream-connect/handshake
// failures), and writes the client-facing reply. Upstream-target failures
// are surfaced to the client as-is and never penalize the upstream or
// trigger a retry.
func (s *Service) dispatch(st *session.State) error {
	first, err := st.ClientReader.Peek(1)
	if err != nil {
		return apperrors.WrapKind(apperrors.KindClientProtocol, "peek-version", "failed to peek client version byte", err)
	}

	switch first[0] {
	case 0x05:
		return s.dispatchSocks5(st)
	case 0x04:
		return s.dispatchSocks4(st)
	default:
		return apperrors.NewKind(apperrors.KindClientProtocol, "bad-version", "unsupported client protocol version byte")
	}
}

func (s *Service) dispatchSocks5(st *session.State) error {
	st.Inbound = session.InboundSocks5
	if _, err := codec.DecodeSOCKS5Greeting(st.ClientReader); err != nil {
		return apperrors.WrapKind(apperrors.KindClientProtocol, "socks5-greeting", "malformed SOCKS5 greeting", err)
	}
	if _, err := st.ClientWriter.Write(codec.EncodeSOCKS5GreetingReply()); err != nil {
		return err
	}
	if err := st.ClientWriter.Flush(); err != nil {
		return err
	}

	target, err := codec.DecodeSOCKS5Request(st.ClientReader)
	if err != nil {
		rep := codec.RepGeneralFailure
		if err == codec.ErrCommandNotSupported {
			rep = codec.RepCommandNotSupported
		}
		s.writeSocks5Reply(st, rep)
		return apperrors.WrapKind(apperrors.KindClientProtocol, "socks5-request", "malformed SOCKS5 request", err)
	}
	st.Target = target

	selected, outcome := s.connectUpstream(st)
	if outcome.rep5 == 0 {
		outcome.rep5 = codec.RepSuccess
	}
	s.writeSocks5Reply(st, outcome.rep5)
	if outcome.err != nil {
		return outcome.err
	}
	st.Entry = selected
	return nil
}

func (s *Service) dispatchSocks4(st *session.State) error {
	st.Inbound = session.InboundSocks4
	req, err := codec.DecodeSOCKS4Request(st.ClientReader)
	if err != nil {
		s.writeSocks4Reply(st, codec.Socks4Failed)
		return apperrors.WrapKind(apperrors.KindClientProtocol, "socks4-request", "malformed SOCKS4 request", err)
	}
	st.Socks4 = req

	selected, outcome := s.connectUpstream(st)
	cd := codec.Socks4Granted
	if outcome.err != nil {
		cd = codec.Socks4Failed
	}
	s.writeSocks4Reply(st, cd)
	if outcome.err != nil {
		return outcome.err
	}
	st.Entry = selected
	return nil
}

func (s *Service) writeSocks5Reply(st *session.State, rep byte) {
	_, _ = st.ClientWriter.Write(codec.EncodeSOCKS5Reply(rep))
	_ = st.ClientWriter.Flush()
}

func (s *Service) writeSocks4Reply(st *session.State, cd byte) {
	_, _ = st.ClientWriter.Write(codec.EncodeSOCKS4Reply(cd))
	_ = st.ClientWriter.Flush()
}

type connectOutcome struct {
	err  error
	rep5 byte
}

// connectUpstream resolves bypass-or-registry dispatch and performs the
// upstream handshake, retrying with a different entry on
// upstream-connect/upstream-handshake failures up to cfg.MaxRetries times.
// An upstream-target failure (the upstream reached the destination and the
// destination itself refused) is surfaced immediately without retrying or
// penalizing the upstream.
func (s *Service) connectUpstream(st *session.State) (*entry.Entry, connectOutcome) {
	targetHostPort := st.TargetHostPort()
	targetHostStr, targetPort := hostPort(targetHostPort)

	if s.cfg.Bypass.ShouldBypass(targetHostStr) {
		direct := entry.NewDirect(targetHostStr, int(targetPort))
		if err := s.dialAndHandshake(st, direct, targetHostPort); err != nil {
			// A bypass target that fails to dial directly falls back to a
			// single registry attempt rather than the full retry budget,
			// and rather than failing outright.
			return s.connectViaRegistry(st, targetHostPort, 1)
		}
		return direct, connectOutcome{}
	}

	return s.connectViaRegistry(st, targetHostPort, s.cfg.MaxRetries+1)
}

func (s *Service) connectViaRegistry(st *session.State, targetHostPort string, attempts int) (*entry.Entry, connectOutcome) {
	exclude := make(map[*entry.Entry]struct{})

	var lastErr error
	for i := 0; i < attempts; i++ {
		e := s.cfg.Registry.SelectExcluding(exclude)
		if e == nil {
			if lastErr == nil {
				lastErr = apperrors.NewKind(apperrors.KindResource, "no-upstream", "no active upstream proxies available")
			}
			return nil, connectOutcome{err: lastErr, rep5: codec.RepGeneralFailure}
		}
		exclude[e] = struct{}{}

		err := s.dialAndHandshake(st, e, targetHostPort)
		if err == nil {
			return e, connectOutcome{}
		}

		if ue, ok := err.(*codec.UpstreamError); ok && ue.TargetLevel {
			return e, connectOutcome{err: err, rep5: mapUpstreamRepToReply(ue.Rep)}
		}

		s.cfg.Registry.IncrementFailure(e)
		lastErr = err
	}
	return nil, connectOutcome{err: lastErr, rep5: codec.RepGeneralFailure}
}

func mapUpstreamRepToReply(rep byte) byte {
	if rep == 0 {
		return codec.RepHostUnreachable
	}
	return rep
}

func (s *Service) dialAndHandshake(st *session.State, e *entry.Entry, targetHostPort string) error {
	dialAddr := e.Key()
	if e.Protocol == entry.Direct {
		dialAddr = targetHostPort
	}
	conn, err := codec.DialRaw(dialAddr, false)
	if err != nil {
		kind := apperrors.KindUpstreamConnect
		if e.Protocol == entry.Direct {
			kind = apperrors.KindDirectConnect
		}
		return apperrors.WrapKind(kind, "dial", "failed to connect to upstream", err)
	}

	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)

	switch e.Protocol {
	case entry.SOCKS5:
		st.SetStage(session.StageSocks5Connect)
		target, terr := codec.ParseHostPort(targetHostPort)
		if terr != nil {
			err = terr
			break
		}
		err = codec.DialSOCKS5Upstream(br, bw, e, target)
	case entry.SOCKS4:
		st.SetStage(session.StageSocks4Connect)
		target, terr := codec.ParseHostPort(targetHostPort)
		if terr != nil {
			err = terr
			break
		}
		err = codec.DialSOCKS4Upstream(br, bw, target.ToSocks4Request(st.Socks4.UserID))
	case entry.HTTP:
		st.SetStage(session.StageHTTPConnect)
		err = codec.DialHTTPConnectUpstream(br, bw, e, targetHostPort)
	case entry.Direct:
		err = nil
	}

	if err != nil {
		conn.Close()
		if _, ok := err.(*codec.UpstreamError); ok {
			return err
		}
		if errors.Is(err, codec.ErrHeaderTooLarge) {
			return apperrors.WrapKind(apperrors.KindResource, "buffer-overflow", "upstream response exceeded buffer limit", err)
		}
		return apperrors.WrapKind(apperrors.KindUpstreamHandshake, "handshake", "upstream rejected the handshake", err)
	}

	st.UpstreamConn = conn
	st.UpstreamReader = br
	st.UpstreamWriter = bw

	kind := buffers.KindSOCKS
	switch e.Protocol {
	case entry.HTTP:
		kind = buffers.KindHTTP
	case entry.Direct:
		kind = buffers.KindDirect
	}
	st.Buffers = buffers.NewPair(kind)

	s.cfg.Stats.RecordConnection(e.Key())
	if s.cfg.Limiter != nil {
		s.cfg.Limiter.Track(e.Key())
	}
	return nil
}

func hostPort(hostport string) (string, uint16) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, 0
	}
	var port uint16
	for _, c := range portStr {
		if c < '0' || c > '9' {
			break
		}
		port = port*10 + uint16(c-'0')
	}
	return host, port
}
