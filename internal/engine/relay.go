package engine

import (
	"io"

	"github.com/nullbyte-labs/socksrotate/internal/session"
)

// relay pumps bytes in both directions until either side errors or closes,
// then closes both legs so the other direction's blocked read unblocks.
// Grounded on other_examples' drsoft-oss-proxyrotator internal/server
// tunnel() bidirectional-copy-with-half-close pattern, adapted to the
// bufio.Reader/Writer pairs the handshake phase already established (so
// any upstream bytes pipelined past the handshake reply, still sitting in
// the bufio.Reader's internal buffer, are relayed as the first tunneled
// chunk with no special-case plumbing).
func (s *Service) relay(st *session.State) {
	st.SetStage(session.StageRelaying)

	done := make(chan struct{}, 2)
	go func() {
		s.copyLoop(st.UpstreamWriter, st.ClientReader, st, st.Buffers.Input.Raw())
		done <- struct{}{}
	}()
	go func() {
		s.copyLoop(st.ClientWriter, st.UpstreamReader, st, st.Buffers.Output.Raw())
		done <- struct{}{}
	}()

	<-done
	// One direction finished (EOF, reset, or reaped). Close both legs so
	// the still-blocked direction's Read returns and its goroutine exits.
	st.Close()
	<-done
}

func (s *Service) copyLoop(dst writeFlusher, src reader, st *session.State, buf []byte) {
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			st.Touch()
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
			if ferr := dst.Flush(); ferr != nil {
				return
			}
		}
		if rerr != nil {
			if rerr != io.EOF {
				s.log.Error("relay error on connection %s: %v", st.Key(), rerr)
			}
			return
		}
	}
}

type reader interface {
	Read(p []byte) (int, error)
}

type writeFlusher interface {
	Write(p []byte) (int, error)
	Flush() error
}
