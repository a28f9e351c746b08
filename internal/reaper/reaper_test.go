package reaper

import (
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	mu            sync.Mutex
	key           string
	lastActivity  time.Time
	proxyConnected bool
	closed        bool
}

func (f *fakeConn) LastActivity() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastActivity
}

func (f *fakeConn) IsProxyConnected() bool { return f.proxyConnected }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Key() string { return f.key }

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestSweepClosesConnectionsPastIdleTimeout(t *testing.T) {
	r := New()
	stale := &fakeConn{key: "stale", lastActivity: time.Now().Add(-2 * IdleTimeout)}
	fresh := &fakeConn{key: "fresh", lastActivity: time.Now()}
	r.Track(stale)
	r.Track(fresh)

	r.sweep()

	if !stale.isClosed() {
		t.Fatal("expected stale connection to be closed")
	}
	if fresh.isClosed() {
		t.Fatal("fresh connection should not be closed")
	}
	if r.Count() != 1 {
		t.Fatalf("expected 1 tracked connection remaining, got %d", r.Count())
	}
}

func TestSweepUsesModerateTimeoutForProxyConnected(t *testing.T) {
	r := New()
	moderatelyIdle := &fakeConn{
		key:            "moderate",
		lastActivity:   time.Now().Add(-2 * ModerateIdleTimeout),
		proxyConnected: true,
	}
	r.Track(moderatelyIdle)

	r.sweep()

	if !moderatelyIdle.isClosed() {
		t.Fatal("expected moderately idle PROXY_CONNECTED connection to be closed sooner than the general idle timeout")
	}
}

func TestUntrackRemovesConnection(t *testing.T) {
	r := New()
	c := &fakeConn{key: "x", lastActivity: time.Now()}
	r.Track(c)
	r.Untrack("x")
	if r.Count() != 0 {
		t.Fatalf("expected 0 tracked connections, got %d", r.Count())
	}
}
