package control

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gluk-w/beam/internal/state"
)

type fakeEngine struct {
	entries   []state.Entry
	selector  string
	closed    int
	discError error
}

func (f *fakeEngine) LiveEntries() []state.Entry { return f.entries }

func (f *fakeEngine) DisconnectSelector(ctx context.Context, selector string) (int, error) {
	f.selector = selector
	if f.discError != nil {
		return 0, f.discError
	}
	return f.closed, nil
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func startServer(t *testing.T, eng Engine) int {
	t.Helper()
	port := freePort(t)
	s := NewServer(port, eng)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return port
}

func TestStatusRoundTrip(t *testing.T) {
	eng := &fakeEngine{entries: []state.Entry{
		{Key: "database/111111111111/eu-west-1/orders-db", Hostname: "orders-db", LocalPort: 16384},
	}}
	port := startServer(t, eng)

	got, err := NewClient(port).Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(got) != 1 || got[0].Key != eng.entries[0].Key || got[0].LocalPort != 16384 {
		t.Errorf("Status() = %+v", got)
	}
}

func TestDisconnectPassesSelector(t *testing.T) {
	eng := &fakeEngine{closed: 2}
	port := startServer(t, eng)

	closed, err := NewClient(port).Disconnect(context.Background(), "orders*")
	if err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if closed != 2 {
		t.Errorf("Disconnect() = %d, want 2", closed)
	}
	if eng.selector != "orders*" {
		t.Errorf("engine saw selector %q", eng.selector)
	}
}

func TestDisconnectRejectsEmptySelector(t *testing.T) {
	port := startServer(t, &fakeEngine{})

	if _, err := NewClient(port).Disconnect(context.Background(), ""); err == nil {
		t.Error("Disconnect(\"\") succeeded, want error")
	}
}

func TestClientAgainstNoServer(t *testing.T) {
	port := freePort(t)
	if _, err := NewClient(port).Status(context.Background()); err == nil {
		t.Error("Status() against dead port succeeded, want error")
	}
}

func TestServerBindsLoopbackOnly(t *testing.T) {
	port := startServer(t, &fakeEngine{})

	// The listener address is loopback; a second bind on the same port fails.
	s2 := NewServer(port, &fakeEngine{})
	if err := s2.Start(); err == nil {
		s2.Shutdown(context.Background())
		t.Error("second Start() on same port succeeded, want bind error")
	}
}
