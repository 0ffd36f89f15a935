package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/gluk-w/beam/internal/awsauth"
	"github.com/gluk-w/beam/internal/discovery"
	"github.com/gluk-w/beam/internal/state"
)

type fakeSSM struct {
	mu         sync.Mutex
	started    int
	terminated []string
	startErr   error
}

func (f *fakeSSM) StartSession(ctx context.Context, in *ssm.StartSessionInput, _ ...func(*ssm.Options)) (*ssm.StartSessionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started++
	return &ssm.StartSessionOutput{
		SessionId:  aws.String(fmt.Sprintf("sess-%d", f.started)),
		StreamUrl:  aws.String("wss://ssmmessages.eu-west-1.amazonaws.com/v1/data-channel/sess"),
		TokenValue: aws.String("token"),
	}, nil
}

func (f *fakeSSM) TerminateSession(ctx context.Context, in *ssm.TerminateSessionInput, _ ...func(*ssm.Options)) (*ssm.TerminateSessionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, aws.ToString(in.SessionId))
	return &ssm.TerminateSessionOutput{}, nil
}

func (f *fakeSSM) terminatedSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.terminated...)
}

type fakeProcess struct {
	pid      int
	listener net.Listener
	done     chan struct{}
	once     sync.Once
	err      error
}

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.err = err
		if p.listener != nil {
			p.listener.Close()
		}
		close(p.done)
	})
}

func (p *fakeProcess) PID() int              { return p.pid }
func (p *fakeProcess) Terminate() error      { p.exit(nil); return nil }
func (p *fakeProcess) Kill() error           { p.exit(nil); return nil }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Err() error            { return p.err }

// fakeLauncher binds the requested local port like the real plugin would.
type fakeLauncher struct {
	mu      sync.Mutex
	procs   []*fakeProcess
	specs   []pluginSpec
	err     error
	nextPID int
}

func (l *fakeLauncher) launch(spec pluginSpec) (process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	port := spec.Request.Parameters["localPortNumber"][0]
	listener, err := net.Listen("tcp", "127.0.0.1:"+port)
	if err != nil {
		return nil, err
	}
	l.nextPID++
	p := &fakeProcess{pid: 30000 + l.nextPID, listener: listener, done: make(chan struct{})}
	l.procs = append(l.procs, p)
	l.specs = append(l.specs, spec)
	return p, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

type staticCreds struct{}

func (staticCreds) Credentials(ctx context.Context, accountID, role string) (awsauth.CredentialSet, error) {
	return awsauth.CredentialSet{AccountID: accountID, Role: role, Expires: time.Now().Add(time.Hour)}, nil
}

func testTarget(id string) discovery.Target {
	return discovery.Target{
		Kind:              discovery.KindDatabase,
		ID:                id,
		Name:              id,
		Hostname:          id,
		AccountID:         "111111111111",
		Region:            "eu-west-1",
		VpcID:             "vpc-1",
		Endpoint:          id + ".abc.eu-west-1.rds.amazonaws.com",
		RemotePort:        5432,
		BastionInstanceID: "i-0bastion",
	}
}

func newTestManager(t *testing.T, basePort int) (*Manager, *fakeSSM, *fakeLauncher) {
	t.Helper()
	api := &fakeSSM{}
	l := &fakeLauncher{}
	m := NewManager(Options{
		Locker:         state.NewMemory(),
		Creds:          staticCreds{},
		PermissionSet:  "PowerUser",
		BasePort:       basePort,
		ConnectTimeout: 5 * time.Second,
		DrainTimeout:   time.Second,
	})
	m.newSSM = func(cfg aws.Config) SSMAPI { return api }
	m.launch = l.launch
	return m, api, l
}

func TestOpenAndClose(t *testing.T) {
	m, api, l := newTestManager(t, 45200)

	tun, err := m.Open(context.Background(), testTarget("orders-db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if tun.LocalPort < 45200 {
		t.Errorf("LocalPort = %d, want >= base", tun.LocalPort)
	}
	if got := m.State(tun.Key); got != StateEstablished {
		t.Errorf("State() = %v, want established", got)
	}
	if tun.SessionID != "sess-1" {
		t.Errorf("SessionID = %q", tun.SessionID)
	}

	spec := l.specs[0]
	if spec.Request.DocumentName != docPortForwardRemote {
		t.Errorf("document = %q, want remote-host forward", spec.Request.DocumentName)
	}
	if spec.Request.Target != "i-0bastion" {
		t.Errorf("session target = %q, want bastion instance", spec.Request.Target)
	}
	if spec.Endpoint != "https://ssm.eu-west-1.amazonaws.com" {
		t.Errorf("endpoint = %q", spec.Endpoint)
	}
	if spec.Profile != "111111111111-PowerUser" {
		t.Errorf("profile = %q", spec.Profile)
	}

	if err := m.Close(context.Background(), tun.Key); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := m.State(tun.Key); got != StateClosed {
		t.Errorf("State() after Close = %v, want closed", got)
	}
	if terms := api.terminatedSessions(); len(terms) != 1 || terms[0] != "sess-1" {
		t.Errorf("terminated sessions = %v, want [sess-1]", terms)
	}
	if _, live := m.Get(tun.Key); live {
		t.Error("tunnel still registered after Close")
	}
}

func TestBastionUsesPlainForwardDocument(t *testing.T) {
	m, _, l := newTestManager(t, 45230)

	tgt := testTarget("bastion")
	tgt.Kind = discovery.KindBastion
	tgt.ID = "i-0bastion"
	tgt.Endpoint = "localhost"
	tgt.RemotePort = 22

	if _, err := m.Open(context.Background(), tgt); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	spec := l.specs[0]
	if spec.Request.DocumentName != docPortForward {
		t.Errorf("document = %q, want %q", spec.Request.DocumentName, docPortForward)
	}
	if _, ok := spec.Request.Parameters["host"]; ok {
		t.Error("bastion forward carries a host parameter")
	}
	if spec.Request.Parameters["portNumber"][0] != "22" {
		t.Errorf("portNumber = %v", spec.Request.Parameters["portNumber"])
	}
}

func TestConcurrentOpenIsIdempotent(t *testing.T) {
	m, _, l := newTestManager(t, 45260)
	tgt := testTarget("orders-db")

	const n = 8
	results := make([]*Tunnel, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tun, err := m.Open(context.Background(), tgt)
			if err != nil {
				t.Errorf("Open() error = %v", err)
				return
			}
			results[i] = tun
		}(i)
	}
	wg.Wait()

	if l.launches() != 1 {
		t.Fatalf("plugin launched %d times, want 1", l.launches())
	}
	for _, tun := range results {
		if tun == nil || tun.ID != results[0].ID || tun.LocalPort != results[0].LocalPort {
			t.Errorf("concurrent Open returned different tunnels: %+v vs %+v", tun, results[0])
		}
	}
}

func TestPortsDistinctAndReusable(t *testing.T) {
	m, _, _ := newTestManager(t, 45290)

	t1, err := m.Open(context.Background(), testTarget("db-one"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t2, err := m.Open(context.Background(), testTarget("db-two"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if t1.LocalPort == t2.LocalPort {
		t.Fatalf("live tunnels share port %d", t1.LocalPort)
	}

	if err := m.Close(context.Background(), t1.Key); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	t3, err := m.Open(context.Background(), testTarget("db-three"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if t3.LocalPort != t1.LocalPort {
		t.Errorf("released port %d not reused, got %d", t1.LocalPort, t3.LocalPort)
	}
}

func TestPluginExitFailsTunnel(t *testing.T) {
	m, _, l := newTestManager(t, 45320)

	failed := make(chan string, 1)
	m.OnStateChange(func(key string, from, to State) {
		if to == StateFailed {
			failed <- key
		}
	})

	tun, err := m.Open(context.Background(), testTarget("orders-db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	l.procs[0].exit(errors.New("killed"))

	select {
	case key := <-failed:
		if key != tun.Key {
			t.Errorf("failed key = %q, want %q", key, tun.Key)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tunnel never transitioned to failed after plugin exit")
	}
	if _, live := m.Get(tun.Key); live {
		t.Error("tunnel still registered after plugin death")
	}

	// The dead tunnel's port is back in the pool.
	t2, err := m.Open(context.Background(), testTarget("db-two"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if t2.LocalPort != tun.LocalPort {
		t.Errorf("port %d not released after failure, new tunnel got %d", tun.LocalPort, t2.LocalPort)
	}
}

func TestOpenFailureCleansUp(t *testing.T) {
	m, api, l := newTestManager(t, 45350)
	l.err = errors.New("plugin binary not found")

	_, err := m.Open(context.Background(), testTarget("orders-db"))
	var tunErr *TunnelError
	if !errors.As(err, &tunErr) {
		t.Fatalf("Open() error = %v, want *TunnelError", err)
	}
	if m.State(tunErr.Key) != StateFailed {
		t.Errorf("State() = %v, want failed", m.State(tunErr.Key))
	}
	// The started session is cleaned up even though the plugin never ran.
	if terms := api.terminatedSessions(); len(terms) != 1 {
		t.Errorf("terminated sessions = %v, want the orphaned session", terms)
	}

	// The port went back to the pool.
	l.err = nil
	tun, err := m.Open(context.Background(), testTarget("orders-db"))
	if err != nil {
		t.Fatalf("Open() after failure error = %v", err)
	}
	if tun.LocalPort != 45350 {
		t.Errorf("LocalPort = %d, want base port reused", tun.LocalPort)
	}
}

func TestCloseAllDrainsEverything(t *testing.T) {
	m, _, _ := newTestManager(t, 45380)

	for _, id := range []string{"db-one", "db-two", "db-three"} {
		if _, err := m.Open(context.Background(), testTarget(id)); err != nil {
			t.Fatalf("Open(%s) error = %v", id, err)
		}
	}

	if errs := m.CloseAll(context.Background()); len(errs) != 0 {
		t.Fatalf("CloseAll() errors = %v", errs)
	}
	if len(m.List()) != 0 {
		t.Errorf("%d tunnels still live after CloseAll", len(m.List()))
	}
}

func TestCloseUnknownKeyIsNoop(t *testing.T) {
	m, _, _ := newTestManager(t, 45410)
	if err := m.Close(context.Background(), "database/1/r/never-opened"); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestPluginArgvOrder(t *testing.T) {
	spec := pluginSpec{
		Session: &ssm.StartSessionOutput{
			SessionId:  aws.String("sess-1"),
			StreamUrl:  aws.String("wss://example"),
			TokenValue: aws.String("tok"),
		},
		Region:  "eu-west-1",
		Profile: "111111111111-PowerUser",
		Request: sessionRequest{
			Target:       "i-0bastion",
			DocumentName: docPortForward,
			Parameters:   map[string][]string{"portNumber": {"22"}, "localPortNumber": {strconv.Itoa(45000)}},
		},
		Endpoint: "https://ssm.eu-west-1.amazonaws.com",
	}
	argv, err := spec.argv()
	if err != nil {
		t.Fatalf("argv() error = %v", err)
	}
	if len(argv) != 7 {
		t.Fatalf("argv length = %d, want 7", len(argv))
	}
	if argv[0] != pluginBinary || argv[2] != "eu-west-1" || argv[3] != "StartSession" ||
		argv[4] != "111111111111-PowerUser" || argv[6] != "https://ssm.eu-west-1.amazonaws.com" {
		t.Errorf("argv = %v", argv)
	}
}
