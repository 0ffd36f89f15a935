// Package tunnel owns the lifecycle of SSM port-forwarding sessions: local
// port allocation, session-manager-plugin processes, the per-tunnel state
// machine and liveness watching.
package tunnel

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/google/uuid"

	"github.com/gluk-w/beam/internal/awsauth"
	"github.com/gluk-w/beam/internal/discovery"
)

// TunnelError is a tunnel setup or teardown failure, carrying the target key.
type TunnelError struct {
	Key string
	Err error
}

func (e *TunnelError) Error() string {
	return fmt.Sprintf("tunnel %s: %v", e.Key, e.Err)
}

func (e *TunnelError) Unwrap() error { return e.Err }

// SSMAPI is the SSM call subset the manager uses.
type SSMAPI interface {
	StartSession(ctx context.Context, in *ssm.StartSessionInput, opts ...func(*ssm.Options)) (*ssm.StartSessionOutput, error)
	TerminateSession(ctx context.Context, in *ssm.TerminateSessionInput, opts ...func(*ssm.Options)) (*ssm.TerminateSessionOutput, error)
}

type ssmFactory func(cfg aws.Config) SSMAPI

func awsSSM(cfg aws.Config) SSMAPI { return ssm.NewFromConfig(cfg) }

// CredentialSource yields account credentials for session setup.
type CredentialSource interface {
	Credentials(ctx context.Context, accountID, role string) (awsauth.CredentialSet, error)
}

// Locker serializes operations per target key. The state store implements it.
type Locker interface {
	Lock(key string)
	Unlock(key string)
}

// Tunnel is one live port-forwarding session.
type Tunnel struct {
	ID        string
	Key       string
	Target    discovery.Target
	LocalPort int
	SessionID string
	PluginPID int
	StartedAt time.Time

	proc   process
	ssmAPI SSMAPI
}

// Options configures a Manager.
type Options struct {
	Locker        Locker
	Creds         CredentialSource
	PermissionSet string

	BasePort       int
	ConnectTimeout time.Duration
	DrainTimeout   time.Duration

	// Profile names the AWS config profile passed to the plugin for an
	// account. Defaults to "<account>-<permission set>".
	Profile func(accountID string) string
}

// Manager opens and closes tunnels and tracks their state.
type Manager struct {
	locker  Locker
	creds   CredentialSource
	role    string
	profile func(accountID string) string

	connectTimeout time.Duration
	drainTimeout   time.Duration

	ports  *portAllocator
	states *Tracker

	newSSM ssmFactory
	launch launcher

	mu      sync.Mutex
	tunnels map[string]*Tunnel
}

// NewManager builds a Manager.
func NewManager(opts Options) *Manager {
	m := &Manager{
		locker:         opts.Locker,
		creds:          opts.Creds,
		role:           opts.PermissionSet,
		profile:        opts.Profile,
		connectTimeout: opts.ConnectTimeout,
		drainTimeout:   opts.DrainTimeout,
		ports:          newPortAllocator(opts.BasePort),
		states:         NewTracker(),
		newSSM:         awsSSM,
		launch:         launchPlugin,
		tunnels:        make(map[string]*Tunnel),
	}
	if m.connectTimeout == 0 {
		m.connectTimeout = 30 * time.Second
	}
	if m.drainTimeout == 0 {
		m.drainTimeout = 10 * time.Second
	}
	if m.profile == nil {
		role := opts.PermissionSet
		m.profile = func(accountID string) string { return accountID + "-" + role }
	}
	return m
}

// OnStateChange registers a callback on the tunnel state machine.
func (m *Manager) OnStateChange(cb Callback) { m.states.OnChange(cb) }

// State returns the current state of a target's tunnel.
func (m *Manager) State(key string) State { return m.states.Get(key) }

// Transitions returns the recorded state history for a target.
func (m *Manager) Transitions(key string) []Transition { return m.states.Transitions(key) }

// Get returns the live tunnel for a key, if any.
func (m *Manager) Get(key string) (*Tunnel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tunnels[key]
	return t, ok
}

// List returns all live tunnels.
func (m *Manager) List() []*Tunnel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Tunnel, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		out = append(out, t)
	}
	return out
}

// Open establishes a tunnel to the target, or returns the existing live one.
// Concurrent opens for the same target serialize on the per-target lock and
// collapse into the idempotent path.
func (m *Manager) Open(ctx context.Context, target discovery.Target) (*Tunnel, error) {
	key := target.Key()
	m.locker.Lock(key)
	defer m.locker.Unlock(key)

	m.mu.Lock()
	if t, ok := m.tunnels[key]; ok {
		m.mu.Unlock()
		return t, nil
	}
	m.mu.Unlock()

	m.states.Set(key, StatePending)

	port, err := m.ports.Acquire()
	if err != nil {
		m.states.Set(key, StateFailed)
		return nil, &TunnelError{Key: key, Err: err}
	}

	t, err := m.open(ctx, target, port)
	if err != nil {
		m.ports.Release(port)
		m.states.Set(key, StateFailed)
		return nil, &TunnelError{Key: key, Err: err}
	}

	m.mu.Lock()
	m.tunnels[key] = t
	m.mu.Unlock()
	m.states.Set(key, StateEstablished)
	go m.watch(t)

	log.Printf("tunnel established: %s on 127.0.0.1:%d (session %s, plugin pid %d)",
		key, t.LocalPort, t.SessionID, t.PluginPID)
	return t, nil
}

// open performs the setup sequence for one tunnel. On error the caller
// releases the port and marks the tunnel failed.
func (m *Manager) open(ctx context.Context, target discovery.Target, port int) (*Tunnel, error) {
	key := target.Key()
	m.states.Set(key, StateConnecting)

	creds, err := m.creds.Credentials(ctx, target.AccountID, m.role)
	if err != nil {
		return nil, err
	}
	api := m.newSSM(creds.AWSConfig(target.Region))

	doc, params := sessionDocument(target, port)
	req := sessionRequest{Target: target.BastionInstanceID, DocumentName: doc, Parameters: params}
	sess, err := api.StartSession(ctx, &ssm.StartSessionInput{
		Target:       aws.String(req.Target),
		DocumentName: aws.String(req.DocumentName),
		Parameters:   req.Parameters,
	})
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	sessionID := aws.ToString(sess.SessionId)

	proc, err := m.launch(pluginSpec{
		Session:  sess,
		Region:   target.Region,
		Profile:  m.profile(target.AccountID),
		Request:  req,
		Endpoint: ssmEndpoint(target.Region),
	})
	if err != nil {
		m.terminateSession(api, sessionID)
		return nil, err
	}

	if err := waitListening(ctx, port, m.connectTimeout, proc.Done()); err != nil {
		proc.Kill()
		m.terminateSession(api, sessionID)
		return nil, err
	}

	return &Tunnel{
		ID:        uuid.NewString(),
		Key:       key,
		Target:    target,
		LocalPort: port,
		SessionID: sessionID,
		PluginPID: proc.PID(),
		StartedAt: time.Now(),
		proc:      proc,
		ssmAPI:    api,
	}, nil
}

// waitListening polls the local port until the plugin accepts connections,
// the plugin dies, or the timeout elapses.
func waitListening(ctx context.Context, port int, timeout time.Duration, died <-chan struct{}) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 250*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("port %d not accepting after %s", port, timeout)
		}
		select {
		case <-died:
			return fmt.Errorf("session-manager-plugin exited during setup")
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// watch observes the plugin process and fails the tunnel if it exits while
// established. A deliberate Close removes the tunnel from the registry first,
// so the watcher sees it gone and stands down.
func (m *Manager) watch(t *Tunnel) {
	<-t.proc.Done()

	m.mu.Lock()
	cur, ok := m.tunnels[t.Key]
	if !ok || cur != t {
		m.mu.Unlock()
		return
	}
	delete(m.tunnels, t.Key)
	m.mu.Unlock()

	m.ports.Release(t.LocalPort)
	log.Printf("WARNING: tunnel %s: plugin pid %d exited unexpectedly: %v", t.Key, t.PluginPID, t.proc.Err())
	m.states.Set(t.Key, StateFailed)
}

// Close tears down the tunnel for a key. Closing an absent tunnel is a no-op.
func (m *Manager) Close(ctx context.Context, key string) error {
	m.locker.Lock(key)
	defer m.locker.Unlock(key)

	m.mu.Lock()
	t, ok := m.tunnels[key]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.tunnels, key)
	m.mu.Unlock()

	m.states.Set(key, StateClosing)

	if err := t.proc.Terminate(); err != nil {
		t.proc.Kill()
	}
	select {
	case <-t.proc.Done():
	case <-time.After(m.drainTimeout):
		log.Printf("WARNING: tunnel %s: plugin pid %d missed drain timeout, killing", key, t.PluginPID)
		t.proc.Kill()
		<-t.proc.Done()
	case <-ctx.Done():
		t.proc.Kill()
		<-t.proc.Done()
	}

	m.terminateSession(t.ssmAPI, t.SessionID)
	m.ports.Release(t.LocalPort)
	m.states.Set(key, StateClosed)
	log.Printf("tunnel closed: %s", key)
	return nil
}

// CloseAll drains every live tunnel concurrently and returns the failures.
func (m *Manager) CloseAll(ctx context.Context) []error {
	m.mu.Lock()
	keys := make([]string, 0, len(m.tunnels))
	for key := range m.tunnels {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs []error
	)
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			if err := m.Close(ctx, key); err != nil {
				emu.Lock()
				errs = append(errs, err)
				emu.Unlock()
			}
		}(key)
	}
	wg.Wait()
	return errs
}

// terminateSession is best-effort: the session dies with the plugin anyway,
// telling SSM just cleans it up promptly.
func (m *Manager) terminateSession(api SSMAPI, sessionID string) {
	if sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := api.TerminateSession(ctx, &ssm.TerminateSessionInput{SessionId: aws.String(sessionID)}); err != nil {
		log.Printf("WARNING: terminate session %s: %v", sessionID, err)
	}
}
