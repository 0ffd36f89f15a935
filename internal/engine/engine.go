// Package engine orchestrates the local commands: connect opens tunnels and
// keeps them alive until a signal, status and disconnect act on a running
// engine through its control API or fall back to the checkpoint.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gluk-w/beam/internal/config"
	"github.com/gluk-w/beam/internal/control"
	"github.com/gluk-w/beam/internal/discovery"
	"github.com/gluk-w/beam/internal/hosts"
	"github.com/gluk-w/beam/internal/state"
	"github.com/gluk-w/beam/internal/tunnel"
)

// ErrNoTargets means the selector matched nothing; connect writes nothing
// anywhere in that case.
var ErrNoTargets = errors.New("no targets found")

// loopbackIP is what managed hostnames resolve to while a tunnel is live.
const loopbackIP = "127.0.0.1"

// discoveryCacheSetting is the state store key holding the last scan result.
const discoveryCacheSetting = "discovery_cache"

// Scanner yields the target inventory. discovery.Scanner implements it.
type Scanner interface {
	Scan(ctx context.Context) (discovery.Result, error)
}

// Tunnels is the tunnel manager surface the engine drives.
type Tunnels interface {
	Open(ctx context.Context, target discovery.Target) (*tunnel.Tunnel, error)
	Close(ctx context.Context, key string) error
	CloseAll(ctx context.Context) []error
	OnStateChange(cb tunnel.Callback)
}

// Hosts is the managed hosts block surface.
type Hosts interface {
	Apply(hostname, ip string) error
	Remove(hostname string) error
}

// Kube upserts kubeconfig entries for cluster targets.
type Kube interface {
	Apply(t discovery.Target, localPort int, profile string) error
}

// Profiles writes AWS config profiles for the plugin and kubectl exec auth.
type Profiles interface {
	EnsureProfile(accountID, role, region string) (string, error)
}

// Refresher re-derives credentials nearing expiry; the cron job drives it.
type Refresher interface {
	RefreshExpiring(ctx context.Context) []error
}

// Engine wires discovery, tunnels, hosts and state together for one
// connect invocation.
type Engine struct {
	settings *config.Settings
	store    *state.Store
	scanner  Scanner
	tunnels  Tunnels
	hosts    Hosts
	kube     Kube
	profiles Profiles
	creds    Refresher

	mu          sync.Mutex
	profileName map[string]string // accountID -> written profile
	targetByKey map[string]discovery.Target
}

// New builds an Engine and wires the tunnel failure callback: a tunnel that
// dies underneath us takes its hosts entry and state record with it.
func New(settings *config.Settings, store *state.Store, scanner Scanner, tunnels Tunnels, hostsFile Hosts, kube Kube, profiles Profiles, creds Refresher) *Engine {
	e := &Engine{
		settings:    settings,
		store:       store,
		scanner:     scanner,
		tunnels:     tunnels,
		hosts:       hostsFile,
		kube:        kube,
		profiles:    profiles,
		creds:       creds,
		profileName: make(map[string]string),
		targetByKey: make(map[string]discovery.Target),
	}
	tunnels.OnStateChange(func(key string, from, to tunnel.State) {
		if from == tunnel.StateEstablished && to == tunnel.StateFailed {
			e.reapFailed(key)
		}
	})
	return e
}

// reapFailed cleans up after a tunnel that died while established.
func (e *Engine) reapFailed(key string) {
	entry, ok := e.store.Get(key)
	if !ok {
		return
	}
	if err := e.hosts.Remove(entry.Hostname); err != nil {
		log.Printf("WARNING: remove hosts entry %s: %v", entry.Hostname, err)
	}
	if err := e.store.Unregister(key); err != nil {
		log.Printf("WARNING: unregister %s: %v", key, err)
	}
	log.Printf("tunnel %s died, cleaned up hosts and state", key)
}

// Connect opens tunnels for every target the selector picks and blocks until
// ctx is cancelled (signal), then drains everything.
func (e *Engine) Connect(ctx context.Context, selector string, rescan bool) error {
	targets, err := e.inventory(ctx, rescan)
	if err != nil {
		return err
	}

	selected := discovery.Select(targets, selector)
	if len(selected) == 0 {
		return fmt.Errorf("%w for selector %q", ErrNoTargets, selector)
	}
	log.Printf("selector %q matched %d of %d targets", selector, len(selected), len(targets))

	if err := e.ensureProfiles(selected); err != nil {
		return err
	}

	opened, err := e.openAll(ctx, selected)
	if err != nil {
		e.teardown(context.Background())
		return err
	}
	if opened == 0 {
		return fmt.Errorf("no tunnels established")
	}

	ctl := control.NewServer(e.settings.ControlPort, e)
	if err := ctl.Start(); err != nil {
		log.Printf("WARNING: control API unavailable (another engine running?): %v", err)
		ctl = nil
	}

	refresh := cron.New()
	refresh.AddFunc("@every 1m", func() {
		for _, err := range e.creds.RefreshExpiring(context.Background()) {
			log.Printf("WARNING: credential refresh: %v", err)
		}
	})
	refresh.Start()

	log.Printf("%d tunnels up, press Ctrl-C to disconnect", opened)
	<-ctx.Done()
	log.Println("shutting down...")

	refresh.Stop()
	if ctl != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		ctl.Shutdown(shutdownCtx)
		cancel()
	}
	e.teardown(context.Background())
	log.Println("all tunnels closed")
	return nil
}

// inventory returns targets from the cached scan, or runs a fresh one.
func (e *Engine) inventory(ctx context.Context, rescan bool) ([]discovery.Target, error) {
	if !rescan {
		if raw, err := e.store.GetSetting(discoveryCacheSetting); err == nil {
			var cached []discovery.Target
			if err := json.Unmarshal([]byte(raw), &cached); err == nil && len(cached) > 0 {
				log.Printf("using cached inventory (%d targets); pass --rescan to refresh", len(cached))
				e.remember(cached)
				return cached, nil
			}
		}
	}

	res, err := e.scanner.Scan(ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range res.Failures {
		log.Printf("WARNING: %v", f)
	}
	for _, sk := range res.Skipped {
		log.Printf("skipping %s %s (%s/%s): %s", sk.Kind, sk.Name, sk.AccountID, sk.Region, sk.Reason)
	}

	if raw, err := json.Marshal(res.Targets); err == nil {
		if err := e.store.SetSetting(discoveryCacheSetting, string(raw)); err != nil {
			log.Printf("WARNING: cache inventory: %v", err)
		}
	}
	e.remember(res.Targets)
	return res.Targets, nil
}

func (e *Engine) remember(targets []discovery.Target) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range targets {
		e.targetByKey[t.Key()] = t
	}
}

// ensureProfiles writes one AWS config profile per account before any
// plugin process needs it.
func (e *Engine) ensureProfiles(targets []discovery.Target) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range targets {
		if _, done := e.profileName[t.AccountID]; done {
			continue
		}
		name, err := e.profiles.EnsureProfile(t.AccountID, e.settings.PermissionSet, t.Region)
		if err != nil {
			return fmt.Errorf("write AWS profile for %s: %w", t.AccountID, err)
		}
		e.profileName[t.AccountID] = name
	}
	return nil
}

// openAll opens tunnels with a bounded pool. Per-target failures are logged
// and skipped; a hosts write failure is fatal and aborts the whole connect.
func (e *Engine) openAll(ctx context.Context, targets []discovery.Target) (int, error) {
	sem := make(chan struct{}, e.settings.OpenConcurrency)
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		opened int
		fatal  error
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, t := range targets {
		wg.Add(1)
		go func(t discovery.Target) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			err := e.openOne(ctx, t)

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				opened++
				return
			}
			var fileErr *hosts.FileError
			if errors.As(err, &fileErr) {
				if fatal == nil {
					fatal = err
					cancel()
				}
				return
			}
			log.Printf("WARNING: connect %s: %v", t.Key(), err)
		}(t)
	}
	wg.Wait()

	if fatal != nil {
		return opened, fatal
	}
	return opened, nil
}

// openOne runs the per-target sequence: tunnel up, hosts entry, state
// record, kubeconfig for clusters. The hosts write comes before the state
// registration so a record never exists without its hostname resolving.
func (e *Engine) openOne(ctx context.Context, t discovery.Target) error {
	tun, err := e.tunnels.Open(ctx, t)
	if err != nil {
		return err
	}

	if err := e.hosts.Apply(t.Hostname, loopbackIP); err != nil {
		e.tunnels.Close(ctx, t.Key())
		return err
	}

	entry := state.Entry{
		Key:        t.Key(),
		Kind:       string(t.Kind),
		AccountID:  t.AccountID,
		Region:     t.Region,
		Name:       t.Name,
		Hostname:   t.Hostname,
		HostsIP:    loopbackIP,
		LocalPort:  tun.LocalPort,
		RemotePort: t.RemotePort,
		SessionID:  tun.SessionID,
		PluginPID:  tun.PluginPID,
		OwnerPID:   os.Getpid(),
	}
	if err := e.store.Register(entry); err != nil {
		// A concurrent open for the same target already registered; its
		// record and hosts entry stand and the tunnel is shared, so there
		// is nothing to undo.
		if errors.Is(err, state.ErrAlreadyLive) {
			return nil
		}
		e.hosts.Remove(t.Hostname)
		e.tunnels.Close(ctx, t.Key())
		return err
	}

	if t.Kind == discovery.KindCluster {
		e.mu.Lock()
		profile := e.profileName[t.AccountID]
		e.mu.Unlock()
		if err := e.kube.Apply(t, tun.LocalPort, profile); err != nil {
			log.Printf("WARNING: kubeconfig for %s: %v", t.ID, err)
		}
	}

	log.Printf("%s -> 127.0.0.1:%d (%s)", t.Hostname, tun.LocalPort, t.Key())
	return nil
}

// teardown closes every tunnel and clears the hosts entries and state
// records this engine owns.
func (e *Engine) teardown(ctx context.Context) {
	entries := e.store.List()

	for _, err := range e.tunnels.CloseAll(ctx) {
		log.Printf("WARNING: close: %v", err)
	}
	for _, entry := range entries {
		if err := e.hosts.Remove(entry.Hostname); err != nil {
			log.Printf("WARNING: remove hosts entry %s: %v", entry.Hostname, err)
		}
		if err := e.store.Unregister(entry.Key); err != nil {
			log.Printf("WARNING: unregister %s: %v", entry.Key, err)
		}
	}
}

// LiveEntries implements the control API view of the registry.
func (e *Engine) LiveEntries() []state.Entry {
	return e.store.List()
}

// DisconnectSelector closes every live tunnel the selector picks and cleans
// up after each. Implements the control API.
func (e *Engine) DisconnectSelector(ctx context.Context, selector string) (int, error) {
	closed := 0
	for _, entry := range e.store.List() {
		if !matchEntry(entry, selector) {
			continue
		}
		if err := e.tunnels.Close(ctx, entry.Key); err != nil {
			log.Printf("WARNING: close %s: %v", entry.Key, err)
		}
		if err := e.hosts.Remove(entry.Hostname); err != nil {
			log.Printf("WARNING: remove hosts entry %s: %v", entry.Hostname, err)
		}
		if err := e.store.Unregister(entry.Key); err != nil {
			log.Printf("WARNING: unregister %s: %v", entry.Key, err)
		}
		closed++
	}
	return closed, nil
}

// matchEntry applies the target selector semantics to a state entry.
func matchEntry(e state.Entry, selector string) bool {
	sel := strings.ToLower(strings.TrimSpace(selector))
	if sel == "" || sel == "all" {
		return true
	}
	for _, field := range []string{e.Name, e.Hostname, e.Key} {
		f := strings.ToLower(field)
		if ok, err := path.Match(sel, f); err == nil && ok {
			return true
		}
		if strings.Contains(f, sel) {
			return true
		}
	}
	return false
}

// Status reports tunnel state for a CLI invocation: the control API of a
// running engine when one answers, the checkpoint otherwise. Checkpoint
// records whose owner process is gone are pruned as stale.
func Status(ctx context.Context, settings *config.Settings, store *state.Store) ([]state.Entry, bool, error) {
	if entries, err := control.NewClient(settings.ControlPort).Status(ctx); err == nil {
		return entries, true, nil
	}

	persisted, err := store.Persisted()
	if err != nil {
		return nil, false, err
	}
	var live []state.Entry
	for _, entry := range persisted {
		if !processAlive(entry.OwnerPID) {
			log.Printf("pruning stale record %s (owner pid %d gone)", entry.Key, entry.OwnerPID)
			store.DeletePersisted(entry.Key)
			continue
		}
		live = append(live, entry)
	}
	return live, false, nil
}

// Disconnect tears down tunnels matching the selector from a CLI
// invocation. A running engine does it through the control API; otherwise
// the checkpoint fallback kills the plugin processes and cleans up.
func Disconnect(ctx context.Context, settings *config.Settings, store *state.Store, hostsFile Hosts, selector string) (int, error) {
	if closed, err := control.NewClient(settings.ControlPort).Disconnect(ctx, selector); err == nil {
		return closed, nil
	}

	persisted, err := store.Persisted()
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, entry := range persisted {
		if !matchEntry(entry, selector) {
			continue
		}
		if processAlive(entry.PluginPID) {
			if proc, err := os.FindProcess(entry.PluginPID); err == nil {
				proc.Signal(syscall.SIGTERM)
			}
		}
		if err := hostsFile.Remove(entry.Hostname); err != nil {
			return closed, err
		}
		if err := store.DeletePersisted(entry.Key); err != nil {
			log.Printf("WARNING: delete record %s: %v", entry.Key, err)
		}
		closed++
	}
	return closed, nil
}

// processAlive reports whether a PID refers to a running process.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
