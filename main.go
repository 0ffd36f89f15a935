// beam opens SSM port-forwarding tunnels to private AWS resources (bastions,
// EKS control planes, RDS databases) discovered across your SSO accounts,
// and keeps /etc/hosts, kubeconfig and AWS profiles in sync while they live.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gluk-w/beam/internal/awsauth"
	"github.com/gluk-w/beam/internal/awsconfig"
	"github.com/gluk-w/beam/internal/config"
	"github.com/gluk-w/beam/internal/discovery"
	"github.com/gluk-w/beam/internal/engine"
	"github.com/gluk-w/beam/internal/hosts"
	"github.com/gluk-w/beam/internal/kubeconfig"
	"github.com/gluk-w/beam/internal/logging"
	"github.com/gluk-w/beam/internal/state"
	"github.com/gluk-w/beam/internal/tunnel"
)

// Exit codes. Scripts key off these.
const (
	exitOK        = 0
	exitGeneric   = 1
	exitAuth      = 2
	exitHosts     = 3
	exitNoTargets = 4
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitGeneric)
	}

	var err error
	switch os.Args[1] {
	case "connect":
		err = runConnect(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "disconnect":
		err = runDisconnect(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(exitGeneric)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: beam <command> [flags] [selector]

Commands:
  connect [selector]     open tunnels to matching targets (default: all)
  status                 show live tunnels
  disconnect [selector]  close matching tunnels (default: all)

A selector is a case-insensitive glob or substring matched against target
names, hostnames and ids, or the literal "all".

Flags:
  -config <path>         config file (default ~/.beam/config.yaml)
  -rescan                connect: ignore the cached inventory and rescan
`)
}

func exitCode(err error) int {
	var authErr *awsauth.AuthError
	if errors.As(err, &authErr) {
		return exitAuth
	}
	var fileErr *hosts.FileError
	if errors.As(err, &fileErr) {
		return exitHosts
	}
	if errors.Is(err, engine.ErrNoTargets) {
		return exitNoTargets
	}
	return exitGeneric
}

func loadSettings(fs *flag.FlagSet, args []string) (*config.Settings, error) {
	cfgPath := fs.String("config", config.DefaultPath(), "config file path")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config.Load(*cfgPath)
}

func openStore(settings *config.Settings) (*state.Store, error) {
	return state.Open(filepath.Join(settings.DataDir, "state.db"))
}

func runConnect(args []string) error {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultPath(), "config file path")
	rescan := fs.Bool("rescan", false, "ignore the cached inventory and rescan")
	fs.Parse(args)
	selector := "all"
	if fs.NArg() > 0 {
		selector = fs.Arg(0)
	}

	settings, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}

	logging.Init(settings.LogPath)
	defer logging.Close()

	store, err := openStore(settings)
	if err != nil {
		return err
	}
	defer store.Close()

	provider := awsauth.New(awsauth.Options{
		StartURL:     settings.SSOStartURL,
		SSORegion:    settings.SSORegion,
		ExpiryMargin: settings.ExpiryMargin,
		DataDir:      settings.DataDir,
		Keys:         store,
	})
	scanner := discovery.NewScanner(settings, provider)
	manager := tunnel.NewManager(tunnel.Options{
		Locker:         store,
		Creds:          provider,
		PermissionSet:  settings.PermissionSet,
		BasePort:       settings.BasePort,
		ConnectTimeout: settings.ConnectTimeout,
		DrainTimeout:   settings.DrainTimeout,
		Profile: func(accountID string) string {
			return awsconfig.ProfileName(accountID, settings.PermissionSet)
		},
	})
	hostsFile := hosts.New(hosts.SystemPath())
	kube := kubeconfig.New(kubeconfig.DefaultPath(), settings.DefaultNamespace)
	profiles := awsconfig.NewWriter(awsconfig.DefaultPath(), settings.SSOStartURL, settings.SSORegion)

	eng := engine.New(settings, store, scanner, manager, hostsFile, kube, profiles, provider)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return eng.Connect(ctx, selector, *rescan)
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	settings, err := loadSettings(fs, args)
	if err != nil {
		return err
	}

	store, err := openStore(settings)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, live, err := engine.Status(context.Background(), settings, store)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no live tunnels")
		return nil
	}

	source := "checkpoint"
	if live {
		source = "running engine"
	}
	fmt.Printf("%d live tunnels (%s):\n", len(entries), source)
	for _, e := range entries {
		fmt.Printf("  %-10s %-30s %s -> 127.0.0.1:%d (account %s, %s)\n",
			e.Kind, e.Hostname, e.Name, e.LocalPort, e.AccountID, e.Region)
	}
	return nil
}

func runDisconnect(args []string) error {
	fs := flag.NewFlagSet("disconnect", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultPath(), "config file path")
	fs.Parse(args)
	selector := "all"
	if fs.NArg() > 0 {
		selector = fs.Arg(0)
	}

	settings, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}

	store, err := openStore(settings)
	if err != nil {
		return err
	}
	defer store.Close()

	hostsFile := hosts.New(hosts.SystemPath())
	closed, err := engine.Disconnect(context.Background(), settings, store, hostsFile, selector)
	if err != nil {
		return err
	}
	if closed == 0 {
		fmt.Println("nothing matched")
		return nil
	}
	fmt.Printf("closed %d tunnels\n", closed)
	return nil
}
