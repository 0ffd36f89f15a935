package tunnel

import (
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/gluk-w/beam/internal/discovery"
)

// pluginBinary is the AWS session-manager-plugin executable, resolved
// through PATH.
const pluginBinary = "session-manager-plugin"

// SSM documents for port forwarding. Bastions forward to their own sshd;
// everything else rides through the bastion to a remote host.
const (
	docPortForward       = "AWS-StartPortForwardingSession"
	docPortForwardRemote = "AWS-StartPortForwardingSessionToRemoteHost"
)

// sessionRequest mirrors the StartSession request the plugin expects as its
// fifth argument.
type sessionRequest struct {
	Target       string              `json:"Target"`
	DocumentName string              `json:"DocumentName"`
	Parameters   map[string][]string `json:"Parameters"`
}

// sessionDocument returns the SSM document and parameters for a target.
func sessionDocument(t discovery.Target, localPort int) (string, map[string][]string) {
	if t.Kind == discovery.KindBastion {
		return docPortForward, map[string][]string{
			"portNumber":      {strconv.Itoa(t.RemotePort)},
			"localPortNumber": {strconv.Itoa(localPort)},
		}
	}
	return docPortForwardRemote, map[string][]string{
		"host":            {t.Endpoint},
		"portNumber":      {strconv.Itoa(t.RemotePort)},
		"localPortNumber": {strconv.Itoa(localPort)},
	}
}

func ssmEndpoint(region string) string {
	return fmt.Sprintf("https://ssm.%s.amazonaws.com", region)
}

// pluginSpec carries everything needed to exec session-manager-plugin for
// an already-started SSM session.
type pluginSpec struct {
	Session  *ssm.StartSessionOutput
	Region   string
	Profile  string
	Request  sessionRequest
	Endpoint string
}

// argv composes the plugin command line: the session payload, the region,
// the operation, the profile, the original request, and the SSM endpoint.
func (s pluginSpec) argv() ([]string, error) {
	sessionJSON, err := json.Marshal(struct {
		SessionID  string `json:"SessionId"`
		StreamURL  string `json:"StreamUrl"`
		TokenValue string `json:"TokenValue"`
	}{
		SessionID:  aws.ToString(s.Session.SessionId),
		StreamURL:  aws.ToString(s.Session.StreamUrl),
		TokenValue: aws.ToString(s.Session.TokenValue),
	})
	if err != nil {
		return nil, err
	}
	requestJSON, err := json.Marshal(s.Request)
	if err != nil {
		return nil, err
	}
	return []string{
		pluginBinary,
		string(sessionJSON),
		s.Region,
		"StartSession",
		s.Profile,
		string(requestJSON),
		s.Endpoint,
	}, nil
}

// process abstracts a running plugin for the manager and tests.
type process interface {
	PID() int
	Terminate() error
	Kill() error
	// Done is closed when the process exits.
	Done() <-chan struct{}
	Err() error
}

// launcher starts a plugin process for a spec.
type launcher func(spec pluginSpec) (process, error)

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// launchPlugin execs session-manager-plugin and watches it until exit.
func launchPlugin(spec pluginSpec) (process, error) {
	argv, err := spec.argv()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", pluginBinary, err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error { return p.err }
