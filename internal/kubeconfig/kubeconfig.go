// Package kubeconfig points kubectl at EKS control planes reached through a
// local tunnel. Each cluster target gets a cluster/context/user trio named
// <account>:<region>:<cluster>; nothing else in the kubeconfig is touched.
package kubeconfig

import (
	"encoding/base64"
	"fmt"
	"os"

	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"

	"github.com/gluk-w/beam/internal/discovery"
)

// Updater rewrites one kubeconfig file.
type Updater struct {
	path             string
	defaultNamespace string
}

// DefaultPath returns the standard kubeconfig location, honoring KUBECONFIG.
func DefaultPath() string {
	if env := os.Getenv(clientcmd.RecommendedConfigPathEnvVar); env != "" {
		return env
	}
	return clientcmd.RecommendedHomeFile
}

// New builds an Updater for the kubeconfig at path.
func New(path, defaultNamespace string) *Updater {
	return &Updater{path: path, defaultNamespace: defaultNamespace}
}

// EntryName returns the cluster/context/user name for a cluster target.
func EntryName(t discovery.Target) string {
	return fmt.Sprintf("%s:%s:%s", t.AccountID, t.Region, t.ID)
}

// Apply upserts the kubeconfig entry for a cluster target whose API server
// is reachable on the local tunnel port. The server URL keeps the cluster's
// own endpoint hostname so the certificate still verifies; the managed hosts
// entry resolves that hostname to the loopback.
func (u *Updater) Apply(t discovery.Target, localPort int, profile string) error {
	cfg, err := u.load()
	if err != nil {
		return err
	}

	name := EntryName(t)

	caData, err := base64.StdEncoding.DecodeString(t.CertificateAuthorityData)
	if err != nil {
		return fmt.Errorf("decode CA data for %s: %w", t.ID, err)
	}

	cluster := clientcmdapi.NewCluster()
	cluster.Server = fmt.Sprintf("https://%s:%d", t.Endpoint, localPort)
	cluster.CertificateAuthorityData = caData
	cfg.Clusters[name] = cluster

	user := clientcmdapi.NewAuthInfo()
	user.Exec = &clientcmdapi.ExecConfig{
		APIVersion: "client.authentication.k8s.io/v1beta1",
		Command:    "aws",
		Args:       []string{"eks", "get-token", "--cluster-name", t.ID, "--region", t.Region},
		Env: []clientcmdapi.ExecEnvVar{
			{Name: "AWS_PROFILE", Value: profile},
		},
		InteractiveMode: clientcmdapi.NeverExecInteractiveMode,
	}
	cfg.AuthInfos[name] = user

	// Keep a namespace the user already picked for this context.
	namespace := u.defaultNamespace
	if prev, ok := cfg.Contexts[name]; ok && prev.Namespace != "" {
		namespace = prev.Namespace
	}
	kctx := clientcmdapi.NewContext()
	kctx.Cluster = name
	kctx.AuthInfo = name
	kctx.Namespace = namespace
	cfg.Contexts[name] = kctx

	if cfg.CurrentContext == "" {
		cfg.CurrentContext = name
	}

	return clientcmd.WriteToFile(*cfg, u.path)
}

// Remove deletes the kubeconfig entry for a cluster target. Unknown entries
// are a no-op.
func (u *Updater) Remove(t discovery.Target) error {
	cfg, err := u.load()
	if err != nil {
		return err
	}

	name := EntryName(t)
	if _, ok := cfg.Contexts[name]; !ok {
		if _, ok := cfg.Clusters[name]; !ok {
			return nil
		}
	}

	delete(cfg.Clusters, name)
	delete(cfg.AuthInfos, name)
	delete(cfg.Contexts, name)
	if cfg.CurrentContext == name {
		cfg.CurrentContext = ""
	}

	return clientcmd.WriteToFile(*cfg, u.path)
}

func (u *Updater) load() (*clientcmdapi.Config, error) {
	cfg, err := clientcmd.LoadFromFile(u.path)
	if err != nil {
		if os.IsNotExist(err) {
			return clientcmdapi.NewConfig(), nil
		}
		return nil, fmt.Errorf("load kubeconfig %s: %w", u.path, err)
	}
	return cfg, nil
}
