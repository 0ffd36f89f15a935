package kubeconfig

import (
	"encoding/base64"
	"path/filepath"
	"testing"

	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"

	"github.com/gluk-w/beam/internal/discovery"
)

func clusterTarget() discovery.Target {
	return discovery.Target{
		Kind:                     discovery.KindCluster,
		ID:                       "orders-prod",
		Name:                     "orders-prod",
		Hostname:                 "orders-prod",
		AccountID:                "111111111111",
		Region:                   "eu-west-1",
		Endpoint:                 "abc123.gr7.eu-west-1.eks.amazonaws.com",
		RemotePort:               443,
		CertificateAuthorityData: base64.StdEncoding.EncodeToString([]byte("CA DATA")),
	}
}

func TestApplyCreatesEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kubeconfig")
	u := New(path, "default")
	tgt := clusterTarget()

	if err := u.Apply(tgt, 16385, "111111111111-PowerUser"); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	cfg, err := clientcmd.LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	name := "111111111111:eu-west-1:orders-prod"
	cluster, ok := cfg.Clusters[name]
	if !ok {
		t.Fatalf("cluster %q missing: %v", name, cfg.Clusters)
	}
	if cluster.Server != "https://abc123.gr7.eu-west-1.eks.amazonaws.com:16385" {
		t.Errorf("server = %q", cluster.Server)
	}
	if string(cluster.CertificateAuthorityData) != "CA DATA" {
		t.Errorf("CA data = %q", cluster.CertificateAuthorityData)
	}

	user := cfg.AuthInfos[name]
	if user == nil || user.Exec == nil || user.Exec.Command != "aws" {
		t.Fatalf("auth info = %+v", user)
	}
	if user.Exec.Env[0].Value != "111111111111-PowerUser" {
		t.Errorf("AWS_PROFILE = %q", user.Exec.Env[0].Value)
	}

	kctx := cfg.Contexts[name]
	if kctx == nil || kctx.Namespace != "default" {
		t.Errorf("context = %+v", kctx)
	}
	if cfg.CurrentContext != name {
		t.Errorf("current context = %q", cfg.CurrentContext)
	}
}

func TestApplyPreservesChosenNamespace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kubeconfig")
	u := New(path, "default")
	tgt := clusterTarget()

	if err := u.Apply(tgt, 16385, "profile"); err != nil {
		t.Fatal(err)
	}

	// The user switches namespace by hand.
	cfg, err := clientcmd.LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	name := EntryName(tgt)
	cfg.Contexts[name].Namespace = "payments"
	if err := clientcmd.WriteToFile(*cfg, path); err != nil {
		t.Fatal(err)
	}

	// The next engine run must not reset it.
	if err := u.Apply(tgt, 16400, "profile"); err != nil {
		t.Fatal(err)
	}
	cfg, err = clientcmd.LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Contexts[name].Namespace; got != "payments" {
		t.Errorf("namespace = %q, want payments", got)
	}
	if got := cfg.Clusters[name].Server; got != "https://abc123.gr7.eu-west-1.eks.amazonaws.com:16400" {
		t.Errorf("server not updated: %q", got)
	}
}

func TestApplyLeavesOtherEntriesAlone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kubeconfig")

	other := clientcmdapi.NewConfig()
	otherCluster := clientcmdapi.NewCluster()
	otherCluster.Server = "https://onprem.example.com"
	other.Clusters["onprem"] = otherCluster
	otherCtx := clientcmdapi.NewContext()
	otherCtx.Cluster = "onprem"
	other.Contexts["onprem"] = otherCtx
	other.CurrentContext = "onprem"
	if err := clientcmd.WriteToFile(*other, path); err != nil {
		t.Fatal(err)
	}

	u := New(path, "default")
	if err := u.Apply(clusterTarget(), 16385, "profile"); err != nil {
		t.Fatal(err)
	}

	cfg, err := clientcmd.LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Clusters["onprem"] == nil || cfg.Clusters["onprem"].Server != "https://onprem.example.com" {
		t.Error("unrelated cluster entry was touched")
	}
	if cfg.CurrentContext != "onprem" {
		t.Errorf("current context = %q, want onprem kept", cfg.CurrentContext)
	}
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kubeconfig")
	u := New(path, "default")
	tgt := clusterTarget()

	if err := u.Apply(tgt, 16385, "profile"); err != nil {
		t.Fatal(err)
	}
	if err := u.Remove(tgt); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	cfg, err := clientcmd.LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	name := EntryName(tgt)
	if _, ok := cfg.Clusters[name]; ok {
		t.Error("cluster entry survived Remove")
	}
	if _, ok := cfg.Contexts[name]; ok {
		t.Error("context entry survived Remove")
	}

	// Removing again is a no-op.
	if err := u.Remove(tgt); err != nil {
		t.Errorf("second Remove() error = %v", err)
	}
}
