// Package discovery enumerates reachable AWS resources across the configured
// accounts and regions: bastion EC2 instances, EKS clusters and RDS databases
// attached to a bastion through their VPC.
package discovery

import (
	"path"
	"strings"
)

// Kind discriminates the target variants.
type Kind string

const (
	KindBastion  Kind = "bastion"
	KindCluster  Kind = "cluster"
	KindDatabase Kind = "database"
)

// Target is one connectable resource. Kind selects which of the variant
// fields are meaningful; the common fields are always set.
type Target struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
	Name string `json:"name"`

	// Hostname is the name written into the managed hosts block. Clusters
	// and databases use their endpoint host, so clients resolving the real
	// endpoint land on the tunnel; bastions use their display name.
	Hostname string `json:"hostname"`

	AccountID string `json:"account_id"`
	Region    string `json:"region"`
	VpcID     string `json:"vpc_id"`

	// Endpoint host and port the tunnel forwards to. Bastions forward to
	// themselves on 22; clusters and databases to their endpoint through
	// the bastion.
	Endpoint   string `json:"endpoint"`
	RemotePort int    `json:"remote_port"`

	// BastionInstanceID carries the SSM session target. For bastions it
	// equals ID.
	BastionInstanceID string `json:"bastion_instance_id"`

	// Cluster-only.
	ClusterARN               string `json:"cluster_arn,omitempty"`
	CertificateAuthorityData string `json:"certificate_authority_data,omitempty"`

	// Database-only.
	Engine string `json:"engine,omitempty"`
}

// Key returns the stable identity of the target within a run:
// kind/account/region/id.
func (t Target) Key() string {
	return string(t.Kind) + "/" + t.AccountID + "/" + t.Region + "/" + t.ID
}

// Matches reports whether the selector picks this target. The literal "all"
// matches everything; otherwise the selector is a case-insensitive glob (or
// plain substring) tested against Name, Hostname and ID.
func (t Target) Matches(selector string) bool {
	sel := strings.ToLower(strings.TrimSpace(selector))
	if sel == "" || sel == "all" {
		return true
	}
	for _, field := range []string{t.Name, t.Hostname, t.ID} {
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

// Select filters targets by selector, preserving order.
func Select(targets []Target, selector string) []Target {
	var out []Target
	for _, t := range targets {
		if t.Matches(selector) {
			out = append(out, t)
		}
	}
	return out
}

// uniqueHostnames disambiguates hostnames that collide across targets, such
// as the same bastion name in two accounts or regions. The managed hosts
// block maps each hostname to exactly one tunnel; left colliding, one
// target's disconnect would strand the other live tunnel without name
// resolution. Colliding names are suffixed with region, then account and
// region, then the target id until free. Targets arrive sorted by key, so
// the result is stable across rescans.
func uniqueHostnames(targets []Target) {
	taken := make(map[string]bool, len(targets))
	for i := range targets {
		t := &targets[i]
		if !taken[t.Hostname] {
			taken[t.Hostname] = true
			continue
		}
		for _, suffix := range []string{
			t.Region,
			t.AccountID + "-" + t.Region,
			t.AccountID + "-" + t.Region + "-" + t.ID,
		} {
			cand := hostname(t.Hostname + "-" + suffix)
			if !taken[cand] {
				t.Hostname = cand
				break
			}
		}
		taken[t.Hostname] = true
	}
}

// hostname derives the stable name used in the managed hosts block from a
// cloud-supplied display name.
func hostname(name string) string {
	h := strings.ToLower(strings.TrimSpace(name))
	h = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '-'
		}
	}, h)
	return strings.Trim(h, "-.")
}
