package discovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	ekstypes "github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"

	"github.com/gluk-w/beam/internal/awsauth"
	"github.com/gluk-w/beam/internal/config"
	"github.com/gluk-w/beam/internal/logutil"
)

// EC2API, EKSAPI and RDSAPI are the service call subsets the scanner uses,
// satisfied by the real clients and by test fakes.
type EC2API interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

type EKSAPI interface {
	ListClusters(ctx context.Context, in *eks.ListClustersInput, opts ...func(*eks.Options)) (*eks.ListClustersOutput, error)
	DescribeCluster(ctx context.Context, in *eks.DescribeClusterInput, opts ...func(*eks.Options)) (*eks.DescribeClusterOutput, error)
}

type RDSAPI interface {
	DescribeDBInstances(ctx context.Context, in *rds.DescribeDBInstancesInput, opts ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error)
	DescribeDBClusters(ctx context.Context, in *rds.DescribeDBClustersInput, opts ...func(*rds.Options)) (*rds.DescribeDBClustersOutput, error)
}

// Clients bundles the per-unit service clients.
type Clients struct {
	EC2 EC2API
	EKS EKSAPI
	RDS RDSAPI
}

// ClientFactory builds service clients from a scoped aws.Config.
type ClientFactory func(cfg aws.Config) Clients

func awsClients(cfg aws.Config) Clients {
	return Clients{
		EC2: ec2.NewFromConfig(cfg),
		EKS: eks.NewFromConfig(cfg),
		RDS: rds.NewFromConfig(cfg),
	}
}

// CredentialSource yields per-account credentials and the account inventory.
// awsauth.Provider implements it.
type CredentialSource interface {
	Credentials(ctx context.Context, accountID, role string) (awsauth.CredentialSet, error)
	ListAccounts(ctx context.Context) ([]awsauth.Account, error)
}

// UnitError is a failure confined to one (account, region) scan unit.
type UnitError struct {
	AccountID string
	Region    string
	Err       error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("scan %s/%s: %v", e.AccountID, e.Region, e.Err)
}

func (e *UnitError) Unwrap() error { return e.Err }

// Skipped records a resource that was found but cannot be tunneled, with the
// reason (typically: no bastion in its VPC).
type Skipped struct {
	Kind      Kind
	Name      string
	AccountID string
	Region    string
	VpcID     string
	Reason    string
}

// Result is the outcome of a full scan. Unit failures land in Failures
// without aborting sibling units; an empty Targets list is not an error.
type Result struct {
	Targets  []Target     `json:"targets"`
	Failures []*UnitError `json:"-"`
	Skipped  []Skipped    `json:"skipped,omitempty"`
}

// Scanner walks accounts × regions with a bounded worker pool.
type Scanner struct {
	settings *config.Settings
	creds    CredentialSource
	clients  ClientFactory
	retry    Policy
}

// NewScanner builds a Scanner using real AWS clients.
func NewScanner(settings *config.Settings, creds CredentialSource) *Scanner {
	return &Scanner{
		settings: settings,
		creds:    creds,
		clients:  awsClients,
		retry:    Policy{MaxAttempts: settings.RetryMaxAttempts, BaseDelay: settings.RetryBaseDelay},
	}
}

// Scan enumerates targets across every configured (account, region) unit.
// It returns an error only for failures that invalidate the whole scan, such
// as an SSO session that needs a fresh login; per-unit failures are reported
// in the Result.
func (s *Scanner) Scan(ctx context.Context) (Result, error) {
	accounts := s.settings.Accounts
	if len(accounts) == 0 {
		listed, err := s.creds.ListAccounts(ctx)
		if err != nil {
			return Result{}, err
		}
		for _, a := range listed {
			accounts = append(accounts, a.ID)
		}
	}

	type unit struct{ account, region string }
	var units []unit
	for _, a := range accounts {
		for _, r := range s.settings.Regions {
			units = append(units, unit{a, r})
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu    sync.Mutex
		res   Result
		fatal error
		wg    sync.WaitGroup
	)
	sem := make(chan struct{}, s.settings.ScanConcurrency)

	for _, u := range units {
		wg.Add(1)
		go func(u unit) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			unitCtx, unitCancel := context.WithTimeout(ctx, s.settings.UnitTimeout)
			defer unitCancel()

			targets, skipped, err := s.scanUnit(unitCtx, u.account, u.region)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				var authErr *awsauth.AuthError
				if errors.As(err, &authErr) && authErr.ReauthRequired {
					if fatal == nil {
						fatal = err
						cancel()
					}
					return
				}
				log.Printf("WARNING: scan unit %s/%s failed: %v", u.account, u.region, err)
				res.Failures = append(res.Failures, &UnitError{AccountID: u.account, Region: u.region, Err: err})
				return
			}
			res.Targets = append(res.Targets, targets...)
			res.Skipped = append(res.Skipped, skipped...)
		}(u)
	}
	wg.Wait()

	if fatal != nil {
		return Result{}, fatal
	}

	res.Targets = dedupe(res.Targets)
	uniqueHostnames(res.Targets)
	return res, nil
}

// scanUnit enumerates one (account, region) pair.
func (s *Scanner) scanUnit(ctx context.Context, accountID, region string) ([]Target, []Skipped, error) {
	creds, err := s.creds.Credentials(ctx, accountID, s.settings.PermissionSet)
	if err != nil {
		return nil, nil, err
	}
	cl := s.clients(creds.AWSConfig(region))

	bastions, err := s.scanBastions(ctx, cl.EC2, accountID, region)
	if err != nil {
		return nil, nil, fmt.Errorf("ec2: %w", err)
	}

	// First bastion per VPC anchors the cluster and database tunnels.
	bastionByVpc := make(map[string]string)
	for _, b := range bastions {
		if _, ok := bastionByVpc[b.VpcID]; !ok {
			bastionByVpc[b.VpcID] = b.ID
		}
	}

	targets := bastions
	var skipped []Skipped

	if s.settings.ClustersEnabled() {
		clusters, sk, err := s.scanClusters(ctx, cl.EKS, accountID, region, bastionByVpc)
		if err != nil {
			return nil, nil, fmt.Errorf("eks: %w", err)
		}
		targets = append(targets, clusters...)
		skipped = append(skipped, sk...)
	}

	if s.settings.DatabasesEnabled() {
		dbs, sk, err := s.scanDatabases(ctx, cl.RDS, accountID, region, bastionByVpc)
		if err != nil {
			return nil, nil, fmt.Errorf("rds: %w", err)
		}
		targets = append(targets, dbs...)
		skipped = append(skipped, sk...)
	}

	log.Printf("scanned %s/%s: %d targets, %d skipped", accountID, region, len(targets), len(skipped))
	return targets, skipped, nil
}

func (s *Scanner) scanBastions(ctx context.Context, api EC2API, accountID, region string) ([]Target, error) {
	filters := []ec2types.Filter{
		{Name: aws.String("instance-state-name"), Values: []string{"running"}},
		{Name: aws.String("tag:Name"), Values: []string{s.settings.BastionPattern}},
	}
	for k, v := range s.settings.BastionTags {
		filters = append(filters, ec2types.Filter{Name: aws.String("tag:" + k), Values: []string{v}})
	}

	var targets []Target
	var next *string
	for {
		var out *ec2.DescribeInstancesOutput
		err := s.retry.Do(ctx, func() error {
			var err error
			out, err = api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{Filters: filters, NextToken: next})
			return err
		})
		if err != nil {
			return nil, err
		}

		for _, res := range out.Reservations {
			for _, inst := range res.Instances {
				name := nameTag(inst.Tags)
				if name == "" {
					name = aws.ToString(inst.InstanceId)
				}
				targets = append(targets, Target{
					Kind:              KindBastion,
					ID:                aws.ToString(inst.InstanceId),
					Name:              logutil.Sanitize(name),
					Hostname:          hostname(name),
					AccountID:         accountID,
					Region:            region,
					VpcID:             aws.ToString(inst.VpcId),
					Endpoint:          "localhost",
					RemotePort:        22,
					BastionInstanceID: aws.ToString(inst.InstanceId),
				})
			}
		}
		if out.NextToken == nil || *out.NextToken == "" {
			return targets, nil
		}
		next = out.NextToken
	}
}

func (s *Scanner) scanClusters(ctx context.Context, api EKSAPI, accountID, region string, bastionByVpc map[string]string) ([]Target, []Skipped, error) {
	var names []string
	var next *string
	for {
		var out *eks.ListClustersOutput
		err := s.retry.Do(ctx, func() error {
			var err error
			out, err = api.ListClusters(ctx, &eks.ListClustersInput{NextToken: next})
			return err
		})
		if err != nil {
			return nil, nil, err
		}
		names = append(names, out.Clusters...)
		if out.NextToken == nil || *out.NextToken == "" {
			break
		}
		next = out.NextToken
	}

	var targets []Target
	var skipped []Skipped
	for _, name := range names {
		if !matchPattern(s.settings.ClusterPattern, name) {
			continue
		}
		var out *eks.DescribeClusterOutput
		err := s.retry.Do(ctx, func() error {
			var err error
			out, err = api.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: aws.String(name)})
			return err
		})
		if err != nil {
			return nil, nil, err
		}
		c := out.Cluster
		if c == nil || c.Status != ekstypes.ClusterStatusActive {
			continue
		}

		vpcID := ""
		if c.ResourcesVpcConfig != nil {
			vpcID = aws.ToString(c.ResourcesVpcConfig.VpcId)
		}
		bastion, ok := bastionByVpc[vpcID]
		if !ok {
			skipped = append(skipped, Skipped{
				Kind: KindCluster, Name: logutil.Sanitize(name),
				AccountID: accountID, Region: region, VpcID: vpcID,
				Reason: "no bastion in VPC",
			})
			continue
		}

		caData := ""
		if c.CertificateAuthority != nil {
			caData = aws.ToString(c.CertificateAuthority.Data)
		}
		// The hosts entry carries the endpoint host itself, so kubectl
		// resolving the API server lands on the tunnel.
		endpoint := strings.ToLower(strings.TrimPrefix(aws.ToString(c.Endpoint), "https://"))
		targets = append(targets, Target{
			Kind:                     KindCluster,
			ID:                       name,
			Name:                     logutil.Sanitize(name),
			Hostname:                 endpoint,
			AccountID:                accountID,
			Region:                   region,
			VpcID:                    vpcID,
			Endpoint:                 endpoint,
			RemotePort:               443,
			BastionInstanceID:        bastion,
			ClusterARN:               aws.ToString(c.Arn),
			CertificateAuthorityData: caData,
		})
	}
	return targets, skipped, nil
}

func (s *Scanner) scanDatabases(ctx context.Context, api RDSAPI, accountID, region string, bastionByVpc map[string]string) ([]Target, []Skipped, error) {
	var targets []Target
	var skipped []Skipped

	// Instance VPCs also resolve the VPC of any cluster they belong to,
	// which the cluster API does not report directly.
	instanceVpc := make(map[string]string)

	var marker *string
	for {
		var out *rds.DescribeDBInstancesOutput
		err := s.retry.Do(ctx, func() error {
			var err error
			out, err = api.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{Marker: marker})
			return err
		})
		if err != nil {
			return nil, nil, err
		}

		for _, db := range out.DBInstances {
			id := aws.ToString(db.DBInstanceIdentifier)
			vpcID := ""
			if db.DBSubnetGroup != nil {
				vpcID = aws.ToString(db.DBSubnetGroup.VpcId)
			}
			instanceVpc[id] = vpcID

			if aws.ToString(db.DBInstanceStatus) != "available" || db.Endpoint == nil {
				continue
			}
			if !tagsMatch(s.settings.DatabaseTags, rdsTagMap(db.TagList)) {
				continue
			}
			// Cluster members surface through the cluster endpoint instead.
			if aws.ToString(db.DBClusterIdentifier) != "" {
				continue
			}

			bastion, ok := bastionByVpc[vpcID]
			if !ok {
				skipped = append(skipped, Skipped{
					Kind: KindDatabase, Name: logutil.Sanitize(id),
					AccountID: accountID, Region: region, VpcID: vpcID,
					Reason: "no bastion in VPC",
				})
				continue
			}
			endpoint := strings.ToLower(aws.ToString(db.Endpoint.Address))
			targets = append(targets, Target{
				Kind:              KindDatabase,
				ID:                id,
				Name:              logutil.Sanitize(id),
				Hostname:          endpoint,
				AccountID:         accountID,
				Region:            region,
				VpcID:             vpcID,
				Endpoint:          endpoint,
				RemotePort:        int(aws.ToInt32(db.Endpoint.Port)),
				BastionInstanceID: bastion,
				Engine:            aws.ToString(db.Engine),
			})
		}
		if out.Marker == nil || *out.Marker == "" {
			break
		}
		marker = out.Marker
	}

	marker = nil
	for {
		var out *rds.DescribeDBClustersOutput
		err := s.retry.Do(ctx, func() error {
			var err error
			out, err = api.DescribeDBClusters(ctx, &rds.DescribeDBClustersInput{Marker: marker})
			return err
		})
		if err != nil {
			return nil, nil, err
		}

		for _, c := range out.DBClusters {
			id := aws.ToString(c.DBClusterIdentifier)
			if aws.ToString(c.Status) != "available" || c.Endpoint == nil {
				continue
			}
			if !tagsMatch(s.settings.DatabaseTags, rdsTagMap(c.TagList)) {
				continue
			}

			vpcID := ""
			for _, m := range c.DBClusterMembers {
				if v := instanceVpc[aws.ToString(m.DBInstanceIdentifier)]; v != "" {
					vpcID = v
					break
				}
			}
			bastion, ok := bastionByVpc[vpcID]
			if !ok {
				skipped = append(skipped, Skipped{
					Kind: KindDatabase, Name: logutil.Sanitize(id),
					AccountID: accountID, Region: region, VpcID: vpcID,
					Reason: "no bastion in VPC",
				})
				continue
			}
			endpoint := strings.ToLower(aws.ToString(c.Endpoint))
			targets = append(targets, Target{
				Kind:              KindDatabase,
				ID:                id,
				Name:              logutil.Sanitize(id),
				Hostname:          endpoint,
				AccountID:         accountID,
				Region:            region,
				VpcID:             vpcID,
				Endpoint:          endpoint,
				RemotePort:        int(aws.ToInt32(c.Port)),
				BastionInstanceID: bastion,
				Engine:            aws.ToString(c.Engine),
			})
		}
		if out.Marker == nil || *out.Marker == "" {
			break
		}
		marker = out.Marker
	}

	return targets, skipped, nil
}

func nameTag(tags []ec2types.Tag) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == "Name" {
			return aws.ToString(t.Value)
		}
	}
	return ""
}

func rdsTagMap(tags []rdstypes.Tag) map[string]string {
	m := make(map[string]string, len(tags))
	for _, t := range tags {
		m[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return m
}

func tagsMatch(want, have map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func matchPattern(pattern, name string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(strings.ToLower(pattern), strings.ToLower(name))
	return err == nil && ok
}

// dedupe collapses targets sharing an identity key, keeping the first seen,
// and returns them in key order.
func dedupe(targets []Target) []Target {
	seen := make(map[string]bool, len(targets))
	out := targets[:0]
	for _, t := range targets {
		if seen[t.Key()] {
			continue
		}
		seen[t.Key()] = true
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}
