// Package awsauth derives per-account, per-role temporary credentials from a
// cached AWS SSO token, refreshing them transparently before they expire.
//
// The SSO login flow itself (browser/device code) is out of scope: this
// package consumes the token the AWS CLI or wizard cached, rolls it over via
// the OIDC refresh token when possible, and fails with a reauth-required
// AuthError when the session is truly gone.
package awsauth

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sso"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc"
)

// DefaultExpiryMargin is how long before expiry a credential is considered
// stale and proactively refreshed.
const DefaultExpiryMargin = 5 * time.Minute

// SSOAPI is the subset of the AWS SSO portal API the provider uses.
type SSOAPI interface {
	GetRoleCredentials(ctx context.Context, in *sso.GetRoleCredentialsInput, opts ...func(*sso.Options)) (*sso.GetRoleCredentialsOutput, error)
	ListAccounts(ctx context.Context, in *sso.ListAccountsInput, opts ...func(*sso.Options)) (*sso.ListAccountsOutput, error)
	ListAccountRoles(ctx context.Context, in *sso.ListAccountRolesInput, opts ...func(*sso.Options)) (*sso.ListAccountRolesOutput, error)
}

// OIDCAPI is the subset of the SSO OIDC API used for token refresh.
type OIDCAPI interface {
	CreateToken(ctx context.Context, in *ssooidc.CreateTokenInput, opts ...func(*ssooidc.Options)) (*ssooidc.CreateTokenOutput, error)
}

// CredentialSet is a temporary credential for one (account, permission set)
// pair. Never persisted in cleartext.
type CredentialSet struct {
	AccountID       string    `json:"account_id"`
	Role            string    `json:"role"`
	AccessKeyID     string    `json:"access_key_id"`
	SecretAccessKey string    `json:"secret_access_key"`
	SessionToken    string    `json:"session_token"`
	Expires         time.Time `json:"expires"`
}

// AWSConfig builds an aws.Config scoped to this credential and region,
// usable with any service client's NewFromConfig.
func (c CredentialSet) AWSConfig(region string) aws.Config {
	return aws.Config{
		Region: region,
		Credentials: credentials.NewStaticCredentialsProvider(
			c.AccessKeyID, c.SecretAccessKey, c.SessionToken),
	}
}

// Account is an AWS account reachable with the current SSO token.
type Account struct {
	ID   string
	Name string
}

// Options configures a Provider.
type Options struct {
	StartURL  string
	SSORegion string

	// ExpiryMargin defaults to DefaultExpiryMargin.
	ExpiryMargin time.Duration

	// TokenCacheDir overrides ~/.aws/sso/cache (tests).
	TokenCacheDir string

	// DataDir and Keys enable the encrypted on-disk role-credential cache.
	// Leave either empty to keep credentials in memory only.
	DataDir string
	Keys    KeyStore

	// SSO and OIDC override the real clients (tests).
	SSO  SSOAPI
	OIDC OIDCAPI

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Provider caches and refreshes role credentials keyed by (account, role).
type Provider struct {
	ssoClient  SSOAPI
	oidcClient OIDCAPI
	startURL   string
	margin     time.Duration
	tokens     *tokenCache
	disk       *credCache
	now        func() time.Time

	mu    sync.Mutex
	creds map[string]CredentialSet
}

// New builds a Provider. Real AWS clients are constructed for anything not
// injected through Options.
func New(opts Options) *Provider {
	p := &Provider{
		ssoClient:  opts.SSO,
		oidcClient: opts.OIDC,
		startURL:   opts.StartURL,
		margin:     opts.ExpiryMargin,
		tokens:     newTokenCache(opts.TokenCacheDir, opts.StartURL),
		disk:       newCredCache(opts.DataDir, opts.Keys),
		now:        opts.Now,
	}
	if p.margin == 0 {
		p.margin = DefaultExpiryMargin
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.ssoClient == nil {
		p.ssoClient = sso.New(sso.Options{Region: opts.SSORegion, Credentials: aws.AnonymousCredentials{}})
	}
	if p.oidcClient == nil {
		p.oidcClient = ssooidc.New(ssooidc.Options{Region: opts.SSORegion})
	}
	p.creds = p.disk.load()
	return p
}

func credKey(accountID, role string) string { return accountID + "/" + role }

// Credentials returns a credential set for (accountID, role) with at least
// the expiry margin of lifetime remaining, deriving a fresh one from the SSO
// token when needed.
func (p *Provider) Credentials(ctx context.Context, accountID, role string) (CredentialSet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.creds[credKey(accountID, role)]; ok && p.fresh(c) {
		return c, nil
	}
	return p.deriveLocked(ctx, accountID, role)
}

func (p *Provider) fresh(c CredentialSet) bool {
	return c.Expires.Sub(p.now()) > p.margin
}

// deriveLocked exchanges the SSO token for role credentials. Caller holds
// p.mu.
func (p *Provider) deriveLocked(ctx context.Context, accountID, role string) (CredentialSet, error) {
	token, err := p.accessTokenLocked(ctx)
	if err != nil {
		return CredentialSet{}, err
	}

	out, err := p.ssoClient.GetRoleCredentials(ctx, &sso.GetRoleCredentialsInput{
		AccessToken: aws.String(token),
		AccountId:   aws.String(accountID),
		RoleName:    aws.String(role),
	})
	if err != nil {
		return CredentialSet{}, &AuthError{AccountID: accountID, Role: role, Err: err}
	}
	rc := out.RoleCredentials
	if rc == nil || rc.AccessKeyId == nil {
		return CredentialSet{}, &AuthError{AccountID: accountID, Role: role, Err: fmt.Errorf("empty role credentials")}
	}

	c := CredentialSet{
		AccountID:       accountID,
		Role:            role,
		AccessKeyID:     aws.ToString(rc.AccessKeyId),
		SecretAccessKey: aws.ToString(rc.SecretAccessKey),
		SessionToken:    aws.ToString(rc.SessionToken),
		Expires:         time.UnixMilli(rc.Expiration),
	}
	p.creds[credKey(accountID, role)] = c
	if err := p.disk.save(p.creds, p.now()); err != nil {
		log.Printf("WARNING: persist credential cache: %v", err)
	}
	return c, nil
}

// accessTokenLocked returns a usable SSO access token, refreshing it via the
// OIDC refresh token when it is expired or inside the margin.
func (p *Provider) accessTokenLocked(ctx context.Context) (string, error) {
	tok, err := p.tokens.load()
	if err != nil {
		return "", &AuthError{ReauthRequired: true, Err: err}
	}

	if tok.ExpiresAt.Sub(p.now()) > p.margin {
		return tok.AccessToken, nil
	}

	if !tok.refreshable() {
		return "", &AuthError{ReauthRequired: true, Err: fmt.Errorf("SSO token for %s expired at %s", p.startURL, tok.ExpiresAt.Format(time.RFC3339))}
	}

	out, err := p.oidcClient.CreateToken(ctx, &ssooidc.CreateTokenInput{
		ClientId:     aws.String(tok.ClientID),
		ClientSecret: aws.String(tok.ClientSecret),
		GrantType:    aws.String("refresh_token"),
		RefreshToken: aws.String(tok.RefreshToken),
	})
	if err != nil {
		return "", &AuthError{ReauthRequired: true, Err: fmt.Errorf("refresh SSO token: %w", err)}
	}

	tok.AccessToken = aws.ToString(out.AccessToken)
	tok.ExpiresAt = p.now().Add(time.Duration(out.ExpiresIn) * time.Second)
	if rt := aws.ToString(out.RefreshToken); rt != "" {
		tok.RefreshToken = rt
	}
	if err := p.tokens.save(tok); err != nil {
		log.Printf("WARNING: rewrite SSO token cache: %v", err)
	}
	return tok.AccessToken, nil
}

// ListAccounts enumerates the accounts the SSO token can reach.
func (p *Provider) ListAccounts(ctx context.Context) ([]Account, error) {
	p.mu.Lock()
	token, err := p.accessTokenLocked(ctx)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var accounts []Account
	var next *string
	for {
		out, err := p.ssoClient.ListAccounts(ctx, &sso.ListAccountsInput{
			AccessToken: aws.String(token),
			NextToken:   next,
		})
		if err != nil {
			return nil, &AuthError{Err: fmt.Errorf("list accounts: %w", err)}
		}
		for _, a := range out.AccountList {
			accounts = append(accounts, Account{
				ID:   aws.ToString(a.AccountId),
				Name: aws.ToString(a.AccountName),
			})
		}
		if out.NextToken == nil || *out.NextToken == "" {
			break
		}
		next = out.NextToken
	}
	return accounts, nil
}

// ListAccountRoles enumerates the permission sets available in one account.
func (p *Provider) ListAccountRoles(ctx context.Context, accountID string) ([]string, error) {
	p.mu.Lock()
	token, err := p.accessTokenLocked(ctx)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var roles []string
	var next *string
	for {
		out, err := p.ssoClient.ListAccountRoles(ctx, &sso.ListAccountRolesInput{
			AccessToken: aws.String(token),
			AccountId:   aws.String(accountID),
			NextToken:   next,
		})
		if err != nil {
			return nil, &AuthError{AccountID: accountID, Err: fmt.Errorf("list roles: %w", err)}
		}
		for _, r := range out.RoleList {
			roles = append(roles, aws.ToString(r.RoleName))
		}
		if out.NextToken == nil || *out.NextToken == "" {
			break
		}
		next = out.NextToken
	}
	return roles, nil
}

// RefreshExpiring re-derives every cached credential inside its expiry
// margin. Called from the engine's background refresh job so live tunnels
// never sit on an expired credential.
func (p *Provider) RefreshExpiring(ctx context.Context) []error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for key, c := range p.creds {
		if p.fresh(c) {
			continue
		}
		if _, err := p.deriveLocked(ctx, c.AccountID, c.Role); err != nil {
			errs = append(errs, fmt.Errorf("refresh %s: %w", key, err))
		}
	}
	return errs
}
