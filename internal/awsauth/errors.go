package awsauth

import "fmt"

// AuthError is returned for anything the user has to fix through the SSO
// flow: a missing or expired SSO token, or a permission set the token cannot
// assume. It is never retried automatically.
type AuthError struct {
	AccountID      string
	Role           string
	ReauthRequired bool
	Err            error
}

func (e *AuthError) Error() string {
	scope := ""
	if e.AccountID != "" {
		scope = fmt.Sprintf(" (account %s, role %s)", e.AccountID, e.Role)
	}
	if e.ReauthRequired {
		return fmt.Sprintf("auth%s: SSO session expired, run your SSO login again: %v", scope, e.Err)
	}
	return fmt.Sprintf("auth%s: %v", scope, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }
