// Package auth acquires Azure AD access tokens for database authentication.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

// DatabaseScope is the OAuth scope for Azure SQL Database. Azure AD issues
// tokens against this resource identifier for database access.
const DatabaseScope = "https://database.windows.net/.default"

// ErrRejected marks a token request the identity backend refused (bad tenant,
// client id or secret), as opposed to a transport failure reaching it.
var ErrRejected = errors.New("identity backend rejected credentials")

// AccessToken is a time-bounded database credential. Immutable once issued;
// a refresh produces a new value, never mutates an old one.
type AccessToken struct {
	Token     string
	ExpiresOn time.Time
}

// Valid reports whether the token is usable at instant now, requiring at
// least buffer of remaining lifetime. A token inside the buffer is treated
// as already expired.
func (t AccessToken) Valid(now time.Time, buffer time.Duration) bool {
	return t.Token != "" && now.Add(buffer).Before(t.ExpiresOn)
}

// TokenProvider abstracts token acquisition so the connection manager can be
// tested against fakes. Implementations perform no retries; retry and
// fallback policy belongs to the caller.
type TokenProvider interface {
	// GetToken requests a fresh access token for the database scope.
	GetToken(ctx context.Context) (AccessToken, error)
}

// ClientSecretProvider obtains tokens from Azure AD using a service-principal
// client secret.
type ClientSecretProvider struct {
	cred *azidentity.ClientSecretCredential
}

// NewClientSecretProvider builds a provider for the given tenant/client
// identity. The secret is held by the underlying credential and never logged.
func NewClientSecretProvider(tenantID, clientID, clientSecret string) (*ClientSecretProvider, error) {
	if tenantID == "" || clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("token provider: tenant id, client id and client secret are required")
	}
	cred, err := azidentity.NewClientSecretCredential(tenantID, clientID, clientSecret, nil)
	if err != nil {
		return nil, fmt.Errorf("token provider: %w", err)
	}
	return &ClientSecretProvider{cred: cred}, nil
}

// GetToken implements TokenProvider.
func (p *ClientSecretProvider) GetToken(ctx context.Context) (AccessToken, error) {
	tok, err := p.cred.GetToken(ctx, policy.TokenRequestOptions{
		Scopes: []string{DatabaseScope},
	})
	if err != nil {
		var authFailed *azidentity.AuthenticationFailedError
		if errors.As(err, &authFailed) {
			return AccessToken{}, fmt.Errorf("%w: %v", ErrRejected, err)
		}
		return AccessToken{}, fmt.Errorf("acquire token: %w", err)
	}
	return AccessToken{Token: tok.Token, ExpiresOn: tok.ExpiresOn}, nil
}
