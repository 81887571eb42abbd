package collect

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// CredentialSource yields the bearer token for a platform.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a pre-issued access token, usually read from the environment.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("%w: no access token configured", ErrAuthUnavailable)
	}
	return string(s), nil
}

// ClientCredentials obtains tokens with the OAuth2 client-credentials grant
// and caches them until they expire.
type ClientCredentials struct {
	ts oauth2.TokenSource
}

// NewClientCredentials builds a token source for tokenURL. TikTok expects
// the client id as client_key, so it is sent under both names.
func NewClientCredentials(tokenURL, clientKey, clientSecret string, client *http.Client) CredentialSource {
	if clientKey == "" || clientSecret == "" || tokenURL == "" {
		return StaticToken("")
	}
	cfg := &clientcredentials.Config{
		ClientID:       clientKey,
		ClientSecret:   clientSecret,
		TokenURL:       tokenURL,
		EndpointParams: url.Values{"client_key": {clientKey}},
		AuthStyle:      oauth2.AuthStyleInParams,
	}
	ctx := context.Background()
	if client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
	}
	return &ClientCredentials{ts: cfg.TokenSource(ctx)}
}

func (c *ClientCredentials) Token(context.Context) (string, error) {
	tok, err := c.ts.Token()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrAuthUnavailable)
	}
	return tok.AccessToken, nil
}
