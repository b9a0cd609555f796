package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// LoginParams describes a resource-owner password grant against the
// console's token endpoint.
type LoginParams struct {
	// TokenURL must already be resolved through the request sanitizer.
	TokenURL   string
	ClientID   string
	Username   string
	Password   string
	Scopes     []string
	HTTPClient *http.Client
}

// NewOAuth2Config creates an oauth2.Config for the password flow. The backend
// reads credentials from the form body, so the client id travels in params.
func NewOAuth2Config(clientID, tokenURL string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID: clientID,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: scopes,
	}
}

// Login exchanges a username and password for a bearer token. Tokens without
// an expires_in field take their expiry from the JWT "exp" claim.
func Login(ctx context.Context, p LoginParams) (*oauth2.Token, error) {
	if strings.TrimSpace(p.Username) == "" || p.Password == "" {
		return nil, fmt.Errorf("%w: username and password are required", ErrLoginFailed)
	}
	if p.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.HTTPClient)
	}

	cfg := NewOAuth2Config(p.ClientID, p.TokenURL, p.Scopes)
	tok, err := cfg.PasswordCredentialsToken(ctx, p.Username, p.Password)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil {
			return nil, fmt.Errorf("%w: token endpoint returned status %d", ErrLoginFailed, rerr.Response.StatusCode)
		}
		return nil, fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	if tok.Expiry.IsZero() {
		tok.Expiry = ExpiryFromJWT(tok.AccessToken)
	}
	return tok, nil
}
