package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

const defaultTokenURI = "https://oauth2.googleapis.com/token"

// Credentials is a parsed Gemini CLI OAuth token bundle.
type Credentials struct {
	ClientID     string
	ClientSecret string
	AccessToken  string
	RefreshToken string
	TokenURI     string
	ProjectID    string
	ExpiresAt    time.Time
}

// FromMap parses a stored token bundle. Bundles written by different CLI
// versions disagree on field names, so both the RFC3339 "expiry" form and
// the millisecond-epoch "expiry_date" form are accepted.
func FromMap(data map[string]any) (*Credentials, error) {
	c := &Credentials{TokenURI: defaultTokenURI}

	str := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := data[k].(string); ok && v != "" {
				return v
			}
		}
		return ""
	}

	c.ClientID = str("client_id")
	c.ClientSecret = str("client_secret")
	c.AccessToken = str("access_token", "token")
	c.RefreshToken = str("refresh_token")
	c.ProjectID = str("project_id")
	if uri := str("token_uri"); uri != "" {
		c.TokenURI = uri
	}

	if c.RefreshToken == "" && c.AccessToken == "" {
		return nil, errors.New("credential bundle has neither refresh_token nor access_token")
	}

	if v := str("expiry"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			c.ExpiresAt = t
		}
	} else if ms, ok := data["expiry_date"].(float64); ok && ms > 0 {
		c.ExpiresAt = time.UnixMilli(int64(ms))
	}

	return c, nil
}

// IsExpired reports whether the access token needs a refresh. Tokens within
// three minutes of expiry count as expired to avoid racing the deadline.
func (c *Credentials) IsExpired() bool {
	if c.AccessToken == "" {
		return true
	}
	if c.ExpiresAt.IsZero() {
		return true
	}
	return time.Now().Add(3 * time.Minute).After(c.ExpiresAt)
}

// Refresh exchanges the refresh token for a new access token and updates the
// receiver in place.
func Refresh(ctx context.Context, c *Credentials) error {
	if c.RefreshToken == "" {
		return errors.New("credential has no refresh token")
	}
	conf := &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: c.TokenURI},
	}
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: c.RefreshToken}).Token()
	if err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	c.AccessToken = tok.AccessToken
	c.ExpiresAt = tok.Expiry
	if tok.RefreshToken != "" {
		c.RefreshToken = tok.RefreshToken
	}
	return nil
}

// Apply writes the refreshed token fields back into a stored bundle so it
// can be persisted.
func (c *Credentials) Apply(data map[string]any) {
	data["access_token"] = c.AccessToken
	data["refresh_token"] = c.RefreshToken
	if !c.ExpiresAt.IsZero() {
		data["expiry"] = c.ExpiresAt.UTC().Format(time.RFC3339)
	}
}
