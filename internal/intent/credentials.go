package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/jwt"
)

const (
	cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"
	defaultTokenURL    = "https://oauth2.googleapis.com/token"
)

// serviceAccount holds the fields of a Google service-account key file we need.
type serviceAccount struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	ClientEmail  string `json:"client_email"`
	TokenURI     string `json:"token_uri"`
}

// ReadCredentials accepts either the key JSON itself or a path to the key file.
func ReadCredentials(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("service account credentials are not set")
	}
	if strings.HasPrefix(value, "{") {
		return []byte(value), nil
	}
	data, err := os.ReadFile(value)
	if err != nil {
		return nil, fmt.Errorf("read service account file: %w", err)
	}
	return data, nil
}

// Credentials is a parsed service-account key.
type Credentials struct {
	ProjectID string
	Email     string
	jwt       *jwt.Config
}

// ParseCredentials validates a service-account key and prepares the
// signed-JWT token flow for it.
func ParseCredentials(data []byte) (*Credentials, error) {
	var sa serviceAccount
	if err := json.Unmarshal(data, &sa); err != nil {
		return nil, fmt.Errorf("parse service account json: %w", err)
	}
	if sa.Type != "" && sa.Type != "service_account" {
		return nil, fmt.Errorf("credentials type %q is not a service account", sa.Type)
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" {
		return nil, errors.New("service account json is missing client_email or private_key")
	}
	tokenURL := sa.TokenURI
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	return &Credentials{
		ProjectID: sa.ProjectID,
		Email:     sa.ClientEmail,
		jwt: &jwt.Config{
			Email:        sa.ClientEmail,
			PrivateKey:   []byte(sa.PrivateKey),
			PrivateKeyID: sa.PrivateKeyID,
			Scopes:       []string{cloudPlatformScope},
			TokenURL:     tokenURL,
		},
	}, nil
}

// TokenSource returns a caching token source. Token exchanges go through
// client when it is non-nil.
func (c *Credentials) TokenSource(ctx context.Context, client *http.Client) oauth2.TokenSource {
	if client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
	}
	return c.jwt.TokenSource(ctx)
}
