package ee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Scopes requested for the service account token.
var Scopes = []string{
	"https://www.googleapis.com/auth/earthengine",
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/devstorage.full_control",
}

var (
	ErrNoCredentials  = errors.New("no service account credentials supplied")
	ErrNotServiceAcct = errors.New("credentials are not a service account key")
)

// Session holds a verified service account identity.
type Session struct {
	Project     string
	Email       string
	TokenSource oauth2.TokenSource
}

type serviceAccountKey struct {
	Type        string `json:"type"`
	ProjectID   string `json:"project_id"`
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

// Authenticate parses a service account key and fetches one token to prove
// it works. project overrides the key's project_id when not empty.
func Authenticate(ctx context.Context, credJSON []byte, project string) (*Session, error) {
	if len(credJSON) == 0 {
		return nil, ErrNoCredentials
	}

	var key serviceAccountKey
	if err := json.Unmarshal(credJSON, &key); err != nil {
		return nil, fmt.Errorf("Error parsing service account key: %w", err)
	}
	if key.Type != "service_account" {
		return nil, ErrNotServiceAcct
	}
	if key.ClientEmail == "" || key.PrivateKey == "" {
		return nil, fmt.Errorf("Service account key is missing client_email or private_key")
	}

	conf, err := google.JWTConfigFromJSON(credJSON, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("Error reading service account key: %w", err)
	}

	ts := oauth2.ReuseTokenSource(nil, conf.TokenSource(ctx))
	if _, err := ts.Token(); err != nil {
		return nil, fmt.Errorf("Error fetching token for %s: %w", key.ClientEmail, err)
	}

	if project == "" {
		project = key.ProjectID
	}
	if project == "" {
		return nil, fmt.Errorf("No Earth Engine project given and key has no project_id")
	}

	return &Session{Project: project, Email: key.ClientEmail, TokenSource: ts}, nil
}

// HTTPClient returns a client that signs every request with the session token.
func (s *Session) HTTPClient(ctx context.Context) *http.Client {
	return oauth2.NewClient(ctx, s.TokenSource)
}
