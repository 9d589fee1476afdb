package sync

import (
	"context"
	"time"
)

// Credential holds the per-(integration, mode) secrets used by the
// transport. The CMCToken is opaque and rotated by the remote service;
// storing a rotated value after any response that carries one is
// mandatory.
type Credential struct {
	Integration IntegrationCode
	Mode        Mode
	APIKey      string
	Secret      string
	// ClientCert / ClientKey are PEM blocks for integrations requiring
	// client-certificate authentication
	ClientCert []byte
	ClientKey  []byte
	CMCToken   string
	UpdatedAt  time.Time
}

// HasClientCert returns true when mTLS material is configured
func (c *Credential) HasClientCert() bool {
	return len(c.ClientCert) > 0 && len(c.ClientKey) > 0
}

// CredentialStore owns all Credential writes. Implementations serialize
// writes per (integration, mode) because token rotation must not race.
type CredentialStore interface {
	// Get returns the credential for the integration and mode, or
	// ErrConfigMissing when absent
	Get(ctx context.Context, integration IntegrationCode, mode Mode) (*Credential, error)

	// Set installs or replaces the credential
	Set(ctx context.Context, cred *Credential) error

	// RotateToken stores a rotated CMC token for the credential
	RotateToken(ctx context.Context, integration IntegrationCode, mode Mode, token string) error
}
