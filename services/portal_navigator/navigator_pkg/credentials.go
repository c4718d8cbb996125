package navigator_pkg

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Credential is the authentication material for one portal account. It is
// only held in memory for the Authenticating phase.
type Credential struct {
	Identity string
	Secret   string
}

// String never reveals the secret.
func (c Credential) String() string {
	return fmt.Sprintf("%s/%s", c.Identity, strings.Repeat("*", 8))
}

// CredentialSource supplies credentials read-only; it is shared by all
// concurrent sessions.
type CredentialSource interface {
	Credentials(ctx context.Context) (Credential, error)
}

// StaticCredentials always returns the same credential.
type StaticCredentials Credential

func (s StaticCredentials) Credentials(ctx context.Context) (Credential, error) {
	if s.Identity == "" || s.Secret == "" {
		return Credential{}, ErrNoCredentials
	}
	return Credential(s), nil
}

// EnvCredentials reads the credential from environment variables on every
// call, so rotated secrets are picked up without a restart.
type EnvCredentials struct {
	IdentityVar string
	SecretVar   string
}

// DefaultEnvCredentials reads PORTAL_IDENTITY and PORTAL_SECRET.
func DefaultEnvCredentials() EnvCredentials {
	return EnvCredentials{IdentityVar: "PORTAL_IDENTITY", SecretVar: "PORTAL_SECRET"}
}

func (e EnvCredentials) Credentials(ctx context.Context) (Credential, error) {
	c := Credential{
		Identity: strings.TrimSpace(os.Getenv(e.IdentityVar)),
		Secret:   os.Getenv(e.SecretVar),
	}
	if c.Identity == "" || c.Secret == "" {
		return Credential{}, fmt.Errorf("%w: set %s and %s", ErrNoCredentials, e.IdentityVar, e.SecretVar)
	}
	return c, nil
}
