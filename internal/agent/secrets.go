package agent

import "errors"

// ErrSecretNotFound is returned by SecretStore.Get for unknown keys.
var ErrSecretNotFound = errors.New("secret not found")

// Well-known secret keys used by the agent.
const (
	SecretAPIToken  = "api_token"
	SecretShareUser = "share_user"
	SecretSharePass = "share_pass"
)

// SecretStore is an opaque secure key-value store for auth tokens and
// share credentials. The agent never persists secrets in the manifest or
// in plaintext configuration; the backend decides how values are protected.
type SecretStore interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}
