package secrets

import (
	"fmt"
	"os"

	"uplink/internal/agent"
	"uplink/internal/config"
)

// PassphraseEnv is consulted for the file store passphrase before any
// interactive prompt, so the daemon can run unattended.
const PassphraseEnv = "UPLINK_PASSPHRASE"

// NewStoreFromConfig creates a SecretStore based on the secrets config type.
// promptPassphrase is invoked when the file store needs a passphrase and
// the environment doesn't provide one.
func NewStoreFromConfig(cfg config.SecretsConfig, promptPassphrase func() (string, error)) (agent.SecretStore, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		if cfg.Path == "" {
			return nil, fmt.Errorf("path required for file secret store")
		}
		passphrase := os.Getenv(PassphraseEnv)
		if passphrase == "" {
			if promptPassphrase == nil {
				return nil, fmt.Errorf("%s not set and no prompt available", PassphraseEnv)
			}
			var err error
			passphrase, err = promptPassphrase()
			if err != nil {
				return nil, fmt.Errorf("reading passphrase: %w", err)
			}
		}
		return NewFileStore(cfg.Path, passphrase)
	default:
		return nil, fmt.Errorf("unknown secret store type: %s", cfg.Type)
	}
}
