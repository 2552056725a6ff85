package secrets

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"

	"uplink/internal/agent"
)

// FileStore is a SecretStore backed by a single age-encrypted file.
// The whole key-value map is encrypted with a passphrase-derived scrypt
// identity; plaintext secrets never touch the disk. Writes go through a
// temp file + rename so a crash can't leave a torn store.
type FileStore struct {
	path       string
	passphrase string
}

// NewFileStore creates a store at path protected by passphrase.
func NewFileStore(path string, passphrase string) (*FileStore, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("secret store passphrase must not be empty")
	}
	return &FileStore{path: path, passphrase: passphrase}, nil
}

func (s *FileStore) Get(key string) (string, error) {
	values, err := s.load()
	if err != nil {
		return "", err
	}
	value, ok := values[key]
	if !ok {
		return "", agent.ErrSecretNotFound
	}
	return value, nil
}

func (s *FileStore) Set(key, value string) error {
	values, err := s.load()
	if err != nil {
		return err
	}
	values[key] = value
	return s.save(values)
}

func (s *FileStore) Delete(key string) error {
	values, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return agent.ErrSecretNotFound
	}
	delete(values, key)
	return s.save(values)
}

// load decrypts the store. A missing file is an empty store.
func (s *FileStore) load() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("reading secret store: %w", err)
	}

	identity, err := age.NewScryptIdentity(s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("deriving identity: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(data), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting secret store (wrong passphrase?): %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted store: %w", err)
	}

	values := map[string]string{}
	if err := json.Unmarshal(plain, &values); err != nil {
		return nil, fmt.Errorf("parsing secret store: %w", err)
	}
	return values, nil
}

func (s *FileStore) save(values map[string]string) error {
	plain, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encoding secrets: %w", err)
	}

	recipient, err := age.NewScryptRecipient(s.passphrase)
	if err != nil {
		return fmt.Errorf("deriving recipient: %w", err)
	}

	var encrypted bytes.Buffer
	w, err := age.Encrypt(&encrypted, recipient)
	if err != nil {
		return fmt.Errorf("encrypting secret store: %w", err)
	}
	if _, err := w.Write(plain); err != nil {
		return fmt.Errorf("writing encrypted store: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing encrypted store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("creating secret store directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(s.path), ".secrets-*")
	if err != nil {
		return fmt.Errorf("creating temp store: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if err := tmpFile.Chmod(0600); err != nil {
		tmpFile.Close()
		return fmt.Errorf("restricting store permissions: %w", err)
	}
	if _, err := tmpFile.Write(encrypted.Bytes()); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing temp store: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp store: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replacing secret store: %w", err)
	}

	success = true
	return nil
}

// Compile-time check that FileStore implements agent.SecretStore
var _ agent.SecretStore = (*FileStore)(nil)
