// Package credentials implements the encrypted credential store: an
// AES-GCM encrypted JSON file mapping credential names to git credentials.
// Targets reference credentials by name; anonymous targets never touch the
// store.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

const (
	// EnvEncryptionKey is the environment variable holding the store key.
	EnvEncryptionKey = "REPOWATCH_ENCRYPTION_KEY"

	// TypeBasicAuth authenticates with username and password.
	TypeBasicAuth = "basic_auth"
	// TypeBearerToken authenticates with a bearer token.
	TypeBearerToken = "bearer_token"
)

// Credential is one stored git credential.
type Credential struct {
	Type     string `json:"type"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

// Store is an encrypted credential file.
type Store struct {
	filePath string
	key      []byte
}

// NewStore creates a Store over the file at filePath. If key is nil the
// EnvEncryptionKey environment variable is used. The key must be 16, 24 or
// 32 bytes.
func NewStore(filePath string, key []byte) (*Store, error) {
	if filePath == "" {
		return nil, fmt.Errorf("credential store path must be provided")
	}
	if len(key) == 0 {
		key = []byte(os.Getenv(EnvEncryptionKey))
	}
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("encryption key must be 16, 24, or 32 bytes long, got %d bytes", len(key))
	}
	return &Store{filePath: filePath, key: key}, nil
}

// Load reads and decrypts all credentials. A missing or empty file yields
// an empty map.
func (s *Store) Load() (map[string]Credential, error) {
	encrypted, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Credential{}, nil
		}
		return nil, fmt.Errorf("read credential store %s: %w", s.filePath, err)
	}
	if len(encrypted) == 0 {
		return map[string]Credential{}, nil
	}

	plain, err := decrypt(encrypted, s.key)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential store %s: %w", s.filePath, err)
	}

	var creds map[string]Credential
	if err := json.Unmarshal(plain, &creds); err != nil {
		return nil, fmt.Errorf("unmarshal credential store %s: %w", s.filePath, err)
	}
	return creds, nil
}

// Save adds or replaces the named credential and rewrites the store.
func (s *Store) Save(name string, cred Credential) error {
	if name == "" {
		return fmt.Errorf("credential name must be provided")
	}
	if err := validate(cred); err != nil {
		return fmt.Errorf("credential %q: %w", name, err)
	}

	creds, err := s.Load()
	if err != nil {
		return err
	}
	creds[name] = cred

	plain, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	encrypted, err := encrypt(plain, s.key)
	if err != nil {
		return fmt.Errorf("encrypt credentials: %w", err)
	}
	if err := os.WriteFile(s.filePath, encrypted, 0600); err != nil {
		return fmt.Errorf("write credential store %s: %w", s.filePath, err)
	}
	return nil
}

// AuthMethod resolves the named credential to a git transport auth method.
func (s *Store) AuthMethod(name string) (transport.AuthMethod, error) {
	creds, err := s.Load()
	if err != nil {
		return nil, err
	}
	cred, ok := creds[name]
	if !ok {
		return nil, fmt.Errorf("credential %q not found in %s", name, s.filePath)
	}

	switch cred.Type {
	case TypeBasicAuth:
		return &githttp.BasicAuth{Username: cred.Username, Password: cred.Password}, nil
	case TypeBearerToken:
		return &githttp.TokenAuth{Token: cred.Token}, nil
	default:
		return nil, fmt.Errorf("credential %q: unsupported type %q", name, cred.Type)
	}
}

func validate(cred Credential) error {
	switch cred.Type {
	case TypeBasicAuth:
		if cred.Password == "" {
			return fmt.Errorf("basic_auth requires a password")
		}
	case TypeBearerToken:
		if cred.Token == "" {
			return fmt.Errorf("bearer_token requires a token")
		}
	default:
		return fmt.Errorf("unsupported type %q", cred.Type)
	}
	return nil
}

// encrypt seals plaintext with AES-GCM, prepending the random nonce.
func encrypt(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt opens data sealed by encrypt.
func decrypt(data, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
