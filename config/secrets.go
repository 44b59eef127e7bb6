package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/hashicorp/vault/api"
	"golang.org/x/crypto/nacl/secretbox"
)

// SecretProvider retrieves named secrets from a backend.
type SecretProvider interface {
	GetSecret(key string) (string, error)
}

// EnvSecretProvider reads secrets from ARGUS_-prefixed environment variables.
type EnvSecretProvider struct{}

func (e *EnvSecretProvider) GetSecret(key string) (string, error) {
	envKey := "ARGUS_" + strings.ToUpper(key)
	value := os.Getenv(envKey)
	if value == "" {
		return "", fmt.Errorf("environment variable %s not set", envKey)
	}
	return value, nil
}

// VaultSecretProvider retrieves secrets from HashiCorp Vault.
type VaultSecretProvider struct {
	path   string
	client *api.Client
}

func NewVaultSecretProvider(cfg *Config) (*VaultSecretProvider, error) {
	client, err := api.NewClient(&api.Config{
		Address: cfg.Secrets.Vault.Address,
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	if cfg.Secrets.Vault.Token != "" {
		client.SetToken(cfg.Secrets.Vault.Token)
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}

	path := cfg.Secrets.Vault.Path
	if path == "" {
		path = "secret/argus"
	}

	return &VaultSecretProvider{path: path, client: client}, nil
}

func (v *VaultSecretProvider) GetSecret(key string) (string, error) {
	secret, err := v.client.Logical().Read(v.path)
	if err != nil {
		return "", fmt.Errorf("failed to read from Vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret not found at path %s", v.path)
	}
	value, ok := secret.Data[key]
	if !ok {
		return "", fmt.Errorf("key %s not found in Vault secret", key)
	}
	strValue, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("secret value for key %s is not a string", key)
	}
	return strValue, nil
}

// AWSSecretProvider retrieves secrets from AWS Secrets Manager. The secret is
// stored as a JSON object of key/value pairs under a single secret ID.
type AWSSecretProvider struct {
	secretID string
	client   *secretsmanager.SecretsManager
}

func NewAWSSecretProvider(cfg *Config) (*AWSSecretProvider, error) {
	var sess *session.Session
	var err error

	if cfg.Secrets.AWS.AccessKey != "" && cfg.Secrets.AWS.SecretKey != "" {
		sess, err = session.NewSession(&aws.Config{
			Region: aws.String(cfg.Secrets.AWS.Region),
			Credentials: credentials.NewStaticCredentials(
				cfg.Secrets.AWS.AccessKey,
				cfg.Secrets.AWS.SecretKey,
				"",
			),
		})
	} else {
		sess, err = session.NewSession(&aws.Config{
			Region: aws.String(cfg.Secrets.AWS.Region),
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	secretID := cfg.Secrets.AWS.SecretID
	if secretID == "" {
		secretID = "argus/secrets"
	}

	return &AWSSecretProvider{secretID: secretID, client: secretsmanager.New(sess)}, nil
}

func (a *AWSSecretProvider) GetSecret(key string) (string, error) {
	result, err := a.client.GetSecretValue(&secretsmanager.GetSecretValueInput{
		SecretId: aws.String(a.secretID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret from AWS: %w", err)
	}

	var secrets map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &secrets); err != nil {
		return "", fmt.Errorf("failed to parse AWS secret JSON: %w", err)
	}
	value, ok := secrets[key]
	if !ok {
		return "", fmt.Errorf("key %s not found in AWS secret", key)
	}
	return value, nil
}

// NewSecretProvider creates the secret provider selected by configuration.
func NewSecretProvider(cfg *Config) (SecretProvider, error) {
	provider := cfg.Secrets.Provider
	if provider == "" {
		provider = "env"
	}
	switch provider {
	case "env":
		return &EnvSecretProvider{}, nil
	case "vault":
		return NewVaultSecretProvider(cfg)
	case "aws":
		return NewAWSSecretProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported secret provider: %s", provider)
	}
}

// credentialKeyName is the secret key holding the base64 sealing key.
const credentialKeyName = "credential_key"

// ErrMalformedCiphertext is returned when a sealed secret cannot be decoded.
var ErrMalformedCiphertext = errors.New("malformed encrypted secret")

// CredentialStore combines secret decryption with a keyed token cache. It is
// the collaborator the OAuth token client depends on.
type CredentialStore struct {
	tokens   TokenCache
	provider SecretProvider
	key      [32]byte
}

// NewCredentialStore builds a credential store from the given token cache and
// secret provider. The sealing key is fetched once at construction.
func NewCredentialStore(tokens TokenCache, provider SecretProvider) (*CredentialStore, error) {
	encoded, err := provider.GetSecret(credentialKeyName)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential sealing key: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("credential sealing key is not valid base64: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("credential sealing key must be 32 bytes, got %d", len(raw))
	}

	cs := &CredentialStore{tokens: tokens, provider: provider}
	copy(cs.key[:], raw)
	return cs, nil
}

// GetToken returns the cached token for key, or ok=false when absent/expired.
func (cs *CredentialStore) GetToken(key string) (string, bool) {
	return cs.tokens.Get(key)
}

// CacheToken stores a token for key with the given TTL. Last write wins.
func (cs *CredentialStore) CacheToken(key, token string, ttl time.Duration) {
	cs.tokens.Set(key, token, ttl)
}

// DecryptSecret opens a secretbox-sealed, base64-encoded ciphertext produced
// by SealSecret. The 24-byte nonce is prepended to the box.
func (cs *CredentialStore) DecryptSecret(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	if len(raw) < 24 {
		return "", ErrMalformedCiphertext
	}

	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plaintext, ok := secretbox.Open(nil, raw[24:], &nonce, &cs.key)
	if !ok {
		return "", errors.New("failed to decrypt secret: authentication failed")
	}
	return string(plaintext), nil
}

// SealSecret encrypts a plaintext for storage in connector configuration.
// Provided for provisioning tooling and tests.
func (cs *CredentialStore) SealSecret(plaintext string) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &cs.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}
