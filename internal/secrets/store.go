package secrets

import (
	"context"
	"encoding/base64"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Backend resolves a named secret to its plaintext bytes. A host's power
// credential (power_secret, the IPMI/Beaker password) may hold a
// "$SECRET:name" reference that the Resolver turns into a Backend.Get call.
type Backend interface {
	Get(ctx context.Context, name string) ([]byte, error)
	Set(ctx context.Context, name string, value []byte) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]string, error)
}

// Store is a Postgres-backed secrets Backend: values are encrypted at rest
// with the orchestrator's own AES-256-GCM Cipher and stored alongside the
// rest of the run state, so no separate secret-store process is required.
type Store struct {
	pool   *pgxpool.Pool
	cipher *Cipher
}

// NewStore creates a Postgres-backed secrets store and ensures its table exists.
func NewStore(ctx context.Context, pool *pgxpool.Pool, cipher *Cipher) (*Store, error) {
	s := &Store{pool: pool, cipher: cipher}
	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS secrets (
			name       TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return nil, fmt.Errorf("ensure secrets table: %w", err)
	}
	return s, nil
}

// Set encrypts and stores a secret.
func (s *Store) Set(ctx context.Context, name string, value []byte) error {
	encrypted, err := s.cipher.Encrypt(value)
	if err != nil {
		return fmt.Errorf("encrypt secret: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(encrypted)

	_, err = s.pool.Exec(ctx, `
		INSERT INTO secrets (name, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		name, encoded)
	return err
}

// Get retrieves and decrypts a secret.
func (s *Store) Get(ctx context.Context, name string) ([]byte, error) {
	var encoded string
	err := s.pool.QueryRow(ctx, `SELECT value FROM secrets WHERE name = $1`, name).Scan(&encoded)
	if err != nil {
		return nil, fmt.Errorf("secret not found: %s: %w", name, err)
	}

	encrypted, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}

	plaintext, err := s.cipher.Decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt secret: %w", err)
	}
	return plaintext, nil
}

// Delete removes a secret.
func (s *Store) Delete(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM secrets WHERE name = $1`, name)
	return err
}

// List returns all secret names.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT name FROM secrets ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// AWSSecretsManagerStore resolves secrets from AWS Secrets Manager instead
// of the local Postgres table; selected when config.SecretsConfig.Backend
// is "aws-secrets-manager", for deployments that centralize credentials
// outside the orchestrator's own database.
type AWSSecretsManagerStore struct {
	client *secretsmanager.Client
}

// NewAWSSecretsManagerStore loads the default AWS config for the given
// region and returns a Backend backed by AWS Secrets Manager.
func NewAWSSecretsManagerStore(ctx context.Context, region string) (*AWSSecretsManagerStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &AWSSecretsManagerStore{client: secretsmanager.NewFromConfig(cfg)}, nil
}

// Get retrieves a secret value from AWS Secrets Manager.
func (a *AWSSecretsManagerStore) Get(ctx context.Context, name string) ([]byte, error) {
	out, err := a.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &name,
	})
	if err != nil {
		return nil, fmt.Errorf("get secret %s: %w", name, err)
	}
	if out.SecretBinary != nil {
		return out.SecretBinary, nil
	}
	if out.SecretString != nil {
		return []byte(*out.SecretString), nil
	}
	return nil, fmt.Errorf("secret %s has no value", name)
}

// Set creates or updates a secret value in AWS Secrets Manager.
func (a *AWSSecretsManagerStore) Set(ctx context.Context, name string, value []byte) error {
	str := string(value)
	_, err := a.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     &name,
		SecretString: &str,
	})
	if err != nil {
		_, createErr := a.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
			Name:         &name,
			SecretString: &str,
		})
		if createErr != nil {
			return fmt.Errorf("put secret %s: %w (create: %v)", name, err, createErr)
		}
	}
	return nil
}

// Delete removes a secret from AWS Secrets Manager.
func (a *AWSSecretsManagerStore) Delete(ctx context.Context, name string) error {
	_, err := a.client.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{SecretId: &name})
	return err
}

// List is not supported for the AWS backend; host credentials are resolved
// by name only, never enumerated.
func (a *AWSSecretsManagerStore) List(ctx context.Context) ([]string, error) {
	return nil, fmt.Errorf("listing secrets is not supported for the aws-secrets-manager backend")
}
