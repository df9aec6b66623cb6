package secrets

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestCipherEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	c, err := NewCipher(key)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	plaintext := []byte("ipmi-admin-password")
	ciphertext, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatal("ciphertext should differ from plaintext")
	}

	decrypted, err := c.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("got %q, want %q", decrypted, plaintext)
	}
}

func TestNewCipherRejectsWrongKeyLength(t *testing.T) {
	if _, err := NewCipher("deadbeef"); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestDecryptRejectsTruncatedCiphertext(t *testing.T) {
	key, _ := GenerateKey()
	c, _ := NewCipher(key)
	if _, err := c.Decrypt([]byte("short")); err == nil {
		t.Fatal("expected error for ciphertext shorter than nonce size")
	}
}

// fakeBackend is a Backend backed by an in-memory map.
type fakeBackend struct {
	values map[string][]byte
}

func (f *fakeBackend) Get(ctx context.Context, name string) ([]byte, error) {
	v, ok := f.values[name]
	if !ok {
		return nil, errors.New("secret not found")
	}
	return v, nil
}
func (f *fakeBackend) Set(ctx context.Context, name string, value []byte) error {
	f.values[name] = value
	return nil
}
func (f *fakeBackend) Delete(ctx context.Context, name string) error {
	delete(f.values, name)
	return nil
}
func (f *fakeBackend) List(ctx context.Context) ([]string, error) {
	names := make([]string, 0, len(f.values))
	for k := range f.values {
		names = append(names, k)
	}
	return names, nil
}

func TestResolveValuePassesThroughPlainValues(t *testing.T) {
	r := NewResolver(&fakeBackend{values: map[string][]byte{}})
	got, err := r.ResolveValue(context.Background(), "plain-password")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "plain-password" {
		t.Fatalf("got %q, want unchanged value", got)
	}
}

func TestResolveValueResolvesSecretReference(t *testing.T) {
	backend := &fakeBackend{values: map[string][]byte{"ipmi-pass": []byte("hunter2")}}
	r := NewResolver(backend)

	got, err := r.ResolveValue(context.Background(), "$SECRET:ipmi-pass")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "hunter2" {
		t.Fatalf("got %q, want hunter2", got)
	}
}

func TestResolveValueRejectsEmptySecretName(t *testing.T) {
	r := NewResolver(&fakeBackend{values: map[string][]byte{}})
	if _, err := r.ResolveValue(context.Background(), "$SECRET:"); err == nil {
		t.Fatal("expected error for empty secret name")
	}
}

func TestResolveValuePropagatesBackendError(t *testing.T) {
	r := NewResolver(&fakeBackend{values: map[string][]byte{}})
	if _, err := r.ResolveValue(context.Background(), "$SECRET:missing"); err == nil {
		t.Fatal("expected error for missing secret")
	}
}

func TestResolveEnvVarsResolvesOnlyReferences(t *testing.T) {
	backend := &fakeBackend{values: map[string][]byte{"db-pass": []byte("s3cr3t")}}
	r := NewResolver(backend)

	resolved, err := r.ResolveEnvVars(context.Background(), map[string]string{
		"DB_HOST":     "localhost",
		"DB_PASSWORD": "$SECRET:db-pass",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved["DB_HOST"] != "localhost" {
		t.Fatalf("DB_HOST changed unexpectedly: %q", resolved["DB_HOST"])
	}
	if resolved["DB_PASSWORD"] != "s3cr3t" {
		t.Fatalf("DB_PASSWORD = %q, want s3cr3t", resolved["DB_PASSWORD"])
	}
}

func TestIsSecretRefAndExtractSecretName(t *testing.T) {
	if !IsSecretRef("$SECRET:foo") {
		t.Fatal("expected $SECRET:foo to be recognized as a reference")
	}
	if IsSecretRef("plain") {
		t.Fatal("plain value should not be a secret reference")
	}
	if got := ExtractSecretName("$SECRET:foo"); got != "foo" {
		t.Fatalf("got %q, want foo", got)
	}
	if got := ExtractSecretName("plain"); got != "" {
		t.Fatalf("got %q, want empty string for non-reference", got)
	}
}

func TestListSecretRefsCollectsAllReferencedNames(t *testing.T) {
	refs := ListSecretRefs(map[string]string{
		"A": "$SECRET:one",
		"B": "plain",
		"C": "$SECRET:two",
	})
	if len(refs) != 2 {
		t.Fatalf("got %d refs, want 2: %v", len(refs), refs)
	}
}
