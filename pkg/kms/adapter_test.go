package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"
	"strings"
	"testing"

	"github.com/pkg/errors"
)

const testKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

type mockProvider struct {
	secrets map[string]string
	err     error
	calls   int
}

func (m *mockProvider) Encrypt(_ context.Context, p []byte) ([]byte, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return append([]byte("sealed-"), p...), nil
}
func (m *mockProvider) Decrypt(_ context.Context, c []byte) ([]byte, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return []byte(strings.TrimPrefix(string(c), "sealed-")), nil
}
func (m *mockProvider) GetSecret(_ context.Context, key string) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	return m.secrets[key], nil
}

func newTestEnvProvider(t *testing.T) *envProvider {
	t.Helper()
	p, err := newEnvProvider(testKey)
	if err != nil {
		t.Fatalf("env provider: %v", err)
	}
	return p
}

func TestEnvProviderReadsEnvironment(t *testing.T) {
	t.Setenv("PV_TEST_SECRET", "plain-value")
	a := &Adapter{fallback: newTestEnvProvider(t), failClosed: true}
	got, err := a.Resolve(context.Background(), "PV_TEST_SECRET")
	if err != nil || string(got) != "plain-value" {
		t.Fatalf("Resolve = %q, %v", got, err)
	}
	if _, err := a.Resolve(context.Background(), "PV_TEST_MISSING"); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("missing secret: %v", err)
	}
	t.Setenv("PV_TEST_EMPTY", "")
	if _, err := a.Resolve(context.Background(), "PV_TEST_EMPTY"); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("empty secret should count as missing: %v", err)
	}
}

func TestSealResolveRoundTrip(t *testing.T) {
	a := &Adapter{fallback: newTestEnvProvider(t), failClosed: true}
	ctx := context.Background()
	sealed, err := a.Seal(ctx, []byte("jwt-signing-material"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(sealed, SealedPrefix) {
		t.Fatalf("sealed value %q lacks prefix", sealed)
	}
	t.Setenv("PV_TEST_SEALED", sealed)
	got, err := a.Resolve(ctx, "PV_TEST_SEALED")
	if err != nil || string(got) != "jwt-signing-material" {
		t.Fatalf("Resolve = %q, %v", got, err)
	}

	t.Setenv("PV_TEST_BAD", SealedPrefix+"!!!")
	if _, err := a.Resolve(ctx, "PV_TEST_BAD"); err == nil {
		t.Fatal("expected error for malformed sealed value")
	}
}

// Ciphertext produced directly with AES-GCM (nonce prefixed) must open.
func TestEnvProviderCiphertextFormat(t *testing.T) {
	key, _ := base64.StdEncoding.DecodeString(testKey)
	block, _ := aes.NewCipher(key)
	gcm, _ := cipher.NewGCM(block)
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		t.Fatal(err)
	}
	ct := gcm.Seal(nonce, nonce, []byte("external"), nil)
	got, err := newTestEnvProvider(t).Decrypt(context.Background(), ct)
	if err != nil || string(got) != "external" {
		t.Fatalf("Decrypt = %q, %v", got, err)
	}
}

func TestEnvProviderWithoutKey(t *testing.T) {
	p, err := newEnvProvider("")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Encrypt(context.Background(), []byte("x")); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("Encrypt without key: %v", err)
	}
	if _, err := newEnvProvider("too-short"); err == nil {
		t.Fatal("expected error for malformed key")
	}
}

func TestPrimaryPreferred(t *testing.T) {
	primary := &mockProvider{secrets: map[string]string{"JWT_ACCESS_SECRET": "from-primary"}}
	t.Setenv("JWT_ACCESS_SECRET", "from-env")
	a := &Adapter{primary: primary, fallback: newTestEnvProvider(t), failClosed: true}
	got, err := a.Resolve(context.Background(), "JWT_ACCESS_SECRET")
	if err != nil || string(got) != "from-primary" {
		t.Fatalf("Resolve = %q, %v", got, err)
	}
}

func TestPrimaryFailurePolicy(t *testing.T) {
	t.Setenv("JWT_ACCESS_SECRET", "from-env")
	down := errors.New("vault sealed")

	closed := &Adapter{primary: &mockProvider{err: down}, fallback: newTestEnvProvider(t), failClosed: true}
	if _, err := closed.Resolve(context.Background(), "JWT_ACCESS_SECRET"); !errors.Is(err, down) {
		t.Fatalf("fail-closed adapter should surface primary error, got %v", err)
	}

	open := &Adapter{primary: &mockProvider{err: down}, fallback: newTestEnvProvider(t)}
	got, err := open.Resolve(context.Background(), "JWT_ACCESS_SECRET")
	if err != nil || string(got) != "from-env" {
		t.Fatalf("fail-open adapter should use fallback, got %q, %v", got, err)
	}

	strict := &Adapter{primary: &mockProvider{err: down}, fallback: newTestEnvProvider(t), requirePrimary: true}
	if _, err := strict.Resolve(context.Background(), "JWT_ACCESS_SECRET"); err == nil {
		t.Fatal("requirePrimary adapter must not fall back")
	}

	none := &Adapter{}
	if _, err := none.GetSecret(context.Background(), "JWT_ACCESS_SECRET"); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("no providers: %v", err)
	}
}

func TestSealedSecretUsesPrimaryKey(t *testing.T) {
	primary := &mockProvider{secrets: map[string]string{
		"JWT_REFRESH_SECRET": SealedPrefix + base64.StdEncoding.EncodeToString([]byte("sealed-refresh-material")),
	}}
	a := &Adapter{primary: primary, failClosed: true}
	got, err := a.Resolve(context.Background(), "JWT_REFRESH_SECRET")
	if err != nil || string(got) != "refresh-material" {
		t.Fatalf("Resolve = %q, %v", got, err)
	}
	if primary.calls != 2 {
		t.Fatalf("expected a fetch and a decrypt, got %d calls", primary.calls)
	}
}

func TestNewAdapterFromEnvironment(t *testing.T) {
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("AWS_REGION", "")
	t.Setenv("KMS_REQUIRE_PRIMARY", "true")
	if _, err := NewAdapter(context.Background()); err == nil {
		t.Fatal("expected error when a primary is required but none is configured")
	}
	t.Setenv("KMS_REQUIRE_PRIMARY", "false")
	t.Setenv("KMS_LOCAL_KEY", testKey)
	a, err := NewAdapter(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if a.primary != nil || a.fallback == nil || !a.failClosed {
		t.Fatalf("unexpected adapter: %+v", a)
	}
}
