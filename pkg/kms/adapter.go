package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
)

// SealedPrefix marks a secret value that is itself ciphertext under the
// provider's key, base64 encoded.
const SealedPrefix = "enc:"

var (
	ErrProviderUnavailable = errors.New("kms provider unavailable")
	ErrSecretNotFound      = errors.New("secret not found")
)

type Provider interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
	GetSecret(ctx context.Context, key string) (string, error)
}

// Adapter fronts a primary provider (Vault, then AWS) with the process
// environment as fallback. By default a failing primary is an error rather
// than a silent switch to the fallback.
type Adapter struct {
	primary        Provider
	fallback       Provider
	failClosed     bool
	requirePrimary bool
}

func NewAdapter(ctx context.Context) (*Adapter, error) {
	requirePrimary := strings.ToLower(os.Getenv("KMS_REQUIRE_PRIMARY")) == "true"
	var primary, fallback Provider
	if os.Getenv("VAULT_ADDR") != "" {
		vp, err := newVaultProvider(ctx)
		if err == nil {
			primary = vp
		}
	}
	if primary == nil && os.Getenv("AWS_REGION") != "" {
		ap, err := newAWSProvider(ctx)
		if err == nil {
			primary = ap
		}
	}
	if !requirePrimary {
		ep, err := newEnvProvider(os.Getenv("KMS_LOCAL_KEY"))
		if err != nil {
			return nil, errors.Wrap(err, "failed to initialize env provider")
		}
		fallback = ep
	}
	if primary == nil && fallback == nil {
		return nil, errors.New("KMS_REQUIRE_PRIMARY=true but no primary provider available (checked Vault, AWS)")
	}
	return &Adapter{
		primary:        primary,
		fallback:       fallback,
		failClosed:     os.Getenv("KMS_FAIL_CLOSED") != "false",
		requirePrimary: requirePrimary,
	}, nil
}

// call runs fn on the primary and, when policy allows, on the fallback.
func call[T any](a *Adapter, op string, fn func(Provider) (T, error)) (T, error) {
	var zero T
	if a.primary != nil {
		v, err := fn(a.primary)
		if err == nil {
			return v, nil
		}
		if a.requirePrimary {
			return zero, errors.Wrapf(err, "primary %s failed (KMS_REQUIRE_PRIMARY=true)", op)
		}
		if a.failClosed {
			return zero, errors.Wrapf(err, "%s failed (fail-closed)", op)
		}
	}
	if a.fallback != nil {
		return fn(a.fallback)
	}
	return zero, ErrProviderUnavailable
}

func (a *Adapter) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return call(a, "encrypt", func(p Provider) ([]byte, error) { return p.Encrypt(ctx, plaintext) })
}
func (a *Adapter) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return call(a, "decrypt", func(p Provider) ([]byte, error) { return p.Decrypt(ctx, ciphertext) })
}
func (a *Adapter) GetSecret(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return call(a, "get secret", func(p Provider) (string, error) {
		v, err := p.GetSecret(ctx, key)
		if err == nil && v == "" {
			return "", errors.Wrap(ErrSecretNotFound, key)
		}
		return v, err
	})
}

// Seal encrypts a secret into the form Resolve understands.
func (a *Adapter) Seal(ctx context.Context, secret []byte) (string, error) {
	ct, err := a.Encrypt(ctx, secret)
	if err != nil {
		return "", err
	}
	return SealedPrefix + base64.StdEncoding.EncodeToString(ct), nil
}

// Resolve fetches a secret and unseals it when it carries SealedPrefix.
func (a *Adapter) Resolve(ctx context.Context, key string) ([]byte, error) {
	v, err := a.GetSecret(ctx, key)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(v, SealedPrefix) {
		return []byte(v), nil
	}
	ct, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(v, SealedPrefix))
	if err != nil {
		return nil, errors.Wrapf(err, "sealed secret %s is not base64", key)
	}
	pt, err := a.Decrypt(ctx, ct)
	if err != nil {
		return nil, errors.Wrapf(err, "unseal %s", key)
	}
	return pt, nil
}

type vaultProvider struct {
	client     *vault.Client
	mountPath  string
	keyID      string
	secretPath string
}

func newVaultProvider(ctx context.Context) (*vaultProvider, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = os.Getenv("VAULT_ADDR")
	cfg.Timeout = 5 * time.Second
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if tokenFile := os.Getenv("VAULT_TOKEN_FILE"); tokenFile != "" {
		tokenBytes, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read VAULT_TOKEN_FILE")
		}
		client.SetToken(strings.TrimSpace(string(tokenBytes)))
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, errors.Wrap(err, "vault health check failed")
	}
	return &vaultProvider{
		client:     client,
		mountPath:  getEnvOrDefault("VAULT_MOUNT_PATH", "transit"),
		keyID:      getEnvOrDefault("VAULT_KEY_ID", "pastevault-secrets"),
		secretPath: getEnvOrDefault("VAULT_SECRET_PATH", "secret/data/pastevault"),
	}, nil
}
func (v *vaultProvider) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	secret, err := v.client.Logical().WriteWithContext(ctx, v.mountPath+"/encrypt/"+v.keyID, map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	})
	if err != nil {
		return nil, err
	}
	ciphertext, ok := secret.Data["ciphertext"].(string)
	if !ok {
		return nil, errors.New("vault: ciphertext not found")
	}
	return []byte(ciphertext), nil
}
func (v *vaultProvider) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	secret, err := v.client.Logical().WriteWithContext(ctx, v.mountPath+"/decrypt/"+v.keyID, map[string]interface{}{
		"ciphertext": string(ciphertext),
	})
	if err != nil {
		return nil, err
	}
	plaintextB64, ok := secret.Data["plaintext"].(string)
	if !ok {
		return nil, errors.New("vault: plaintext not found")
	}
	return base64.StdEncoding.DecodeString(plaintextB64)
}

// GetSecret reads the "value" field of a KV v2 entry named after key.
func (v *vaultProvider) GetSecret(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.secretPath+"/"+key)
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", errors.Wrap(ErrSecretNotFound, key)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("vault: invalid secret format")
	}
	value, ok := data["value"].(string)
	if !ok {
		return "", errors.New("vault: value not found")
	}
	return value, nil
}

type awsProvider struct {
	kmsClient *kms.Client
	smClient  *secretsmanager.Client
	keyID     string
}

func newAWSProvider(ctx context.Context) (*awsProvider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(os.Getenv("AWS_REGION")))
	if err != nil {
		return nil, err
	}
	return &awsProvider{
		kmsClient: kms.NewFromConfig(cfg),
		smClient:  secretsmanager.NewFromConfig(cfg),
		keyID:     getEnvOrDefault("KMS_MASTER_KEY_ID", "alias/pastevault-secrets"),
	}, nil
}
func (a *awsProvider) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	result, err := a.kmsClient.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     &a.keyID,
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, errors.Wrap(err, "aws kms encrypt failed")
	}
	return result.CiphertextBlob, nil
}
func (a *awsProvider) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	result, err := a.kmsClient.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: ciphertext})
	if err != nil {
		return nil, errors.Wrap(err, "aws kms decrypt failed")
	}
	return result.Plaintext, nil
}
func (a *awsProvider) GetSecret(ctx context.Context, key string) (string, error) {
	result, err := a.smClient.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &key,
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to get secret %s", key)
	}
	if result.SecretString == nil {
		return "", errors.New("secret is binary, not string")
	}
	return *result.SecretString, nil
}

// envProvider reads secrets from the environment. Sealing needs
// KMS_LOCAL_KEY, a base64 AES-256 key; plain values work without it.
type envProvider struct {
	aead cipher.AEAD
}

func newEnvProvider(key string) (*envProvider, error) {
	if key == "" {
		return &envProvider{}, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, errors.Wrap(err, "KMS_LOCAL_KEY must be base64-encoded")
	}
	if len(decoded) != 32 {
		return nil, errors.Errorf("KMS_LOCAL_KEY must be exactly 32 bytes when decoded (got %d bytes)", len(decoded))
	}
	block, err := aes.NewCipher(decoded)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create GCM")
	}
	return &envProvider{aead: aead}, nil
}
func (e *envProvider) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	if e.aead == nil {
		return nil, errors.Wrap(ErrProviderUnavailable, "KMS_LOCAL_KEY not set")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}
func (e *envProvider) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if e.aead == nil {
		return nil, errors.Wrap(ErrProviderUnavailable, "KMS_LOCAL_KEY not set")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nonceSize := e.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	return e.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
}
func (e *envProvider) GetSecret(_ context.Context, key string) (string, error) {
	val, ok := os.LookupEnv(key)
	if !ok {
		return "", errors.Wrap(ErrSecretNotFound, key)
	}
	return val, nil
}
func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
