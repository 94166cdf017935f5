package steps

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/haven-archive/haven/pkg/bus"
	"github.com/haven-archive/haven/pkg/pipeline"
)

// Encrypter encrypts one file and returns the encrypted path plus metadata.
type Encrypter interface {
	Encrypt(ctx context.Context, path string) (encryptedPath string, meta map[string]any, err error)
}

// EncryptStep encrypts the current artifact and redirects later steps to
// the encrypted path. Enabling it without a configured key is fatal.
type EncryptStep struct {
	stepCore
	encrypter Encrypter
}

// NewEncryptStep wires the encryption stage.
func NewEncryptStep(encrypter Encrypter, events *bus.Bus, logger *slog.Logger, defaultEnabled bool) *EncryptStep {
	return &EncryptStep{
		stepCore:  newStepCore(NameEncrypt, OptionEncryptEnabled, defaultEnabled, events, logger),
		encrypter: encrypter,
	}
}

func (s *EncryptStep) Process(ctx context.Context, pctx *pipeline.Context) *pipeline.StepResult {
	if s.encrypter == nil {
		return pipeline.NewFailedResult(NameEncrypt, pipeline.NewStepError(
			pipeline.CodeEncryptionKeyMissing,
			"encryption enabled but no encryption key is configured",
			pipeline.CategoryFatal))
	}

	path := pctx.CurrentPath()
	s.publish(pctx, bus.EventTypeEncryptRequested, map[string]any{"path": path})

	encPath, meta, err := s.encrypter.Encrypt(ctx, path)
	if err != nil {
		return pipeline.NewFailedResult(NameEncrypt, pipeline.AsStepError("ENCRYPT_FAILED", err))
	}

	pctx.EncryptedPath = encPath
	pctx.Encryption = meta
	pctx.Touch()

	payload := map[string]any{"path": encPath}
	if alg, ok := meta["algorithm"]; ok {
		payload["algorithm"] = alg
	}
	s.publish(pctx, bus.EventTypeEncryptComplete, payload)

	return pipeline.NewSuccessResult(NameEncrypt, map[string]any{"encrypted_path": encPath})
}

// AESEncrypter seals whole files with AES-256-GCM. Output lands next to
// the source as "<name>.enc": nonce first, ciphertext after.
type AESEncrypter struct {
	aead cipher.AEAD
}

// NewAESEncrypter builds an encrypter from a hex-encoded 32-byte key.
func NewAESEncrypter(hexKey string) (*AESEncrypter, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("encryption key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes (64 hex characters), got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}
	return &AESEncrypter{aead: aead}, nil
}

// Encrypt seals the file at path and writes "<path>.enc".
func (e *AESEncrypter) Encrypt(ctx context.Context, path string) (string, map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	plain, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, plain, nil)

	encPath := path + ".enc"
	if err := os.WriteFile(encPath, sealed, 0o600); err != nil {
		return "", nil, fmt.Errorf("failed to write %s: %w", encPath, err)
	}

	return encPath, map[string]any{
		"algorithm":      "aes-256-gcm",
		"nonce_size":     e.aead.NonceSize(),
		"original_size":  int64(len(plain)),
		"encrypted_size": int64(len(sealed)),
	}, nil
}

// Decrypt opens a sealed payload produced by Encrypt.
func (e *AESEncrypter) Decrypt(sealed []byte) ([]byte, error) {
	ns := e.aead.NonceSize()
	if len(sealed) < ns {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	return e.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
}
