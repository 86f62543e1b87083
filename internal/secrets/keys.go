// Package secrets seals and opens key material with age encryption. The App
// private key and the operator wallet key may be stored encrypted at rest and
// are opened once at startup.
package secrets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
)

var (
	// ErrNoPublicKey is returned when no recipient is configured for sealing.
	ErrNoPublicKey = errors.New("no public key configured for encryption")
	// ErrNoPrivateKey is returned when sealed material is opened without an identity.
	ErrNoPrivateKey = errors.New("no private key configured for decryption")
	// ErrDecryptionFailed is returned when decryption fails.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrEncryptionFailed is returned when encryption fails.
	ErrEncryptionFailed = errors.New("encryption failed")
	// ErrInvalidKey is returned when a key is invalid.
	ErrInvalidKey = errors.New("invalid key format")
)

const (
	binaryHeader = "age-encryption.org/v1"
	identityHint = "AGE-SECRET-KEY-1"
)

// Config holds age key settings.
type Config struct {
	// AgePublicKey is the recipient used to seal material.
	// Format: age1... (Bech32 encoded)
	AgePublicKey string
	// AgeIdentity opens sealed material. It is either the key itself
	// (AGE-SECRET-KEY-1...) or the path of an age identity file.
	AgeIdentity string
}

// KeyService seals and opens key material.
type KeyService struct {
	recipient  *age.X25519Recipient
	identities []age.Identity
	logger     *slog.Logger
}

// NewKeyService parses the configured keys. Both are optional; operations
// that need a missing key fail with ErrNoPublicKey or ErrNoPrivateKey.
func NewKeyService(cfg *Config, logger *slog.Logger) (*KeyService, error) {
	if logger == nil {
		logger = slog.Default()
	}
	svc := &KeyService{logger: logger}

	if cfg.AgePublicKey != "" {
		recipient, err := age.ParseX25519Recipient(strings.TrimSpace(cfg.AgePublicKey))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid public key: %v", ErrInvalidKey, err)
		}
		svc.recipient = recipient
	}

	if cfg.AgeIdentity != "" {
		ids, err := parseIdentity(cfg.AgeIdentity)
		if err != nil {
			return nil, err
		}
		svc.identities = ids
	}

	return svc, nil
}

func parseIdentity(value string) ([]age.Identity, error) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, identityHint) {
		id, err := age.ParseX25519Identity(value)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid private key: %v", ErrInvalidKey, err)
		}
		return []age.Identity{id}, nil
	}

	f, err := os.Open(value)
	if err != nil {
		return nil, fmt.Errorf("opening identity file: %w", err)
	}
	defer f.Close()

	ids, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("%w: identity file %s: %v", ErrInvalidKey, value, err)
	}
	return ids, nil
}

// IsSealed reports whether data is age ciphertext, binary or armored.
func IsSealed(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return bytes.HasPrefix(trimmed, []byte(binaryHeader)) ||
		bytes.HasPrefix(trimmed, []byte(armor.Header))
}

// Seal encrypts plaintext to the configured recipient as armored text.
func (s *KeyService) Seal(ctx context.Context, plaintext []byte) ([]byte, error) {
	if s.recipient == nil {
		return nil, ErrNoPublicKey
	}

	var buf bytes.Buffer
	aw := armor.NewWriter(&buf)
	w, err := age.Encrypt(aw, s.recipient)
	if err != nil {
		s.logger.Error("failed to create age encryptor", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if err := aw.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return buf.Bytes(), nil
}

// Open returns plaintext key material. Data that is not sealed is returned
// unchanged, so plain and sealed key files are both accepted.
func (s *KeyService) Open(ctx context.Context, data []byte) ([]byte, error) {
	if !IsSealed(data) {
		return data, nil
	}
	if len(s.identities) == 0 {
		return nil, ErrNoPrivateKey
	}

	var src io.Reader = bytes.NewReader(bytes.TrimSpace(data))
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte(armor.Header)) {
		src = armor.NewReader(src)
	}

	r, err := age.Decrypt(src, s.identities...)
	if err != nil {
		s.logger.Error("failed to decrypt key material", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// Load returns key material from an inline value or, when inline is empty,
// from path. Either may be sealed.
func (s *KeyService) Load(ctx context.Context, inline, path string) ([]byte, error) {
	data := []byte(inline)
	if inline == "" {
		if path == "" {
			return nil, nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading key file: %w", err)
		}
		data = b
	}
	return s.Open(ctx, data)
}

// CanSeal reports whether a recipient is configured.
func (s *KeyService) CanSeal() bool {
	return s.recipient != nil
}

// CanOpen reports whether an identity is configured.
func (s *KeyService) CanOpen() bool {
	return len(s.identities) > 0
}

// GenerateKeyPair generates a new age key pair.
func GenerateKeyPair() (publicKey, privateKey string, err error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate age key pair: %w", err)
	}
	return identity.Recipient().String(), identity.String(), nil
}
