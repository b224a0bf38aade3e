package tokenstore

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"filippo.io/age"
)

// Encryptor encrypts token records at rest with an X25519 age identity
// (spec.md §4.2 / SPEC_FULL.md §4.2). Lock records are never passed through
// an Encryptor: they carry no secrets and operators need to be able to
// grep them directly.
type Encryptor struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// GenerateIdentity creates a fresh X25519 identity and writes it to path
// (mode 0600). Callers should do this once, under the per-endpoint lock,
// the first time encryption is requested with no existing identity file.
func GenerateIdentity(path string) (*Encryptor, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate age identity: %w", err)
	}
	if err := writeFileAtomic(path, []byte(id.String()+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("persist age identity: %w", err)
	}
	return &Encryptor{identity: id, recipient: id.Recipient()}, nil
}

// LoadIdentity reads an age identity previously written by GenerateIdentity.
func LoadIdentity(path string) (*Encryptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read age identity: %w", err)
	}
	id, err := age.ParseX25519Identity(trimLine(string(data)))
	if err != nil {
		return nil, fmt.Errorf("parse age identity: %w", err)
	}
	return &Encryptor{identity: id, recipient: id.Recipient()}, nil
}

func trimLine(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}

// Encrypt seals plaintext to the encryptor's own recipient.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, e.recipient)
	if err != nil {
		return nil, fmt.Errorf("open age writer: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalize age encrypt: %w", err)
	}
	return buf.Bytes(), nil
}

// Decrypt opens ciphertext produced by Encrypt.
func (e *Encryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), e.identity)
	if err != nil {
		return nil, fmt.Errorf("open age reader: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}
	return plaintext, nil
}
