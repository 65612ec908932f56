// Package crypto seals secrets at rest with AES-256-GCM. Sealed values carry
// the id of the key that produced them so old keys can stay readable while a
// new current key is rolled out.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	KeySize       = 32
	sealedVersion = "v1"
)

var (
	ErrUnknownKey = errors.New("unknown key id")
	ErrMalformed  = errors.New("malformed sealed value")
)

type Keyring struct {
	currentKeyID string
	keys         map[string][]byte
}

func NewKeyring(currentKeyID string, keys map[string][]byte) (*Keyring, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("keys map is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	cp := make(map[string][]byte, len(keys))
	for id, key := range keys {
		if strings.Contains(id, ":") {
			return nil, fmt.Errorf("key id %q must not contain ':'", id)
		}
		if len(key) != KeySize {
			return nil, fmt.Errorf("key %q must be %d bytes", id, KeySize)
		}
		buf := make([]byte, len(key))
		copy(buf, key)
		cp[id] = buf
	}
	return &Keyring{currentKeyID: currentKeyID, keys: cp}, nil
}

func (k *Keyring) CurrentKeyID() string {
	return k.currentKeyID
}

// Seal encrypts plaintext with the current key as
// "v1:<key id>:<base64 nonce>:<base64 ciphertext>".
func (k *Keyring) Seal(plaintext string) (string, error) {
	aead, err := newAEAD(k.keys[k.currentKeyID])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, []byte(plaintext), []byte(k.currentKeyID))
	return strings.Join([]string{
		sealedVersion,
		k.currentKeyID,
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(ct),
	}, ":"), nil
}

func (k *Keyring) Open(sealed string) (string, error) {
	keyID, nonce, ct, err := split(sealed)
	if err != nil {
		return "", err
	}
	key, ok := k.keys[keyID]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownKey, keyID)
	}
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}
	if len(nonce) != aead.NonceSize() {
		return "", fmt.Errorf("%w: nonce size", ErrMalformed)
	}
	pt, err := aead.Open(nil, nonce, ct, []byte(keyID))
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(pt), nil
}

// NeedsRotation reports whether sealed was produced by a key other than the
// current one.
func (k *Keyring) NeedsRotation(sealed string) bool {
	keyID, _, _, err := split(sealed)
	return err == nil && keyID != k.currentKeyID
}

// Reseal opens sealed and seals it again under the current key.
func (k *Keyring) Reseal(sealed string) (string, error) {
	plain, err := k.Open(sealed)
	if err != nil {
		return "", err
	}
	return k.Seal(plain)
}

// IsSealed reports whether raw looks like the output of Seal.
func IsSealed(raw string) bool {
	return strings.HasPrefix(raw, sealedVersion+":")
}

// Mask keeps the first and last four characters of secrets long enough to
// still be unguessable with them shown.
func Mask(secret string) string {
	r := []rune(secret)
	switch {
	case len(r) == 0:
		return ""
	case len(r) <= 12:
		return strings.Repeat("*", len(r))
	default:
		return string(r[:4]) + strings.Repeat("*", len(r)-8) + string(r[len(r)-4:])
	}
}

func split(sealed string) (keyID string, nonce, ct []byte, err error) {
	parts := strings.Split(sealed, ":")
	if len(parts) != 4 || parts[0] != sealedVersion || parts[1] == "" {
		return "", nil, nil, ErrMalformed
	}
	nonce, err = base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: nonce: %v", ErrMalformed, err)
	}
	ct, err = base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: ciphertext: %v", ErrMalformed, err)
	}
	return parts[1], nonce, ct, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}
