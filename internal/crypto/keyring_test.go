package crypto

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func TestSealOpen(t *testing.T) {
	k, err := NewKeyring("k1", map[string][]byte{
		"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="),
	})
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}

	sealed, err := k.Seal("sk-ant-super-secret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !strings.HasPrefix(sealed, "v1:k1:") {
		t.Fatalf("unexpected sealed prefix: %q", sealed)
	}
	if strings.Contains(sealed, "super-secret") {
		t.Fatalf("sealed value leaks plaintext")
	}

	out, err := k.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if out != "sk-ant-super-secret" {
		t.Fatalf("expected original string, got %q", out)
	}
}

func TestRotationOpenOldSealNew(t *testing.T) {
	oldKey := mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	newKey := mustKey(t, "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE=")

	oldRing, err := NewKeyring("old", map[string][]byte{"old": oldKey})
	if err != nil {
		t.Fatalf("old keyring: %v", err)
	}
	legacy, err := oldRing.Seal("legacy")
	if err != nil {
		t.Fatalf("old seal: %v", err)
	}

	rotated, err := NewKeyring("new", map[string][]byte{"old": oldKey, "new": newKey})
	if err != nil {
		t.Fatalf("rotated keyring: %v", err)
	}
	if !rotated.NeedsRotation(legacy) {
		t.Fatalf("expected legacy value to need rotation")
	}

	resealed, err := rotated.Reseal(legacy)
	if err != nil {
		t.Fatalf("reseal: %v", err)
	}
	if rotated.NeedsRotation(resealed) {
		t.Fatalf("resealed value still needs rotation")
	}
	plain, err := rotated.Open(resealed)
	if err != nil {
		t.Fatalf("open resealed: %v", err)
	}
	if plain != "legacy" {
		t.Fatalf("unexpected plaintext: %q", plain)
	}

	if _, err := oldRing.Open(resealed); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	k, err := NewKeyring("k1", map[string][]byte{"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")})
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	for _, raw := range []string{"", "plain", "v2:k1:a:b", "v1::a:b", "v1:k1:!!:b"} {
		if _, err := k.Open(raw); !errors.Is(err, ErrMalformed) {
			t.Fatalf("Open(%q): expected ErrMalformed, got %v", raw, err)
		}
	}

	sealed, err := k.Seal("value")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	parts := strings.Split(sealed, ":")
	ct, _ := base64.StdEncoding.DecodeString(parts[3])
	ct[0] ^= 0xff
	parts[3] = base64.StdEncoding.EncodeToString(ct)
	if _, err := k.Open(strings.Join(parts, ":")); err == nil {
		t.Fatalf("expected tampered ciphertext to fail")
	}
}

func TestNewKeyringValidation(t *testing.T) {
	good := mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	cases := []struct {
		name    string
		current string
		keys    map[string][]byte
	}{
		{"empty current", "", map[string][]byte{"k": good}},
		{"no keys", "k", nil},
		{"missing current", "x", map[string][]byte{"k": good}},
		{"short key", "k", map[string][]byte{"k": good[:16]}},
		{"colon in id", "a:b", map[string][]byte{"a:b": good}},
	}
	for _, tc := range cases {
		if _, err := NewKeyring(tc.current, tc.keys); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestMask(t *testing.T) {
	cases := map[string]string{
		"":                      "",
		"short":                 "*****",
		"sk-ant-api03-abcdefgh": "sk-a*************efgh",
	}
	for in, want := range cases {
		if got := Mask(in); got != want {
			t.Fatalf("Mask(%q) = %q, want %q", in, got, want)
		}
	}
}

func mustKey(t *testing.T, b64 string) []byte {
	t.Helper()
	k, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if len(k) != KeySize {
		t.Fatalf("expected 32-byte key, got %d", len(k))
	}
	return k
}
