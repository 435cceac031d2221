package auth

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestDeriveCipherKey_PadsAndTruncates(t *testing.T) {
	short := DeriveCipherKey("abc")
	if len(short) != 32 || !bytes.Equal(short, []byte("abc"+strings.Repeat("0", 29))) {
		t.Errorf("unexpected padded key %q", short)
	}

	long := DeriveCipherKey(strings.Repeat("x", 40))
	if len(long) != 32 || string(long) != strings.Repeat("x", 32) {
		t.Errorf("unexpected truncated key %q", long)
	}
}

func TestPayloadCipher_RoundTrip(t *testing.T) {
	c, err := NewPayloadCipher("cipher-secret")
	if err != nil {
		t.Fatalf("NewPayloadCipher failed: %v", err)
	}

	encoded, err := c.Encrypt(Payload{UserID: 42, RoleID: 2})
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	ivHex, body, ok := strings.Cut(encoded, ":")
	if !ok || len(ivHex) != 32 || body == "" {
		t.Fatalf("unexpected format %q", encoded)
	}
	if encoded != strings.ToLower(encoded) {
		t.Errorf("expected lowercase hex, got %q", encoded)
	}

	payload, err := c.Decrypt(encoded)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if payload != (Payload{UserID: 42, RoleID: 2}) {
		t.Errorf("unexpected payload %+v", payload)
	}
}

func TestPayloadCipher_FreshIVPerCall(t *testing.T) {
	c, _ := NewPayloadCipher("cipher-secret")

	a, _ := c.Encrypt(Payload{UserID: 1, RoleID: 1})
	b, _ := c.Encrypt(Payload{UserID: 1, RoleID: 1})
	if a == b {
		t.Error("expected distinct ciphertexts for the same payload")
	}
}

func TestPayloadCipher_DetectsEveryByteFlip(t *testing.T) {
	c, _ := NewPayloadCipher("cipher-secret")
	encoded, _ := c.Encrypt(Payload{UserID: 7, RoleID: 1})

	for i := 0; i < len(encoded); i++ {
		if encoded[i] == ':' {
			continue
		}
		tampered := []byte(encoded)
		if tampered[i] == '0' {
			tampered[i] = '1'
		} else {
			tampered[i] = '0'
		}
		if _, err := c.Decrypt(string(tampered)); err == nil {
			t.Fatalf("flip at %d went undetected", i)
		}
	}
}

func TestPayloadCipher_WrongKeyFails(t *testing.T) {
	a, _ := NewPayloadCipher("secret-a")
	b, _ := NewPayloadCipher("secret-b")

	encoded, _ := a.Encrypt(Payload{UserID: 1, RoleID: 2})
	if _, err := b.Decrypt(encoded); !errors.Is(err, ErrCipherDecrypt) {
		t.Errorf("expected ErrCipherDecrypt, got %v", err)
	}
}

func TestPayloadCipher_RejectsBadFormats(t *testing.T) {
	c, _ := NewPayloadCipher("cipher-secret")
	valid, _ := c.Encrypt(Payload{UserID: 1, RoleID: 2})
	ivHex, body, _ := strings.Cut(valid, ":")

	cases := map[string]string{
		"empty":         "",
		"no separator":  ivHex + body,
		"two separator": ivHex + ":" + body + ":00",
		"missing iv":    ":" + body,
		"missing body":  ivHex + ":",
		"uppercase":     strings.ToUpper(ivHex) + ":" + body,
		"non hex":       "zz" + ivHex[2:] + ":" + body,
		"short iv":      ivHex[:30] + ":" + body,
	}
	for name, input := range cases {
		if _, err := c.Decrypt(input); !errors.Is(err, ErrCipherFormat) {
			t.Errorf("%s: expected ErrCipherFormat, got %v", name, err)
		}
	}
}

func TestPayloadCipher_RejectsInvalidPayloads(t *testing.T) {
	c, _ := NewPayloadCipher("cipher-secret")

	for _, payload := range []Payload{{UserID: 0, RoleID: 1}, {UserID: 1, RoleID: 0}, {UserID: -1, RoleID: 2}} {
		if _, err := c.Encrypt(payload); !errors.Is(err, ErrPayloadShape) {
			t.Errorf("%+v: expected ErrPayloadShape, got %v", payload, err)
		}
	}
}

func TestDecodePayload_Strict(t *testing.T) {
	cases := []string{
		`{"user_id":1}`,
		`{"role_id":1}`,
		`{"user_id":1,"role_id":2,"admin":true}`,
		`{"user_id":"1","role_id":2}`,
		`{"user_id":1,"role_id":2}{}`,
		`[]`,
	}
	for _, raw := range cases {
		if _, err := decodePayload([]byte(raw)); !errors.Is(err, ErrPayloadShape) {
			t.Errorf("%s: expected ErrPayloadShape, got %v", raw, err)
		}
	}

	payload, err := decodePayload([]byte(`{"user_id":3,"role_id":1}`))
	if err != nil || payload != (Payload{UserID: 3, RoleID: 1}) {
		t.Errorf("unexpected result %+v %v", payload, err)
	}
}

func TestNewPayloadCipher_RejectsEmptySecret(t *testing.T) {
	if _, err := NewPayloadCipher("  "); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestPKCS7_RoundTrip(t *testing.T) {
	for size := 0; size <= 32; size++ {
		data := bytes.Repeat([]byte{'a'}, size)
		padded := pkcs7Pad(append([]byte(nil), data...), 16)
		if len(padded)%16 != 0 || len(padded) == size {
			t.Fatalf("size %d: bad padding length %d", size, len(padded))
		}
		out, err := pkcs7Unpad(padded, 16)
		if err != nil || !bytes.Equal(out, data) {
			t.Fatalf("size %d: unpad failed: %v", size, err)
		}
	}
}
