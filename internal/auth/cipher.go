package auth

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	cipherKeySize = 32
	macSize       = sha256.Size
)

var (
	ErrCipherFormat  = errors.New("invalid encrypted data format")
	ErrCipherDecrypt = errors.New("decrypt payload")
	ErrPayloadShape  = errors.New("unexpected payload shape")
)

// Payload is the identity carried inside every token.
type Payload struct {
	UserID int64 `json:"user_id"`
	RoleID int64 `json:"role_id"`
}

// PayloadCipher encrypts token payloads with AES-256-CBC and authenticates
// the result with HMAC-SHA256. Output is "<iv_hex>:<ciphertext_hex>".
type PayloadCipher struct {
	block  cipher.Block
	macKey []byte
}

// DeriveCipherKey truncates the secret to 32 bytes or right-pads it with '0'.
func DeriveCipherKey(secret string) []byte {
	key := []byte(secret)
	if len(key) > cipherKeySize {
		return key[:cipherKeySize]
	}
	return append(key, bytes.Repeat([]byte("0"), cipherKeySize-len(key))...)
}

func NewPayloadCipher(secret string) (*PayloadCipher, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("payload cipher secret is empty")
	}

	key := DeriveCipherKey(secret)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init aes cipher: %w", err)
	}

	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte("payload-mac"))

	return &PayloadCipher{block: block, macKey: mac.Sum(nil)}, nil
}

func (c *PayloadCipher) Encrypt(payload Payload) (string, error) {
	if err := payload.validate(); err != nil {
		return "", err
	}

	plain, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	padded := pkcs7Pad(plain, aes.BlockSize)
	sealed := make([]byte, len(padded), len(padded)+macSize)
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(sealed, padded)
	sealed = append(sealed, c.tag(iv, sealed)...)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(sealed), nil
}

func (c *PayloadCipher) Decrypt(encoded string) (Payload, error) {
	if strings.Count(encoded, ":") != 1 {
		return Payload{}, ErrCipherFormat
	}
	ivHex, sealedHex, _ := strings.Cut(encoded, ":")
	if ivHex == "" || sealedHex == "" {
		return Payload{}, ErrCipherFormat
	}
	if !isLowerHex(ivHex) || !isLowerHex(sealedHex) {
		return Payload{}, ErrCipherFormat
	}

	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return Payload{}, ErrCipherFormat
	}
	sealed, err := hex.DecodeString(sealedHex)
	if err != nil {
		return Payload{}, ErrCipherFormat
	}

	body := len(sealed) - macSize
	if body < aes.BlockSize || body%aes.BlockSize != 0 {
		return Payload{}, ErrCipherDecrypt
	}
	ciphertext, tag := sealed[:body], sealed[body:]
	if !hmac.Equal(tag, c.tag(iv, ciphertext)) {
		return Payload{}, ErrCipherDecrypt
	}

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(plain, ciphertext)
	plain, err = pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return Payload{}, ErrCipherDecrypt
	}

	return decodePayload(plain)
}

func (c *PayloadCipher) tag(iv, ciphertext []byte) []byte {
	mac := hmac.New(sha256.New, c.macKey)
	_, _ = mac.Write(iv)
	_, _ = mac.Write(ciphertext)
	return mac.Sum(nil)
}

func (p Payload) validate() error {
	if p.UserID <= 0 || p.RoleID <= 0 {
		return ErrPayloadShape
	}
	return nil
}

// decodePayload fails closed on missing or unknown fields.
func decodePayload(raw []byte) (Payload, error) {
	var wire struct {
		UserID *int64 `json:"user_id"`
		RoleID *int64 `json:"role_id"`
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&wire); err != nil {
		return Payload{}, ErrPayloadShape
	}
	if decoder.More() || wire.UserID == nil || wire.RoleID == nil {
		return Payload{}, ErrPayloadShape
	}

	payload := Payload{UserID: *wire.UserID, RoleID: *wire.RoleID}
	if err := payload.validate(); err != nil {
		return Payload{}, err
	}

	return payload, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrCipherDecrypt
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize {
		return nil, ErrCipherDecrypt
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, ErrCipherDecrypt
		}
	}
	return data[:len(data)-padding], nil
}

func isLowerHex(value string) bool {
	for i := 0; i < len(value); i++ {
		ch := value[i]
		if (ch < '0' || ch > '9') && (ch < 'a' || ch > 'f') {
			return false
		}
	}
	return true
}
