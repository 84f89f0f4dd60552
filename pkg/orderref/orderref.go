// Package orderref seals order ids into opaque references handed to the payment
// gateway and echoed back on webhooks.
package orderref

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrInvalidReference is returned for references that fail to open.
var ErrInvalidReference = errors.New("invalid order reference")

var aad = []byte("keymarket/order-ref/v1")

// Codec seals and opens order references with XChaCha20-Poly1305.
type Codec struct {
	key []byte
}

// NewCodec accepts a 32-byte raw key or its 64-char hex form.
func NewCodec(secret string) (*Codec, error) {
	key := []byte(secret)
	if len(secret) == 2*chacha20poly1305.KeySize {
		decoded, err := hex.DecodeString(secret)
		if err != nil {
			return nil, fmt.Errorf("decode order ref key: %w", err)
		}
		key = decoded
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("order ref key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Codec{key: key}, nil
}

// Seal returns a url-safe reference for orderID.
func (c *Codec) Seal(orderID uuid.UUID) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(orderID)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("order ref nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, orderID[:], aad)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open recovers the order id sealed in ref.
func (c *Codec) Open(ref string) (uuid.UUID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(ref)
	if err != nil {
		return uuid.Nil, ErrInvalidReference
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return uuid.Nil, err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return uuid.Nil, ErrInvalidReference
	}
	nonce, box := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, box, aad)
	if err != nil {
		return uuid.Nil, ErrInvalidReference
	}
	id, err := uuid.FromBytes(plain)
	if err != nil {
		return uuid.Nil, ErrInvalidReference
	}
	return id, nil
}
