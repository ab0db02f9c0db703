package sso

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Flow actions carried in the sealed state.
const (
	ActionLogin = "login"
	ActionLink  = "link"
)

// FlowState is what survives the round-trip to the provider, sealed in a
// cookie.
type FlowState struct {
	Nonce       string `json:"n"`
	Action      string `json:"a"`
	AccountID   string `json:"acc,omitempty"`
	RedirectURL string `json:"r,omitempty"`
	IssuedAt    int64  `json:"iat"`
	ExpiresAt   int64  `json:"exp"`
}

// FlowStateCodec seals FlowState with AES-GCM and signs the ciphertext with
// HMAC-SHA256.
type FlowStateCodec struct {
	encryptionKey []byte
	hmacKey       []byte
	ttl           time.Duration
	now           func() time.Time
}

// NewFlowStateCodec derives 32 byte keys from the given secrets.
func NewFlowStateCodec(encryptionSecret, hmacSecret string, ttl time.Duration) *FlowStateCodec {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	ek := sha256.Sum256([]byte(encryptionSecret))
	hk := sha256.Sum256([]byte(hmacSecret))
	return &FlowStateCodec{
		encryptionKey: ek[:],
		hmacKey:       hk[:],
		ttl:           ttl,
		now:           time.Now,
	}
}

// WithClock returns the codec using clock for issue and expiry times.
func (c *FlowStateCodec) WithClock(clock func() time.Time) *FlowStateCodec {
	if clock != nil {
		c.now = clock
	}
	return c
}

// TTL is the lifetime of sealed states.
func (c *FlowStateCodec) TTL() time.Duration { return c.ttl }

// Encode seals the state, filling in nonce and timestamps when empty.
func (c *FlowStateCodec) Encode(state *FlowState) (string, error) {
	if state == nil {
		return "", ErrInvalidState
	}
	now := c.now()
	if state.IssuedAt == 0 {
		state.IssuedAt = now.Unix()
	}
	if state.ExpiresAt == 0 {
		state.ExpiresAt = now.Add(c.ttl).Unix()
	}
	if state.Nonce == "" {
		nonce, err := GenerateNonce()
		if err != nil {
			return "", err
		}
		state.Nonce = nonce
	}

	plaintext, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to marshal state: %w", err)
	}

	gcm, err := c.aead()
	if err != nil {
		return "", err
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}

	ciphertext := gcm.Seal(iv, iv, plaintext, nil)
	sealed := append(c.sign(ciphertext), ciphertext...)

	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decode verifies, opens and checks the expiry of a sealed state.
func (c *FlowStateCodec) Decode(token string) (*FlowState, error) {
	if token == "" {
		return nil, ErrInvalidState
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(data) < sha256.Size {
		return nil, ErrInvalidState
	}

	signature, ciphertext := data[:sha256.Size], data[sha256.Size:]
	if !hmac.Equal(signature, c.sign(ciphertext)) {
		return nil, ErrInvalidState
	}

	gcm, err := c.aead()
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, ErrInvalidState
	}

	iv, encrypted := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, iv, encrypted, nil)
	if err != nil {
		return nil, ErrInvalidState
	}

	var state FlowState
	if err := json.Unmarshal(plaintext, &state); err != nil {
		return nil, ErrInvalidState
	}

	if c.now().Unix() > state.ExpiresAt {
		return nil, ErrStateExpired
	}
	return &state, nil
}

func (c *FlowStateCodec) sign(b []byte) []byte {
	mac := hmac.New(sha256.New, c.hmacKey)
	mac.Write(b)
	return mac.Sum(nil)
}

func (c *FlowStateCodec) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// GenerateNonce returns 16 random bytes, base64url encoded.
func GenerateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
