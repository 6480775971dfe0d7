// ABOUTME: Device identity for gateway challenge-response authentication
// ABOUTME: Loads an ed25519 key, derives the device id, and signs nonce-bound payloads

package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// SignatureVersion tags the signed payload layout.
const SignatureVersion = "v2"

// ErrUnsupportedKey is returned when the device key file is not ed25519.
var ErrUnsupportedKey = errors.New("device key must be ed25519")

// DeviceIdentity is a locally held keypair that signs connect requests.
type DeviceIdentity struct {
	ID         string
	PublicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
}

// NewDeviceIdentity wraps an ed25519 private key.
func NewDeviceIdentity(priv ed25519.PrivateKey) *DeviceIdentity {
	pub, _ := priv.Public().(ed25519.PublicKey)
	return &DeviceIdentity{
		ID:         DeviceIDFromPublicKey(pub),
		PublicKey:  pub,
		privateKey: priv,
	}
}

// LoadDeviceIdentity reads an OpenSSH or PKCS#8 PEM ed25519 private key.
func LoadDeviceIdentity(path string) (*DeviceIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading device key: %w", err)
	}
	raw, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parsing device key: %w", err)
	}
	switch k := raw.(type) {
	case ed25519.PrivateKey:
		return NewDeviceIdentity(k), nil
	case *ed25519.PrivateKey:
		return NewDeviceIdentity(*k), nil
	default:
		return nil, fmt.Errorf("%w: got %T", ErrUnsupportedKey, raw)
	}
}

// GenerateDeviceIdentity creates a new key and writes it in OpenSSH format.
func GenerateDeviceIdentity(path string) (*DeviceIdentity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating device key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "coven-relay device")
	if err != nil {
		return nil, fmt.Errorf("encoding device key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("writing device key: %w", err)
	}
	return NewDeviceIdentity(priv), nil
}

// DeviceIDFromPublicKey is the hex SHA-256 of the raw public key bytes.
func DeviceIDFromPublicKey(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// PublicKeyRaw returns the raw 32-byte key, base64url without padding.
func (d *DeviceIdentity) PublicKeyRaw() string {
	return base64.RawURLEncoding.EncodeToString(d.PublicKey)
}

// SignatureInput lists the fields bound into a device signature.
type SignatureInput struct {
	DeviceID   string
	ClientID   string
	ClientMode string
	Role       string
	Scopes     []string
	SignedAt   time.Time
	Token      string
	Nonce      string
}

// SignaturePayload builds the exact byte string that is signed. Field order is fixed;
// scopes keep caller order.
func SignaturePayload(in SignatureInput) string {
	return strings.Join([]string{
		SignatureVersion,
		in.DeviceID,
		in.ClientID,
		in.ClientMode,
		in.Role,
		strings.Join(in.Scopes, ","),
		strconv.FormatInt(in.SignedAt.UnixMilli(), 10),
		in.Token,
		in.Nonce,
	}, "|")
}

// Sign returns the base64url signature over SignaturePayload(in).
func (d *DeviceIdentity) Sign(in SignatureInput) string {
	sig := ed25519.Sign(d.privateKey, []byte(SignaturePayload(in)))
	return base64.RawURLEncoding.EncodeToString(sig)
}

// VerifySignature checks a base64url signature against the payload for in.
func VerifySignature(pub ed25519.PublicKey, in SignatureInput, signature string) bool {
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, []byte(SignaturePayload(in)), sig)
}

type deviceTokenFile struct {
	Token     string    `json:"token"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// LoadDeviceToken returns the stored device token, or "" when none is saved.
func LoadDeviceToken(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading device token: %w", err)
	}
	var f deviceTokenFile
	if err := json.Unmarshal(data, &f); err != nil {
		return "", fmt.Errorf("parsing device token: %w", err)
	}
	return strings.TrimSpace(f.Token), nil
}

// SaveDeviceToken persists a token issued by the gateway.
func SaveDeviceToken(path, token string) error {
	data, err := json.MarshalIndent(deviceTokenFile{Token: token, UpdatedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding device token: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing device token: %w", err)
	}
	return nil
}
