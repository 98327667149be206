// internal/auth/device.go
//
// Device tokens are ed25519-signed JWTs whose subject names the device they
// were minted for. The gateway mints them over its internal endpoint and
// checks them again when a connection identifies.
package auth

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	signingKey ed25519.PrivateKey
	verifyKey  ed25519.PublicKey

	// tokenTTL of zero mints tokens without an exp claim.
	tokenTTL time.Duration
)

// tokenTTLFromEnv reads TOKEN_EXPIRE_TIME. "never", "0" and unset all mean
// tokens do not expire; anything else must parse as a Go duration.
func tokenTTLFromEnv() time.Duration {
	v := os.Getenv("TOKEN_EXPIRE_TIME")
	if v == "" || v == "never" || v == "0" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("bad TOKEN_EXPIRE_TIME %q: %v", v, err)
	}
	return d
}

// Init generates an ephemeral key pair. Tokens minted before a restart stop
// verifying; use InitFromPath with persisted keys when that matters.
func Init() {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		log.Fatalf("generate device token key pair: %v", err)
	}
	signingKey, verifyKey = priv, pub
	tokenTTL = tokenTTLFromEnv()
}

// InitFromPath loads raw ed25519 keys from disk.
func InitFromPath(privatePath, publicPath string) error {
	priv, err := os.ReadFile(privatePath)
	if err != nil {
		return fmt.Errorf("read private key: %w", err)
	}
	pub, err := os.ReadFile(publicPath)
	if err != nil {
		return fmt.Errorf("read public key: %w", err)
	}
	if len(priv) != ed25519.PrivateKeySize || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("key files are not raw ed25519 keys (got %d/%d bytes)", len(priv), len(pub))
	}
	signingKey = ed25519.PrivateKey(priv)
	verifyKey = ed25519.PublicKey(pub)
	tokenTTL = tokenTTLFromEnv()
	return nil
}

// CreateDeviceToken mints a signed token for the device. The exp claim is
// omitted when no TTL is configured.
func CreateDeviceToken(deviceID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  deviceID,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if tokenTTL > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(tokenTTL))
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(signingKey)
}

// AuthenticateDeviceToken checks signature and expiry and returns the device
// the token was minted for.
func AuthenticateDeviceToken(tokenString string) (string, error) {
	t, err := jwt.Parse(tokenString,
		func(*jwt.Token) (interface{}, error) { return verifyKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
	)
	if err != nil {
		return "", fmt.Errorf("verify device token: %w", err)
	}
	sub, err := t.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("device token has no subject")
	}
	return sub, nil
}
