// internal/auth/device_test.go
package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestDeviceTokenRoundTrip(t *testing.T) {
	Init()

	tok, err := CreateDeviceToken("device-42")
	if err != nil {
		t.Fatalf("mint failed: %v", err)
	}
	sub, err := AuthenticateDeviceToken(tok)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if sub != "device-42" {
		t.Fatalf("subject = %q, want device-42", sub)
	}
}

func TestDeviceTokenWithoutTTLOmitsExp(t *testing.T) {
	t.Setenv("TOKEN_EXPIRE_TIME", "never")
	Init()

	tok, err := CreateDeviceToken("device-1")
	if err != nil {
		t.Fatalf("mint failed: %v", err)
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if _, ok := claims["exp"]; ok {
		t.Fatal("token carries an exp claim despite TOKEN_EXPIRE_TIME=never")
	}
}

func TestDeviceTokenExpires(t *testing.T) {
	t.Setenv("TOKEN_EXPIRE_TIME", "1ms")
	Init()

	tok, err := CreateDeviceToken("device-1")
	if err != nil {
		t.Fatalf("mint failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := AuthenticateDeviceToken(tok); err == nil {
		t.Fatal("expired token verified")
	}
}

func TestDeviceTokenRejectsRotatedKey(t *testing.T) {
	Init()
	tok, err := CreateDeviceToken("device-1")
	if err != nil {
		t.Fatalf("mint failed: %v", err)
	}

	// A restart rotates the ephemeral keys; old tokens stop verifying.
	Init()
	if _, err := AuthenticateDeviceToken(tok); err == nil {
		t.Fatal("token minted under a rotated key verified")
	}
}

func TestDeviceTokenRejectsWrongAlgorithm(t *testing.T) {
	Init()

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "device-1"}).
		SignedString([]byte(verifyKey))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	_, err = AuthenticateDeviceToken(forged)
	if err == nil {
		t.Fatal("HS256 token accepted")
	}
	if !strings.Contains(err.Error(), "verify device token") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDeviceTokenRequiresSubject(t *testing.T) {
	Init()

	anon, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.RegisteredClaims{}).SignedString(signingKey)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if _, err := AuthenticateDeviceToken(anon); err == nil {
		t.Fatal("subject-less token accepted")
	}
}
