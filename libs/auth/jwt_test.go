package auth

import (
	"errors"
	"testing"
	"time"
)

func TestSignAndParseRoundTrip(t *testing.T) {
	secret := []byte("secret")
	token, err := SignJWT("9f4c1c3a-1111-4222-8333-444455556666", secret, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	claims, err := ParseJWT(token, secret)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "9f4c1c3a-1111-4222-8333-444455556666" {
		t.Fatalf("subject = %s", claims.Subject)
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	token, err := SignJWT("user", []byte("right"), time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseJWT(token, []byte("wrong")); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("got %v, want ErrInvalidToken", err)
	}
}

func TestParseRejectsExpired(t *testing.T) {
	token, err := SignJWT("user", []byte("secret"), -time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseJWT(token, []byte("secret")); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("got %v, want ErrInvalidToken", err)
	}
}

func TestExtractBearer(t *testing.T) {
	if got := ExtractBearer("Bearer abc.def.ghi"); got != "abc.def.ghi" {
		t.Fatalf("got %q", got)
	}
	if got := ExtractBearer("Basic abc"); got != "" {
		t.Fatalf("non-bearer scheme returned %q", got)
	}
	if got := ExtractBearer(""); got != "" {
		t.Fatalf("empty header returned %q", got)
	}
}
