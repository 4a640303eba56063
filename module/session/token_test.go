package session

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func mintToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestTokenUsable(t *testing.T) {
	now := time.Now()

	fresh := mintToken(t, jwt.MapClaims{"sub": "c-1", "exp": now.Add(time.Hour).Unix()})
	if !TokenUsable(fresh, now) {
		t.Fatal("unexpired token should be usable")
	}

	stale := mintToken(t, jwt.MapClaims{"sub": "c-1", "exp": now.Add(-time.Hour).Unix()})
	if TokenUsable(stale, now) {
		t.Fatal("expired token should not be usable")
	}

	noExp := mintToken(t, jwt.MapClaims{"sub": "c-1"})
	if !TokenUsable(noExp, now) {
		t.Fatal("token without expiry is usable until the backend rejects it")
	}

	if TokenUsable("", now) {
		t.Fatal("empty token should not be usable")
	}
	if TokenUsable("not.a.jwt", now) {
		t.Fatal("garbage token should not be usable")
	}
}
