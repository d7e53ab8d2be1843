package entities

import (
	"testing"
	"time"
)

func TestSessionTokenExpired(t *testing.T) {
	token := SessionToken{
		Token:          "secret",
		ExpirationTime: time.Now().Add(time.Hour),
	}

	if token.Expired(time.Minute) {
		t.Fatalf("expected a token valid for an hour to not be expired")
	}
	if !token.Expired(2 * time.Hour) {
		t.Fatalf("expected the skew to push the token into expiration")
	}

	token.ExpirationTime = time.Now().Add(-time.Minute)
	if !token.Expired(0) {
		t.Fatalf("expected a past expiration to be expired")
	}
}

func TestSessionTokenEmptyIsExpired(t *testing.T) {
	token := SessionToken{ExpirationTime: time.Now().Add(time.Hour)}

	if !token.Expired(0) {
		t.Fatalf("expected a token without a value to be expired")
	}
}
