package gateway

import (
	"testing"
	"time"
)

const testSecret = "test-secret"

func mintTestToken(t *testing.T, userID string, scopes []string, ttl time.Duration) string {
	t.Helper()
	token, err := MintToken(testSecret, userID, scopes, ttl, time.Now().UTC())
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}
	return token
}

func TestAuthorizeTokenRoundTrip(t *testing.T) {
	token := mintTestToken(t, "u1", []string{"realtime", "publish"}, time.Hour)
	claims, authErr := authorizeToken(token, testSecret, "realtime", time.Now().UTC())
	if authErr != nil {
		t.Fatalf("authorizeToken: %v", authErr)
	}
	if claims.UserID != "u1" {
		t.Fatalf("user id = %q", claims.UserID)
	}
	if _, ok := claims.Scopes["publish"]; !ok {
		t.Fatalf("scopes = %v", claims.Scopes)
	}
}

func TestAuthorizeTokenRejectsExpired(t *testing.T) {
	token := mintTestToken(t, "u1", []string{"realtime"}, time.Second)
	_, authErr := authorizeToken(token, testSecret, "realtime", time.Now().UTC().Add(time.Minute))
	if authErr == nil || authErr.status != 401 {
		t.Fatalf("expired token error = %v", authErr)
	}
}

func TestAuthorizeTokenRejectsMissingScope(t *testing.T) {
	token := mintTestToken(t, "u1", []string{"realtime"}, time.Hour)
	_, authErr := authorizeToken(token, testSecret, "admin", time.Now().UTC())
	if authErr == nil || authErr.status != 403 {
		t.Fatalf("missing scope error = %v", authErr)
	}
}

func TestAuthorizeTokenRejectsWrongSecret(t *testing.T) {
	token := mintTestToken(t, "u1", []string{"realtime"}, time.Hour)
	_, authErr := authorizeToken(token, "other-secret", "realtime", time.Now().UTC())
	if authErr == nil || authErr.status != 401 {
		t.Fatalf("wrong secret error = %v", authErr)
	}
}

func TestAuthorizeTokenRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "abc", "a.b", "a.b.c"} {
		if _, authErr := authorizeToken(raw, testSecret, "", time.Now().UTC()); authErr == nil {
			t.Fatalf("token %q accepted", raw)
		}
	}
}

func TestBearerToken(t *testing.T) {
	raw, authErr := bearerToken("Bearer abc.def.ghi")
	if authErr != nil || raw != "abc.def.ghi" {
		t.Fatalf("bearerToken = %q, %v", raw, authErr)
	}
	if _, authErr := bearerToken("Basic abc"); authErr == nil {
		t.Fatalf("non-bearer header accepted")
	}
}
