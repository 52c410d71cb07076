package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSigningSecret = "secret"
	testSessionIssuer        = "manuscript-test"
	testSessionCookieName    = "app_session"
	testSessionUserID        = "user-123"
	testSessionDisplayName   = "Ada Lovelace"
)

func newTestValidator(t *testing.T, clockNow time.Time) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        testSessionIssuer,
		CookieName:    testSessionCookieName,
		Clock: func() time.Time {
			return clockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func signTestClaims(t *testing.T, claims SessionClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSessionSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestSessionValidatorValidateToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	signed := signTestClaims(t, SessionClaims{
		UserID:          testSessionUserID,
		UserDisplayName: testSessionDisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testSessionIssuer,
			Subject:   testSessionUserID,
			IssuedAt:  jwt.NewNumericDate(clockNow.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(clockNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
		},
	})

	claims, err := validator.ValidateToken(signed)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.UserID != testSessionUserID {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}
	if claims.UserDisplayName != testSessionDisplayName {
		t.Fatalf("unexpected display name: %s", claims.UserDisplayName)
	}
}

func TestSessionValidatorValidateTokenExpired(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	signed := signTestClaims(t, SessionClaims{
		UserID: testSessionUserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testSessionIssuer,
			Subject:   testSessionUserID,
			IssuedAt:  jwt.NewNumericDate(clockNow.Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(-time.Hour)),
		},
	})

	if _, err := validator.ValidateToken(signed); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestSessionValidatorRejectsForeignTokens(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	wrongIssuer := signTestClaims(t, SessionClaims{
		UserID: testSessionUserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			Subject:   testSessionUserID,
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
		},
	})
	if _, err := validator.ValidateToken(wrongIssuer); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token for foreign issuer, got %v", err)
	}

	missingUser := signTestClaims(t, SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testSessionIssuer,
			Subject:   testSessionUserID,
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
		},
	})
	if _, err := validator.ValidateToken(missingUser); !errors.Is(err, ErrMissingSessionSubject) {
		t.Fatalf("expected missing subject error, got %v", err)
	}

	if _, err := validator.ValidateToken("not-a-jwt"); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token for garbage, got %v", err)
	}
	if _, err := validator.ValidateToken("  "); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestSessionValidatorValidateRequest(t *testing.T) {
	validator := newTestValidator(t, time.Now())

	signed := signTestClaims(t, SessionClaims{
		UserID: testSessionUserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testSessionIssuer,
			Subject:   testSessionUserID,
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	bearer := httptest.NewRequest(http.MethodGet, "/documents/doc-1/members", http.NoBody)
	bearer.Header.Set("Authorization", "Bearer "+signed)
	claims, err := validator.ValidateRequest(bearer)
	if err != nil {
		t.Fatalf("bearer validation failed: %v", err)
	}
	if claims.UserID != testSessionUserID {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}

	cookie := httptest.NewRequest(http.MethodGet, "/documents/doc-1/members", http.NoBody)
	cookie.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: signed})
	if _, err := validator.ValidateRequest(cookie); err != nil {
		t.Fatalf("cookie validation failed: %v", err)
	}

	basic := httptest.NewRequest(http.MethodGet, "/documents/doc-1/members", http.NoBody)
	basic.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if _, err := validator.ValidateRequest(basic); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected non-bearer header to be rejected, got %v", err)
	}

	anonymous := httptest.NewRequest(http.MethodGet, "/documents/doc-1/members", http.NoBody)
	if _, err := validator.ValidateRequest(anonymous); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}
