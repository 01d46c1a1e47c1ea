package auth

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func newTestManager(t *testing.T) *JWTManager {
	t.Helper()
	m, err := NewJWTManagerGenerated("onsembl-test")
	if err != nil {
		t.Fatalf("NewJWTManagerGenerated: %v", err)
	}
	return m
}

// TestGenerateValidateRoundTrip verifies that a freshly minted token
// validates and carries the principal and kind claims.
func TestGenerateValidateRoundTrip(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	agentID := uuid.NewString()

	token, err := m.GenerateAccessToken(agentID, KindAgent)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	claims, err := m.ValidateAccessToken(token, KindAgent)
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if claims.Principal != agentID {
		t.Errorf("principal %q, want %q", claims.Principal, agentID)
	}
	if claims.Kind != KindAgent {
		t.Errorf("kind %q, want %q", claims.Kind, KindAgent)
	}
	if claims.ID == "" {
		t.Error("expected a JTI on the token")
	}
}

// TestValidateRejectsWrongAudience verifies a dashboard token is refused on
// the agent endpoint and vice versa.
func TestValidateRejectsWrongAudience(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)

	dashToken, err := m.GenerateAccessToken(uuid.NewString(), KindDashboard)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	if _, err := m.ValidateAccessToken(dashToken, KindAgent); !errors.Is(err, ErrWrongAudience) {
		t.Errorf("got %v, want ErrWrongAudience", err)
	}
	if _, err := m.ValidateAccessToken(dashToken, KindDashboard); err != nil {
		t.Errorf("same-audience validation failed: %v", err)
	}
}

// TestValidateRejectsTamperedToken verifies signature enforcement.
func TestValidateRejectsTamperedToken(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)

	token, err := m.GenerateAccessToken(uuid.NewString(), KindAgent)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	// Flip a character in the signature segment.
	parts := strings.Split(token, ".")
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	parts[2] = string(sig)
	tampered := strings.Join(parts, ".")

	if _, err := m.ValidateAccessToken(tampered, KindAgent); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("got %v, want ErrTokenInvalid", err)
	}
}

// TestValidateRejectsForeignIssuer verifies tokens signed by a different key
// pair are refused even with matching claims.
func TestValidateRejectsForeignIssuer(t *testing.T) {
	t.Parallel()

	m1 := newTestManager(t)
	m2 := newTestManager(t)

	token, err := m1.GenerateAccessToken(uuid.NewString(), KindAgent)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	if _, err := m2.ValidateAccessToken(token, KindAgent); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("got %v, want ErrTokenInvalid", err)
	}
}
