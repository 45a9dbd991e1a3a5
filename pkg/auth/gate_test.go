package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-at-least-32-chars-long!!"

func newTestGate(t *testing.T) (*Gate, *Signer) {
	t.Helper()
	gate, err := NewGate(GateConfig{Secret: testSecret, Issuer: "examsentry"})
	require.NoError(t, err)
	return gate, NewSigner(testSecret, "examsentry", time.Minute)
}

func TestVerifyRoundTrip(t *testing.T) {
	gate, signer := newTestGate(t)

	token, err := signer.Sign("obs-7", RoleObserver, []Permission{PermMonitor, PermTerminate})
	require.NoError(t, err)

	id, err := gate.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "obs-7", id.Subject)
	assert.Equal(t, RoleObserver, id.Role)
	assert.True(t, id.Has(PermMonitor))
	assert.True(t, id.Has(PermTerminate))
	assert.False(t, id.Has(PermBulk))
}

func TestVerifyRefusals(t *testing.T) {
	gate, _ := newTestGate(t)

	_, err := gate.Verify("")
	assert.ErrorIs(t, err, ErrMissingToken)
	assert.Equal(t, "missing-token", Reason(err))

	_, err = gate.Verify("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, "invalid-token", Reason(err))

	expired := NewSigner(testSecret, "examsentry", -time.Minute)
	token, err := expired.Sign("student-1", RoleStudent, nil)
	require.NoError(t, err)
	_, err = gate.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
	assert.Equal(t, "expired-token", Reason(err))

	// wrong signing key
	other := NewSigner("completely-different-secret-value!!!", "examsentry", time.Minute)
	token, err = other.Sign("student-1", RoleStudent, nil)
	require.NoError(t, err)
	_, err = gate.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// wrong issuer
	badIssuer := NewSigner(testSecret, "someone-else", time.Minute)
	token, err = badIssuer.Sign("student-1", RoleStudent, nil)
	require.NoError(t, err)
	_, err = gate.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyUnknownRole(t *testing.T) {
	gate, _ := newTestGate(t)
	signer := NewSigner(testSecret, "examsentry", time.Minute)
	token, err := signer.Sign("x", Role("admin"), nil)
	require.NoError(t, err)
	_, err = gate.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestStudentsHoldNoPermissions(t *testing.T) {
	gate, signer := newTestGate(t)
	// even if the token smuggles permissions in, students get none
	token, err := signer.Sign("student-1", RoleStudent, []Permission{PermTerminate})
	require.NoError(t, err)

	id, err := gate.Verify(token)
	require.NoError(t, err)
	assert.False(t, id.Has(PermTerminate))
}

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	assert.Equal(t, "abc123", FromRequest(r))

	r = httptest.NewRequest("GET", "/ws?token=query456", nil)
	assert.Equal(t, "query456", FromRequest(r))

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Basic abc123")
	assert.Equal(t, "", FromRequest(r))
}

func TestGateRequiresKeyMaterial(t *testing.T) {
	_, err := NewGate(GateConfig{})
	if err == nil {
		t.Fatal("gate without secret or public key must fail")
	}
	if errors.Is(err, ErrInvalidToken) {
		t.Fatal("setup failure must not reuse token errors")
	}
}
