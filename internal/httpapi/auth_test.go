package httpapi

import (
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posledger/backend/internal/domain"
)

func TestAuthManagerRoundTrip(t *testing.T) {
	auth := NewAuthManager(testSecret, time.Hour)
	token, expiresAt, err := auth.Issue(domain.Actor{UserID: "u1", Role: "staff", StoreIDs: []string{"s1", "s2"}})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, time.Minute)

	actor, err := auth.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", actor.UserID)
	assert.Equal(t, "staff", actor.Role)
	assert.True(t, actor.MemberOf("s2"))
	assert.False(t, actor.MemberOf("s3"))
}

func TestAuthManagerRejectsForeignSecret(t *testing.T) {
	other := NewAuthManager("another-secret-key-at-least-32-chars", time.Hour)
	token, _, err := other.Issue(domain.Actor{UserID: "u1"})
	require.NoError(t, err)

	_, err = NewAuthManager(testSecret, time.Hour).ParseToken(token)
	assert.Error(t, err)
}

func TestAuthManagerRejectsExpiredToken(t *testing.T) {
	auth := NewAuthManager(testSecret, time.Minute)
	issued := time.Now().UTC().Add(-time.Hour)
	auth.now = func() time.Time { return issued }
	token, _, err := auth.Issue(domain.Actor{UserID: "u1"})
	require.NoError(t, err)

	auth.now = func() time.Time { return time.Now().UTC() }
	_, err = auth.ParseToken(token)
	assert.Error(t, err)
}

func TestAuthManagerRejectsUnsignedAndMissingSubject(t *testing.T) {
	auth := NewAuthManager(testSecret, time.Hour)

	unsigned, err := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, jwtlib.RegisteredClaims{
		Subject: "u1", Issuer: tokenIssuer,
	}).SignedString(jwtlib.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = auth.ParseToken(unsigned)
	assert.Error(t, err)

	_, err = auth.ParseToken(signRaw(t, jwtlib.RegisteredClaims{Issuer: tokenIssuer}))
	assert.Error(t, err)

	_, err = auth.ParseToken(signRaw(t, jwtlib.RegisteredClaims{Subject: "u1", Issuer: "elsewhere"}))
	assert.Error(t, err)
}

func signRaw(t *testing.T, claims jwtlib.RegisteredClaims) string {
	t.Helper()
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}
