package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestVerifier() *Verifier {
	return NewVerifier(testSecret, "auctiond", "auction-clients")
}

func TestVerifyAcceptsValidToken(t *testing.T) {
	v := newTestVerifier()
	userID := uuid.New()

	token, err := v.Issue(userID, "", time.Minute)
	require.NoError(t, err)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	require.Equal(t, userID, claims.UserID)
	require.False(t, claims.IsAdmin())
}

func TestVerifyAdminRole(t *testing.T) {
	v := newTestVerifier()

	token, err := v.Issue(uuid.New(), RoleAdmin, time.Minute)
	require.NoError(t, err)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	require.True(t, claims.IsAdmin())
}

func TestVerifyRejectsForeignAlgorithms(t *testing.T) {
	v := newTestVerifier()
	claims := jwt.RegisteredClaims{
		Subject:   uuid.NewString(),
		Issuer:    "auctiond",
		Audience:  jwt.ClaimStrings{"auction-clients"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.Verify(none)
	require.ErrorIs(t, err, ErrUnauthorized)

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(testSecret)
	require.NoError(t, err)
	_, err = v.Verify(hs512)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	other := NewVerifier([]byte("ffffffffffffffffffffffffffffffff"), "auctiond", "auction-clients")
	token, err := other.Issue(uuid.New(), "", time.Minute)
	require.NoError(t, err)

	_, err = newTestVerifier().Verify(token)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyRejectsIssuerAndAudienceMismatch(t *testing.T) {
	v := newTestVerifier()

	wrongIssuer := NewVerifier(testSecret, "someone-else", "auction-clients")
	token, err := wrongIssuer.Issue(uuid.New(), "", time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(token)
	require.ErrorIs(t, err, ErrUnauthorized)

	wrongAudience := NewVerifier(testSecret, "auctiond", "other-app")
	token, err = wrongAudience.Issue(uuid.New(), "", time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(token)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v := newTestVerifier()
	token, err := v.Issue(uuid.New(), "", -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	v := newTestVerifier()
	for _, raw := range []string{"", "   ", "not-a-token", "a.b.c"} {
		_, err := v.Verify(raw)
		require.ErrorIs(t, err, ErrUnauthorized)
	}
}

func TestVerifyRejectsNonUUIDSubject(t *testing.T) {
	v := newTestVerifier()
	claims := jwt.RegisteredClaims{
		Subject:   "user-42",
		Issuer:    "auctiond",
		Audience:  jwt.ClaimStrings{"auction-clients"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)

	_, err = v.Verify(token)
	require.ErrorIs(t, err, ErrUnauthorized)
}
