package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emdispatch/internal/model"
)

func TestDevTokens(t *testing.T) {
	v := NewVerifier(Config{})
	p, err := v.Verify("u1:Ambulance:amb-7")
	require.NoError(t, err)
	assert.Equal(t, Principal{UserID: "u1", Role: model.RoleAmbulance, ResponderID: "amb-7"}, p)

	p, err = v.Verify("ops:admin")
	require.NoError(t, err)
	assert.True(t, p.IsAdmin())

	_, err = v.Verify("nobody")
	assert.True(t, errors.Is(err, ErrUnauthenticated))
}

func TestHMACRoundTrip(t *testing.T) {
	v := NewVerifier(Config{Mode: "hmac", HMACSecret: "s3cret", Issuer: "emdispatch"})
	tok, err := v.Issue(Principal{UserID: "u2", Role: model.RolePolice, ResponderID: "pol-1"}, time.Minute)
	require.NoError(t, err)

	p, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, model.RolePolice, p.Role)
	assert.Equal(t, "pol-1", p.ResponderID)
	assert.Equal(t, "u2", p.UserID)
}

func TestHMACRejects(t *testing.T) {
	v := NewVerifier(Config{Mode: "hmac", HMACSecret: "s3cret"})

	other := NewVerifier(Config{Mode: "hmac", HMACSecret: "different"})
	tok, _ := other.Issue(Principal{UserID: "u", Role: model.RoleAdmin}, time.Minute)
	_, err := v.Verify(tok)
	assert.True(t, errors.Is(err, ErrUnauthenticated))

	expired, _ := v.Issue(Principal{UserID: "u", Role: model.RoleAdmin}, -time.Minute)
	_, err = v.Verify(expired)
	assert.Error(t, err)

	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u", "role": "admin"}).SignedString([]byte("s3cret"))
	_, err = v.Verify(noExp)
	assert.Error(t, err)

	noRole, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u", "exp": time.Now().Add(time.Minute).Unix()}).SignedString([]byte("s3cret"))
	_, err = v.Verify(noRole)
	assert.Error(t, err)
}
