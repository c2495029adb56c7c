package qrtoken

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignerRoundTrip(t *testing.T) {
	signer := NewSigner("test-secret")
	expiry := time.Now().Add(time.Hour).Truncate(time.Second)

	token, err := signer.Generate("pass-1", expiry)
	require.NoError(t, err)

	passID, expiresAt, err := signer.Parse(token, false)
	require.NoError(t, err)
	require.Equal(t, "pass-1", passID)
	require.Equal(t, expiry.Unix(), expiresAt.Unix())
}

func TestSignerRejectsTamperedToken(t *testing.T) {
	signer := NewSigner("test-secret")
	token, err := signer.Generate("pass-1", time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, _, err = signer.Parse("pass-2"+token[6:], false)
	require.Error(t, err)
}

func TestSignerRejectsWrongSecret(t *testing.T) {
	token, err := NewSigner("secret-a").Generate("pass-1", time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, _, err = NewSigner("secret-b").Parse(token, false)
	require.Error(t, err)
}

func TestSignerExpiredToken(t *testing.T) {
	signer := NewSigner("test-secret")
	token, err := signer.Generate("pass-1", time.Now().Add(-time.Minute))
	require.NoError(t, err)

	_, _, err = signer.Parse(token, false)
	require.ErrorIs(t, err, ErrExpired)

	passID, _, err := signer.Parse(token, true)
	require.NoError(t, err)
	require.Equal(t, "pass-1", passID)
}

func TestSignerRequiresPassID(t *testing.T) {
	signer := NewSigner("test-secret")
	_, err := signer.Generate("", time.Now().Add(time.Hour))
	require.Error(t, err)
}
