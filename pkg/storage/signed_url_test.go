package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignedURLSignerSignAndVerify(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Hour)
	token, expiresAt, err := signer.Sign("resources/c1/notes.pdf")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.False(t, expiresAt.IsZero())

	path, parsedExpiry, err := signer.Verify(token, false)
	require.NoError(t, err)
	require.Equal(t, "resources/c1/notes.pdf", path)
	require.WithinDuration(t, expiresAt, parsedExpiry, time.Second)

	other := NewSignedURLSigner("other", time.Hour)
	_, _, err = other.Verify(token, false)
	require.Error(t, err)
}

func TestSignedURLSignerExpired(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Millisecond*10)
	token, _, err := signer.Sign("resources/c1/notes.pdf")
	require.NoError(t, err)
	time.Sleep(time.Millisecond * 1100)

	_, _, err = signer.Verify(token, false)
	require.Error(t, err)

	path, _, err := signer.Verify(token, true)
	require.NoError(t, err)
	require.Equal(t, "resources/c1/notes.pdf", path)
}
