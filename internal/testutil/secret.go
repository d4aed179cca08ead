package testutil

import (
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

// GenerateSecret returns a random 64 character hex secret, long enough for
// step-up grant signing.
func GenerateSecret(t testing.TB) string {
	t.Helper()
	buf := make([]byte, 32)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return hex.EncodeToString(buf)
}
