package testutil

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedis(t *testing.T) {
	server, client := NewRedis(t)
	require.NoError(t, client.Set(t.Context(), "k", "v", 0).Err())
	got, err := server.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestClosedPort(t *testing.T) {
	port := ClosedPort(t)
	assert.Positive(t, port)
	_, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestGenerateSecret(t *testing.T) {
	a, b := GenerateSecret(t), GenerateSecret(t)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}
