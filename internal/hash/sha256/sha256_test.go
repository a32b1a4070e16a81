package sha256

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashIsDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	payload := []byte(`<alert xmlns="urn:oasis:names:tc:emergency:cap:1.2"/>`)

	first, err := h.Hash(payload)
	require.NoError(t, err)
	assert.Len(t, first, 64)

	second, err := h.Hash(payload)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestHashDistinguishesPayloads(t *testing.T) {
	t.Parallel()

	h := New()
	a, err := h.Hash([]byte("alert body a"))
	require.NoError(t, err)
	b, err := h.Hash([]byte("alert body b"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
