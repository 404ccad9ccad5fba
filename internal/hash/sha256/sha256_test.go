package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlkit/internal/storage"
)

var _ storage.Hasher = New()

func TestHashNamesBatchesByContent(t *testing.T) {
	t.Parallel()

	h := New()
	batch := []byte("{\"id\":\"https://example.com/a\"}\n")

	first, err := h.Hash(batch)
	require.NoError(t, err)
	require.Len(t, first, 64)

	again, err := h.Hash(append([]byte(nil), batch...))
	require.NoError(t, err)
	require.Equal(t, first, again)

	other, err := h.Hash([]byte("{\"id\":\"https://example.com/b\"}\n"))
	require.NoError(t, err)
	require.NotEqual(t, first, other)
}

func TestHashOfEmptyBatch(t *testing.T) {
	t.Parallel()

	got, err := New().Hash(nil)
	require.NoError(t, err)
	require.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", got)
}
