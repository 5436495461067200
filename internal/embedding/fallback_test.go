package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFallback_Embed(t *testing.T) {
	ctx := context.Background()

	t.Run("deterministic", func(t *testing.T) {
		f := NewFallback(384)
		v1, err := f.Embed(ctx, "hello world")
		require.NoError(t, err)
		v2, err := f.Embed(ctx, "hello world")
		require.NoError(t, err)
		assert.Equal(t, v1, v2)
	})

	t.Run("dimension and range", func(t *testing.T) {
		f := NewFallback(384)
		vec, err := f.Embed(ctx, "some text")
		require.NoError(t, err)
		require.Len(t, vec, 384)
		for _, x := range vec {
			assert.GreaterOrEqual(t, x, 0.0)
			assert.LessOrEqual(t, x, 1.0)
		}
	})

	t.Run("digest tiles across the vector", func(t *testing.T) {
		f := NewFallback(384)
		vec, err := f.Embed(ctx, "tiling")
		require.NoError(t, err)
		// 384 = 12 copies of the 32-byte digest.
		for i := 32; i < len(vec); i++ {
			assert.Equal(t, vec[i-32], vec[i])
		}
	})

	t.Run("different texts differ", func(t *testing.T) {
		f := NewFallback(64)
		v1, _ := f.Embed(ctx, "alpha")
		v2, _ := f.Embed(ctx, "beta")
		assert.NotEqual(t, v1, v2)
	})

	t.Run("truncates below digest size", func(t *testing.T) {
		f := NewFallback(16)
		vec, err := f.Embed(ctx, "short")
		require.NoError(t, err)
		assert.Len(t, vec, 16)
	})

	t.Run("batch matches single", func(t *testing.T) {
		f := NewFallback(48)
		batch, err := f.EmbedBatch(ctx, []string{"one", "two"})
		require.NoError(t, err)
		require.Len(t, batch, 2)

		single, _ := f.Embed(ctx, "one")
		assert.Equal(t, single, batch[0])
	})

	t.Run("defaults dimension when non-positive", func(t *testing.T) {
		f := NewFallback(0)
		assert.Equal(t, 384, f.Dimension())
	})
}
