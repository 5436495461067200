package cacheerrors

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheError(t *testing.T) {
	t.Run("store error wraps cause", func(t *testing.T) {
		cause := os.ErrPermission
		err := NewStoreError("set", "abc123", cause)

		assert.True(t, errors.Is(err, os.ErrPermission))
		assert.Contains(t, err.Error(), "store_error")
		assert.Contains(t, err.Error(), "set")
		assert.True(t, IsRetryable(err))
	})

	t.Run("config error is not retryable", func(t *testing.T) {
		err := NewConfigError("ttl", "must be positive")
		assert.False(t, IsRetryable(err))
		assert.True(t, IsConfig(err))
		assert.Contains(t, err.Error(), "ttl: must be positive")
	})

	t.Run("classification through wrapping", func(t *testing.T) {
		inner := NewStoreError("sweep", "", errors.New("disk full"))
		wrapped := fmt.Errorf("maintenance: %w", inner)

		assert.True(t, IsRetryable(wrapped))
		assert.False(t, IsConfig(wrapped))

		var ce *CacheError
		require.True(t, errors.As(wrapped, &ce))
		assert.Equal(t, TypeStore, ce.Type)
	})

	t.Run("plain errors classify as neither", func(t *testing.T) {
		err := errors.New("something else")
		assert.False(t, IsRetryable(err))
		assert.False(t, IsConfig(err))
	})
}
