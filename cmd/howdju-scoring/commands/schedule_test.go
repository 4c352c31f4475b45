package commands

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReadinessContext(t *testing.T) {
	t.Run("zero means no deadline", func(t *testing.T) {
		ctx, cancel := readinessContext(context.Background(), 0)
		defer cancel()

		_, ok := ctx.Deadline()
		assert.False(t, ok)
		assert.NoError(t, ctx.Err())
	})

	t.Run("positive sets deadline", func(t *testing.T) {
		ctx, cancel := readinessContext(context.Background(), time.Minute)
		defer cancel()

		deadline, ok := ctx.Deadline()
		assert.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)
	})

	t.Run("cancel releases", func(t *testing.T) {
		ctx, cancel := readinessContext(context.Background(), 0)
		cancel()
		assert.ErrorIs(t, ctx.Err(), context.Canceled)
	})
}
