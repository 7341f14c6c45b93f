package ticker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEveryRunsImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Every(ctx, time.Hour, func(context.Context) error {
		calls++
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestEveryStopsOnError(t *testing.T) {
	boom := fmt.Errorf("boom")
	err := Every(context.Background(), time.Millisecond, func(context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestEveryTicks(t *testing.T) {
	calls := 0
	err := Every(context.Background(), time.Millisecond, func(context.Context) error {
		calls++
		if calls >= 3 {
			return Stop
		}
		return nil
	})
	assert.ErrorIs(t, err, Stop)
	assert.Equal(t, 3, calls)
}

func TestEveryUntilStopSwallowsStop(t *testing.T) {
	err := EveryUntilStop(context.Background(), time.Millisecond, func(context.Context) error {
		return Stop
	})
	require.NoError(t, err)
}

func TestEveryUntilStopPropagatesOtherErrors(t *testing.T) {
	boom := fmt.Errorf("boom")
	err := EveryUntilStop(context.Background(), time.Millisecond, func(context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}
