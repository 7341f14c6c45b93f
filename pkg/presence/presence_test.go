package presence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStaticTrackerReportsConfiguredFleet(t *testing.T) {
	tr, err := New("", "w1", 3, zap.NewNop())
	require.NoError(t, err)
	defer tr.Close()

	assert.Equal(t, 3, tr.IdleWorkers(context.Background()))
	// busy flags are a no-op without Redis
	tr.SetBusy(context.Background(), true)
	assert.Equal(t, 3, tr.IdleWorkers(context.Background()))
}
