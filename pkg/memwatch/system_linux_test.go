package memwatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreeMemoryRatio(t *testing.T) {
	ratio, err := freeMemoryRatio()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ratio, 0.0)
	assert.LessOrEqual(t, ratio, 1.0)
}

func TestNewSystem(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.NotNil(t, NewSystem(ctx, time.Hour, 0.05))
}
