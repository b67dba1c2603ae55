package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}
	for _, s := range []Status{StatusPending, StatusUploading, StatusValidating, StatusExtracting, StatusProcessing, StatusRendering} {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestCanTransition(t *testing.T) {
	t.Run("forward edges", func(t *testing.T) {
		assert.True(t, CanTransition(StatusPending, StatusValidating))
		assert.True(t, CanTransition(StatusPending, StatusUploading))
		assert.True(t, CanTransition(StatusPending, StatusExtracting))
		assert.True(t, CanTransition(StatusValidating, StatusProcessing))
		assert.True(t, CanTransition(StatusProcessing, StatusRendering))
		assert.True(t, CanTransition(StatusProcessing, StatusCompleted))
		assert.True(t, CanTransition(StatusRendering, StatusCompleted))
	})

	t.Run("failed and cancelled reachable from any non-terminal state", func(t *testing.T) {
		for _, s := range []Status{StatusPending, StatusUploading, StatusValidating, StatusExtracting, StatusProcessing, StatusRendering} {
			assert.True(t, CanTransition(s, StatusFailed))
			assert.True(t, CanTransition(s, StatusCancelled))
		}
	})

	t.Run("no backward or skipping edges", func(t *testing.T) {
		assert.False(t, CanTransition(StatusProcessing, StatusPending))
		assert.False(t, CanTransition(StatusRendering, StatusProcessing))
		assert.False(t, CanTransition(StatusPending, StatusCompleted))
		assert.False(t, CanTransition(StatusPending, StatusProcessing))
	})

	t.Run("terminal states have no outgoing edges", func(t *testing.T) {
		for _, from := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
			for _, to := range []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled} {
				assert.False(t, CanTransition(from, to), "%s -> %s must be rejected", from, to)
			}
		}
	})
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("processing")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, s)

	_, err = ParseStatus("finished")
	assert.Error(t, err)
	_, err = ParseStatus("")
	assert.Error(t, err)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("video_reconstruction")
	require.NoError(t, err)
	assert.Equal(t, KindVideoReconstruction, k)

	_, err = ParseKind("audio_reconstruction")
	assert.Error(t, err)
}
