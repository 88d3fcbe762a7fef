package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubPublishSubscribe(t *testing.T) {
	h := NewHub(4)
	ch, cancel := h.Subscribe()

	h.Publish(StageStarted, StagePayload{RunID: "r", Stage: "shard_events", Index: 0})

	ev := <-ch
	assert.Equal(t, int64(1), ev.ID)
	assert.Equal(t, StageStarted, ev.Type)
	assert.False(t, ev.Terminal())

	var p StagePayload
	require.NoError(t, ev.Decode(&p))
	assert.Equal(t, "shard_events", p.Stage)

	cancel()
	_, open := <-ch
	assert.False(t, open, "cancel closes the channel")
	cancel()

	// Publishing with no subscribers does not block.
	h.Publish(RunCompleted, nil)
}

func TestHubSnapshotRing(t *testing.T) {
	h := NewHub(2)
	h.Publish(RunStarted, RunPayload{RunID: "r"})
	h.Publish(StageStarted, nil)
	h.Publish(RunFailed, RunPayload{RunID: "r", Error: "boom"})

	snap := h.SnapshotSince(0)
	require.Len(t, snap, 2, "oldest event is overwritten")
	assert.Equal(t, StageStarted, snap[0].Type)
	assert.Equal(t, "{}", string(snap[0].Data))
	assert.True(t, snap[1].Terminal())

	snap = h.SnapshotSince(2)
	require.Len(t, snap, 1)
	assert.Equal(t, int64(3), snap[0].ID)
}
