package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectoryLifecycle(t *testing.T) {
	d := NewDirectory()

	d.Add("b")
	d.Add("a")
	require.True(t, d.Contains("a"))
	require.True(t, d.Contains("b"))

	d.SetInfo("a", "alice", "pic.png")
	d.SetBusy("b", true)

	snap := d.Snapshot()
	require.Len(t, snap, 2)
	// Sorted by id.
	assert.Equal(t, "a", snap[0].ID)
	assert.Equal(t, "alice", snap[0].Username)
	assert.Equal(t, "pic.png", snap[0].ProfilePic)
	assert.False(t, snap[0].Busy)
	assert.Equal(t, "b", snap[1].ID)
	assert.True(t, snap[1].Busy)

	d.Remove("a")
	assert.False(t, d.Contains("a"))
	assert.Len(t, d.Snapshot(), 1)
}

func TestDirectoryIgnoresUnknownIDs(t *testing.T) {
	d := NewDirectory()

	d.SetInfo("ghost", "casper", "")
	d.SetBusy("ghost", true)
	d.Remove("ghost")

	assert.Empty(t, d.Snapshot())
}

func TestDirectorySnapshotIsACopy(t *testing.T) {
	d := NewDirectory()
	d.Add("a")

	snap := d.Snapshot()
	snap[0].Username = "mutated"

	assert.Empty(t, d.Snapshot()[0].Username)
}
