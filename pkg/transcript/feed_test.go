package transcript

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAssignsSequence(t *testing.T) {
	feed := NewFeed(10)

	a := feed.Append(RoleUser, "fix the login bug", "t1")
	b := feed.Append(RoleAssistant, "on it", "t1")

	assert.Equal(t, int64(1), a.Seq)
	assert.Equal(t, int64(2), b.Seq)
	assert.Equal(t, RoleUser, a.Role)
}

func TestRingDropsOldest(t *testing.T) {
	feed := NewFeed(3)
	for i := 0; i < 5; i++ {
		feed.Append(RoleUser, "msg", "")
	}

	entries := feed.Recent(10)
	require.Len(t, entries, 3)
	assert.Equal(t, int64(3), entries[0].Seq)
	assert.Equal(t, int64(5), entries[2].Seq)
}

func TestSinceFiltersByCursor(t *testing.T) {
	feed := NewFeed(10)
	for i := 0; i < 4; i++ {
		feed.Append(RoleAssistant, "msg", "")
	}

	entries := feed.Since(2)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(3), entries[0].Seq)
	assert.Equal(t, int64(4), entries[1].Seq)
}

func TestListenerObservesAppends(t *testing.T) {
	feed := NewFeed(10)
	var seen []int64
	feed.SetListener(func(e *Entry) { seen = append(seen, e.Seq) })

	feed.Append(RoleUser, "a", "")
	feed.Append(RoleUser, "b", "")
	assert.Equal(t, []int64{1, 2}, seen)
}
