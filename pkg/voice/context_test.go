package voice

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSContextLookupScoresByOverlap(t *testing.T) {
	root := t.TempDir()
	jwtDir := filepath.Join(root, "jwt-refresh-fix")
	require.NoError(t, os.MkdirAll(jwtDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(jwtDir, "handoff.md"),
		[]byte("# JWT refresh fix\ntokens expire after idle"), 0o644))

	otherDir := filepath.Join(root, "dark-mode")
	require.NoError(t, os.MkdirAll(otherDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(otherDir, "handoff.md"),
		[]byte("# Dark mode\ncss variables"), 0o644))

	lookup := NewFSContextLookup(root)
	results, err := lookup.Lookup(context.Background(), "jwt refresh tokens", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	assert.Contains(t, results[0].Path, "jwt-refresh-fix")
	assert.Equal(t, "JWT refresh fix", results[0].Summary)
	assert.Greater(t, results[0].Score, 0.5)
}

func TestFSContextLookupReturnsPointersOnly(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "topic")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "working.md"),
		[]byte("# secret plans\nlots of detail here"), 0o644))

	lookup := NewFSContextLookup(root)
	results, err := lookup.Lookup(context.Background(), "secret plans", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)

	// A summary line, never the body.
	assert.NotContains(t, results[0].Summary, "lots of detail")
}

func TestFSContextLookupEmptyQuery(t *testing.T) {
	lookup := NewFSContextLookup(t.TempDir())
	results, err := lookup.Lookup(context.Background(), "  ", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestFSContextLookupHonorsLimit(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a", "b", "c"} {
		dir := filepath.Join(root, "widget-"+name)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "working.md"),
			[]byte("widget work"), 0o644))
	}

	lookup := NewFSContextLookup(root)
	results, err := lookup.Lookup(context.Background(), "widget", 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}
