package promptspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logabell/conversator/pkg/models"
)

func newWorkspace(t *testing.T) *Workspace {
	t.Helper()
	w, err := New(filepath.Join(t.TempDir(), "prompts"))
	require.NoError(t, err)
	return w
}

func testSpec() *models.HandoffSpec {
	return &models.HandoffSpec{
		Version:          models.HandoffVersion,
		Goal:             "fix JWT refresh",
		DefinitionOfDone: []string{"refresh works after 30m idle"},
		Constraints:      []string{"no new dependencies"},
		RepoTargets:      []models.RepoTarget{{Path: "src/auth/mw.ts", Intent: "fix refresh logic"}},
		Gates:            models.GateFlags{Write: true},
	}
}

func TestUpdateWorkingWritesAtomically(t *testing.T) {
	w := newWorkspace(t)

	path, err := w.UpdateWorking("jwt-fix", "# JWT refresh fix\nfails after 15m idle")
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "fails after 15m idle")

	// No temp file left behind.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	// Overwrite replaces content.
	_, err = w.UpdateWorking("jwt-fix", "refined")
	require.NoError(t, err)
	raw, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "refined", string(raw))
}

func TestFreezeProducesBothFiles(t *testing.T) {
	w := newWorkspace(t)
	_, err := w.UpdateWorking("jwt-fix", "# JWT refresh fix")
	require.NoError(t, err)

	result, err := w.Freeze("jwt-fix", "JWT refresh fix", testSpec())
	require.NoError(t, err)
	assert.False(t, result.AlreadyFrozen)

	md, err := os.ReadFile(result.HandoffMDPath)
	require.NoError(t, err)
	assert.Contains(t, string(md), "# JWT refresh fix")
	assert.Contains(t, string(md), "fix JWT refresh")
	assert.Contains(t, string(md), "src/auth/mw.ts")

	spec, err := ReadSpec(result.HandoffJSONPath)
	require.NoError(t, err)
	assert.Equal(t, "fix JWT refresh", spec.Goal)
	assert.True(t, spec.Gates.Write)
	assert.True(t, w.Frozen("jwt-fix"))
}

func TestFreezeIsIdempotent(t *testing.T) {
	w := newWorkspace(t)
	_, err := w.UpdateWorking("jwt-fix", "body")
	require.NoError(t, err)

	first, err := w.Freeze("jwt-fix", "t", testSpec())
	require.NoError(t, err)

	second, err := w.Freeze("jwt-fix", "t", testSpec())
	require.NoError(t, err)
	assert.True(t, second.AlreadyFrozen)
	assert.Equal(t, first.HandoffMDPath, second.HandoffMDPath)
	assert.Equal(t, first.HandoffJSONPath, second.HandoffJSONPath)
}

func TestFreezeRequiresWorkingPrompt(t *testing.T) {
	w := newWorkspace(t)
	_, err := w.Freeze("nothing-here", "t", testSpec())
	assert.ErrorIs(t, err, ErrWorkingMissing)
}

func TestWorkingUpdateRejectedAfterFreeze(t *testing.T) {
	w := newWorkspace(t)
	_, err := w.UpdateWorking("jwt-fix", "body")
	require.NoError(t, err)
	_, err = w.Freeze("jwt-fix", "t", testSpec())
	require.NoError(t, err)

	_, err = w.UpdateWorking("jwt-fix", "too late")
	assert.ErrorIs(t, err, ErrTopicFrozen)
}

func TestValidateSpecRejectsBadContracts(t *testing.T) {
	spec := testSpec()
	spec.Goal = ""
	assert.Error(t, ValidateSpec(spec))

	spec = testSpec()
	spec.DefinitionOfDone = nil
	assert.Error(t, ValidateSpec(spec))

	spec = testSpec()
	spec.Version = 99
	err := ValidateSpec(spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported handoff version")
}

func TestReadSpecRejectsUnknownMajorVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "handoff.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"version": 2, "goal": "g", "definition_of_done": ["d"], "gates": {"write": true, "run": false, "destructive": false}, "context_pointers": {}, "budgets": {}}`),
		0o644))

	_, err := ReadSpec(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported handoff version")
}

func TestArtifactPathNaming(t *testing.T) {
	w := newWorkspace(t)
	path, err := w.ArtifactPath("jwt-fix", "Review Notes!", "md")
	require.NoError(t, err)

	base := filepath.Base(path)
	assert.True(t, strings.HasSuffix(base, "-review-notes.md"), base)
	assert.Contains(t, path, filepath.Join("jwt-fix", "artifacts"))

	// The artifacts directory exists; the file itself is not created.
	_, err = os.Stat(filepath.Dir(path))
	assert.NoError(t, err)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "jwt-refresh-fix", Slugify("JWT Refresh Fix"))
	assert.Equal(t, "a-b-c", Slugify("  a/b\\c "))
	assert.Equal(t, "topic", Slugify("!!!"))
}
