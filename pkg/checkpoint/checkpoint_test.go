package checkpoint_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/7MMA7/VulnDetectGA/pkg/checkpoint"
	"github.com/7MMA7/VulnDetectGA/pkg/dataset"
	"github.com/7MMA7/VulnDetectGA/pkg/scan"
)

func TestState_Record(t *testing.T) {
	t.Parallel()

	var st checkpoint.State

	assert.False(t, st.Done("analysis-1-vuln"))

	st.Record("analysis-1-vuln", &dataset.Result{Idx: 1, Target: 1, Branch: "analysis-1-vuln"})
	st.Record("analysis-1-fixed", nil)
	st.Record("analysis-1-vuln", nil)

	assert.True(t, st.Done("analysis-1-vuln"))
	assert.True(t, st.Done("analysis-1-fixed"))
	assert.Equal(t, []string{"analysis-1-vuln", "analysis-1-fixed"}, st.Completed)
	assert.Len(t, st.Results, 1)
}

func TestInputHash(t *testing.T) {
	t.Parallel()

	a, err := checkpoint.InputHash(strings.NewReader("records"), "0/1")
	require.NoError(t, err)
	assert.Len(t, a, 16)

	b, err := checkpoint.InputHash(strings.NewReader("records"), "1/2")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	c, err := checkpoint.InputHash(strings.NewReader("records"), "0/1")
	require.NoError(t, err)
	assert.Equal(t, a, c)
}

func TestStart(t *testing.T) {
	t.Parallel()

	meta := checkpoint.Start("in.jsonl", "h", "0/1")
	assert.Equal(t, checkpoint.MetadataVersion, meta.Version)

	_, err := uuid.Parse(meta.RunID)
	require.NoError(t, err)
	assert.NotEqual(t, meta.RunID, checkpoint.Start("in.jsonl", "h", "0/1").RunID)
}

func TestManager_SaveLoad(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	m := checkpoint.NewManager(base, "abc123")
	assert.Equal(t, filepath.Join(base, "abc123"), m.Dir())
	assert.False(t, m.Exists())

	_, _, err := m.Load()
	require.ErrorIs(t, err, checkpoint.ErrNoCheckpoint)

	line := 4
	state := &checkpoint.State{}
	state.Record("analysis-5-vuln", &dataset.Result{
		Idx: 5, Target: 1, Branch: "analysis-5-vuln",
		Issues: []scan.Issue{{Rule: "c:S1", Line: &line}},
	})

	meta := checkpoint.Start("in.jsonl", "abc123", "0/1")
	require.NoError(t, m.Save(meta, state))
	assert.True(t, m.Exists())

	gotMeta, gotState, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, meta.RunID, gotMeta.RunID)
	assert.NotEmpty(t, gotMeta.UpdatedAt)
	assert.Equal(t, state.Completed, gotState.Completed)
	require.Len(t, gotState.Results, 1)
	assert.Equal(t, 4, *gotState.Results[0].Issues[0].Line)

	require.NoError(t, m.Validate("abc123", "0/1"))
	require.ErrorIs(t, m.Validate("other", "0/1"), checkpoint.ErrInputMismatch)
	require.ErrorIs(t, m.Validate("abc123", "1/2"), checkpoint.ErrShardMismatch)

	require.NoError(t, m.Clear())
	assert.False(t, m.Exists())
	assert.NoDirExists(t, m.Dir())
}

func TestManager_VersionMismatch(t *testing.T) {
	t.Parallel()

	m := checkpoint.NewManager(t.TempDir(), "k")
	require.NoError(t, m.Save(checkpoint.Start("in", "k", ""), &checkpoint.State{}))

	path := filepath.Join(m.Dir(), "checkpoint.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(string(data), `"version": 1`, `"version": 99`, 1)), 0o600))

	_, _, err = m.Load()
	require.ErrorIs(t, err, checkpoint.ErrVersionMismatch)
}

func TestDefaultDir(t *testing.T) {
	t.Parallel()

	assert.True(t, strings.HasSuffix(checkpoint.DefaultDir(), filepath.Join(".vulndetect", "checkpoints")))
}
