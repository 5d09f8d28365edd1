package persist_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/7MMA7/VulnDetectGA/pkg/persist"
)

type progress struct {
	Done  map[string]bool `json:"done"`
	Label string          `json:"label"`
	Count int             `json:"count"`
}

func sample() *progress {
	return &progress{Label: "batch", Count: 3, Done: map[string]bool{"analysis-1-vuln": true}}
}

func TestPersister_RoundTrip(t *testing.T) {
	t.Parallel()

	codecs := map[string]persist.Codec{
		".json":     persist.NewJSONCodec(),
		".json.lz4": persist.NewLZ4Codec(persist.NewJSONCodec()),
	}

	for ext, codec := range codecs {
		dir := t.TempDir()
		p := persist.NewPersister[progress]("state", codec)

		require.NoError(t, p.Save(dir, sample()), ext)
		assert.Equal(t, filepath.Join(dir, "state"+ext), p.Path(dir))
		assert.FileExists(t, p.Path(dir))

		got, err := p.Load(dir)
		require.NoError(t, err, ext)
		assert.Equal(t, sample(), got, ext)
	}
}

func TestPersister_OverwriteLeavesNoTemp(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := persist.NewPersister[progress]("state", persist.NewJSONCodec())

	require.NoError(t, p.Save(dir, &progress{Count: 1}))
	require.NoError(t, p.Save(dir, &progress{Count: 2}))

	got, err := p.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Count)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPersister_LoadMissing(t *testing.T) {
	t.Parallel()

	_, err := persist.NewPersister[progress]("missing", persist.NewJSONCodec()).Load(t.TempDir())
	require.ErrorIs(t, err, persist.ErrNotFound)
}

func TestPersister_LoadCorrupt(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"), []byte("{"), 0o600))

	_, err := persist.NewPersister[progress]("state", persist.NewJSONCodec()).Load(dir)
	require.Error(t, err)
	assert.NotErrorIs(t, err, persist.ErrNotFound)
}

func TestSaveState_InvalidDir(t *testing.T) {
	t.Parallel()

	err := persist.SaveState(filepath.Join(t.TempDir(), "nope"), "s", persist.NewJSONCodec(), sample())
	require.Error(t, err)
}
