package compiledb_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/7MMA7/VulnDetectGA/pkg/compiledb"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()

	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func TestSingleFile_OneEntryInMiniRoot(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/parse.c":   "int parse(char *s) { return 0; }\n",
		"src/parse.h":   "int parse(char *s);\n",
		"lib/other.c":   "int other(void) { return 1; }\n",
		"include/api.h": "#pragma once\n",
	})

	unit, err := compiledb.NewSynthesizer().SingleFile(root, "src/parse.c")
	require.NoError(t, err)

	mini := filepath.Join(root, compiledb.MiniRootName)
	assert.Equal(t, mini, unit.Root)
	assert.Equal(t, filepath.Join(mini, compiledb.FileName), unit.DescriptorPath)

	require.Len(t, unit.Descriptor, 1)
	entry := unit.Descriptor[0]
	assert.Equal(t, mini, entry.Directory)
	assert.Equal(t, "/usr/bin/gcc -c parse.c", entry.Command)
	assert.Equal(t, filepath.Join(mini, "parse.c"), entry.File)
	assert.True(t, filepath.IsAbs(entry.File))

	copied, err := os.ReadFile(entry.File)
	require.NoError(t, err)
	assert.Equal(t, "int parse(char *s) { return 0; }\n", string(copied))

	entries, err := os.ReadDir(mini)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "mini root holds only the source and the descriptor")

	onDisk, err := compiledb.Read(unit.DescriptorPath)
	require.NoError(t, err)
	assert.Equal(t, unit.Descriptor, onDisk)
}

func TestSingleFile_ResetsPreviousMiniRoot(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a.c":                    "int a(void) { return 0; }\n",
		"analysis_src/stale.txt": "left over",
	})

	_, err := compiledb.NewSynthesizer().SingleFile(root, "a.c")
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(root, compiledb.MiniRootName, "stale.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestSingleFile_CPlusPlusUsesCXXCompiler(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/widget.cpp": "namespace w { int f() { return 0; } }\n",
	})

	unit, err := compiledb.NewSynthesizer(compiledb.WithCompilers("cc", "c++")).SingleFile(root, "src/widget.cpp")
	require.NoError(t, err)
	assert.Equal(t, "c++ -c widget.cpp", unit.Descriptor[0].Command)
}

func TestSingleFile_MissingSource(t *testing.T) {
	t.Parallel()

	_, err := compiledb.NewSynthesizer().SingleFile(t.TempDir(), "src/missing.c")
	assert.ErrorIs(t, err, compiledb.ErrSourceMissing)
}

func TestWholeRepository_IncludesEveryHeaderDirectory(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/parse.c":      "int parse(char *s) { return 0; }\n",
		"src/util.cc":      "int util() { return 0; }\n",
		"include/api.h":    "#pragma once\n",
		"src/internal.h":   "#pragma once\n",
		"docs/README.md":   "docs\n",
		".git/objects/x.c": "ignored\n",
	})

	unit, err := compiledb.NewSynthesizer().WholeRepository(root)
	require.NoError(t, err)

	assert.Equal(t, root, unit.Root)
	require.Len(t, unit.Descriptor, 2)

	assert.Equal(t, compiledb.Entry{
		Directory: root,
		Command:   "/usr/bin/gcc -Iinclude -Isrc -c src/parse.c",
		File:      filepath.Join(root, "src", "parse.c"),
	}, unit.Descriptor[0])
	assert.Equal(t, "/usr/bin/g++ -Iinclude -Isrc -c src/util.cc", unit.Descriptor[1].Command)

	_, statErr := os.Stat(filepath.Join(root, compiledb.FileName))
	assert.NoError(t, statErr)
}

func TestWholeRepository_SkipVendor(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"main.c":              "int main(void) { return 0; }\n",
		"vendor/lib/vendor.c": "int v(void) { return 0; }\n",
	})

	unit, err := compiledb.NewSynthesizer(compiledb.WithSkipVendor(true)).WholeRepository(root)
	require.NoError(t, err)
	require.Len(t, unit.Descriptor, 1)
	assert.Equal(t, "/usr/bin/gcc -c main.c", unit.Descriptor[0].Command)
}

func TestWholeRepository_NoSources(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeTree(t, root, map[string]string{"README": "nothing to compile\n"})

	_, err := compiledb.NewSynthesizer().WholeRepository(root)
	assert.ErrorIs(t, err, compiledb.ErrNoSources)
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	mode, err := compiledb.ParseMode("Repository")
	require.NoError(t, err)
	assert.Equal(t, compiledb.ModeRepository, mode)

	mode, err = compiledb.ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, compiledb.ModeSingleFile, mode)

	_, err = compiledb.ParseMode("bazel")
	assert.ErrorIs(t, err, compiledb.ErrUnknownMode)

	_, err = compiledb.NewSynthesizer().Synthesize(compiledb.Mode("bazel"), t.TempDir(), "a.c")
	assert.ErrorIs(t, err, compiledb.ErrUnknownMode)
}
