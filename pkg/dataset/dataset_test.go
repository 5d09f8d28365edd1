package dataset_test

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/7MMA7/VulnDetectGA/pkg/dataset"
	"github.com/7MMA7/VulnDetectGA/pkg/scan"
)

const validLine = `{"idx":7,"target":1,"project_url":"https://example.com/r.git",` +
	`"commit_id":"abc1234","file_path":"src/a.c","func":"int f(void) { return 0; }"}`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseRecord(t *testing.T) {
	t.Parallel()

	rec, err := dataset.ParseRecord([]byte(validLine))
	require.NoError(t, err)
	assert.Equal(t, dataset.Record{
		Idx:        7,
		Target:     1,
		ProjectURL: "https://example.com/r.git",
		CommitID:   "abc1234",
		FilePath:   "src/a.c",
		Func:       "int f(void) { return 0; }",
	}, rec)
}

func TestParseRecord_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		line string
	}{
		{"not json", `{"idx":`},
		{"missing func", `{"idx":1,"target":0,"project_url":"u","commit_id":"abcd","file_path":"a.c"}`},
		{"bad target", `{"idx":1,"target":2,"project_url":"u","commit_id":"abcd","file_path":"a.c","func":"f"}`},
		{"absolute path", `{"idx":1,"target":0,"project_url":"u","commit_id":"abcd","file_path":"/a.c","func":"f"}`},
		{"bad commit", `{"idx":1,"target":0,"project_url":"u","commit_id":"HEAD~1","file_path":"a.c","func":"f"}`},
		{"negative idx", `{"idx":-1,"target":0,"project_url":"u","commit_id":"abcd","file_path":"a.c","func":"f"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := dataset.ParseRecord([]byte(tt.line))
			require.ErrorIs(t, err, dataset.ErrInvalidRecord)
		})
	}
}

func TestReader_SkipsMalformedLines(t *testing.T) {
	t.Parallel()

	second := strings.Replace(validLine, `"idx":7`, `"idx":8`, 1)
	input := validLine + "\n\nnot json\n" + `{"idx":3}` + "\n" + second + "\n"

	records, skipped, err := dataset.ReadAll(strings.NewReader(input), quietLogger())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 7, records[0].Idx)
	assert.Equal(t, 8, records[1].Idx)
	assert.Equal(t, 2, skipped)
}

func TestReader_EOF(t *testing.T) {
	t.Parallel()

	r := dataset.NewReader(strings.NewReader(""), nil)

	_, err := r.Next()
	assert.True(t, errors.Is(err, io.EOF))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	input := strings.Join([]string{validLine, "garbage", validLine, ""}, "\n")

	report, err := dataset.Validate(strings.NewReader(input))
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.Equal(t, 1, report.Valid)
	require.Len(t, report.Problems, 1)
	assert.Equal(t, 2, report.Problems[0].Line)
	assert.Equal(t, []int{3}, report.Duplicates)

	report, err = dataset.Validate(strings.NewReader(validLine))
	require.NoError(t, err)
	assert.True(t, report.OK())
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]dataset.Format{
		"":       dataset.FormatJSON,
		"JSON":   dataset.FormatJSON,
		"ndjson": dataset.FormatNDJSON,
		"jsonl":  dataset.FormatNDJSON,
		"yml":    dataset.FormatYAML,
	} {
		got, err := dataset.ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := dataset.ParseFormat("xml")
	require.ErrorIs(t, err, dataset.ErrUnknownFormat)

	assert.Equal(t, dataset.FormatYAML, dataset.FormatFromPath("out/results.yaml"))
	assert.Equal(t, dataset.FormatJSON, dataset.FormatFromPath("final_results"))
}

func sampleResults() []dataset.Result {
	line := 12

	return []dataset.Result{
		{
			Idx: 1, Target: 1, Branch: "analysis-1-vuln", Status: "SUCCESS",
			ScannerLog: "logs/analysis-1-vuln.scanner_output.txt",
			Issues: []scan.Issue{{
				Rule: "c:S3519", Message: "overflow (CWE-787)", Severity: scan.SeverityCritical,
				Line: &line, CWE: "CWE-787",
			}},
		},
		{Idx: 1, Target: 0, Branch: "analysis-1-fixed", Status: "SUCCESS", Issues: []scan.Issue{}},
		{Idx: 2, Target: 1, Branch: "analysis-2-vuln", Error: "patch: function not found", Issues: []scan.Issue{}},
	}
}

func TestWriteResults_JSONShape(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, dataset.WriteResults(&buf, dataset.FormatJSON, sampleResults()[1:2]))

	assert.JSONEq(t, `[{"idx":1,"target":0,"branch":"analysis-1-fixed","status":"SUCCESS","issues":[]}]`, buf.String())

	buf.Reset()
	require.NoError(t, dataset.WriteResults(&buf, dataset.FormatJSON, nil))
	assert.Equal(t, "[]\n", buf.String())
}

func TestWriteResults_IssueLineIsNullable(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, dataset.WriteResults(&buf, dataset.FormatNDJSON, []dataset.Result{{
		Branch: "b", Issues: []scan.Issue{{Rule: "r", Message: "m", Severity: scan.SeverityMajor}},
	}}))

	assert.Contains(t, buf.String(), `"line":null`)
	assert.NotContains(t, buf.String(), "cwe")
}

func TestResultFiles_AllFormats(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	for _, format := range []dataset.Format{dataset.FormatJSON, dataset.FormatNDJSON, dataset.FormatYAML} {
		path := filepath.Join(dir, "results."+string(format))

		require.NoError(t, dataset.WriteFile(path, format, sampleResults()))
		assert.NoFileExists(t, path+".tmp")

		got, err := dataset.ReadFile(path)
		require.NoError(t, err, format)
		require.Len(t, got, 3, format)
		assert.Equal(t, "analysis-1-vuln", got[0].Branch)
		require.Len(t, got[0].Issues, 1)
		assert.Equal(t, 12, *got[0].Issues[0].Line)
		assert.Equal(t, "CWE-787", got[0].Issues[0].CWE)
		assert.True(t, got[2].Failed())
		assert.False(t, got[1].Failed())
	}
}

func TestWriteResults_UnknownFormat(t *testing.T) {
	t.Parallel()

	err := dataset.WriteResults(io.Discard, dataset.Format("csv"), nil)
	require.ErrorIs(t, err, dataset.ErrUnknownFormat)

	_, err = dataset.ReadResults(strings.NewReader(""), dataset.Format("csv"))
	require.ErrorIs(t, err, dataset.ErrUnknownFormat)
}
