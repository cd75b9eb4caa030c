package archive

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildZip(t *testing.T, files map[string]string) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return bytes.NewReader(buf.Bytes())
}

func TestClassify(t *testing.T) {
	cases := map[string]Class{
		"ti/parts.csv":            ClassSpreadsheet,
		"ST/list.XLSX":            ClassSpreadsheet,
		"ti/images/lm358.PNG":     ClassImage,
		"docs/datasheet.pdf":      ClassDocument,
		"__MACOSX/ti/._parts.csv": ClassSkip,
		"ti/._parts.csv":          ClassSkip,
		"ti/.DS_Store":            ClassSkip,
		"Thumbs.db":               ClassSkip,
		"ti/desktop.ini":          ClassSkip,
		"readme.md":               ClassSkip,
	}
	for name, want := range cases {
		assert.Equal(t, want, Classify(name), name)
	}
}

func TestDatasetFolder(t *testing.T) {
	assert.Equal(t, "ti", DatasetFolder("ti/parts.csv"))
	assert.Equal(t, "ti", DatasetFolder("ti/sub/parts.csv"))
	assert.Equal(t, "", DatasetFolder("parts.csv"))
}

func TestExtractSkipsArtifacts(t *testing.T) {
	src := buildZip(t, map[string]string{
		"ti/parts.csv":            "pn\nA\n",
		"st/parts.xlsx":           "xx",
		"ti/img/a.png":            "png",
		"manual.pdf":              "pdf",
		"__MACOSX/ti/._parts.csv": "junk",
		"ti/.DS_Store":            "junk",
	})
	dir := t.TempDir()

	members, err := Extract(src, src.Size(), dir)
	require.NoError(t, err)
	require.Len(t, members, 4)

	counts := Count(members)
	assert.Equal(t, 2, counts[ClassSpreadsheet])
	assert.Equal(t, 1, counts[ClassImage])
	assert.Equal(t, 1, counts[ClassDocument])

	data, err := os.ReadFile(filepath.Join(dir, "ti", "parts.csv"))
	require.NoError(t, err)
	assert.Equal(t, "pn\nA\n", string(data))
	_, err = os.Stat(filepath.Join(dir, "__MACOSX"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtractRejectsPathTraversal(t *testing.T) {
	src := buildZip(t, map[string]string{"../../etc/evil.csv": "x"})
	_, err := Extract(src, src.Size(), t.TempDir())
	assert.ErrorIs(t, err, ErrInvalidArchive)
}

func TestExtractRejectsGarbage(t *testing.T) {
	src := bytes.NewReader([]byte("definitely not a zip"))
	_, err := Extract(src, src.Size(), t.TempDir())
	assert.ErrorIs(t, err, ErrInvalidArchive)
}
