package spreadsheet

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCSVHeaderCountAndRange(t *testing.T) {
	content := "\ufeffPart Number,Description,Manufacturer\n"
	for i := 0; i < 10; i++ {
		content += fmt.Sprintf("P-%d,desc %d,TI\n", i, i)
	}
	r, err := Open(writeFile(t, "parts.csv", content))
	require.NoError(t, err)
	defer r.Close()

	header, err := r.Header()
	require.NoError(t, err)
	assert.Equal(t, []string{"Part Number", "Description", "Manufacturer"}, header)

	n, err := r.RowCount()
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	rows, err := r.ReadRange(3, 6)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "P-3", rows[0][0])
	assert.Equal(t, "P-5", rows[2][0])

	tail, err := r.ReadRange(8, 50)
	require.NoError(t, err)
	assert.Len(t, tail, 2)

	past, err := r.ReadRange(20, 30)
	require.NoError(t, err)
	assert.Empty(t, past)
}

func TestCSVRaggedRowsAndQuotes(t *testing.T) {
	r, err := Open(writeFile(t, "ragged.csv", "a,b,c\n1\n\"x, y\",2,3,4\n"))
	require.NoError(t, err)

	rows, err := r.ReadRange(0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"1"}, rows[0])
	assert.Equal(t, "x, y", rows[1][0])
	assert.Len(t, rows[1], 4)
}

func TestTSVUsesTabDelimiter(t *testing.T) {
	r, err := Open(writeFile(t, "parts.tsv", "pn\tmfr\nA1\tADI\n"))
	require.NoError(t, err)

	rows, err := r.ReadRange(0, 1)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"A1", "ADI"}}, rows)
}

func TestEmptyCSVIsParseError(t *testing.T) {
	r, err := Open(writeFile(t, "empty.csv", ""))
	require.NoError(t, err)

	_, err = r.Header()
	assert.ErrorIs(t, err, ErrParse)
}

func TestUnsupportedExtension(t *testing.T) {
	_, err := Open(writeFile(t, "notes.pdf", "%PDF"))
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.False(t, IsSpreadsheet("notes.pdf"))
	assert.True(t, IsSpreadsheet("Parts.XLSX"))
	assert.True(t, IsSpreadsheet("a/b/list.txt"))
}

func TestXLSXReader(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]interface{}{"MPN", "Mfr", "Image"}))
	for i := 0; i < 5; i++ {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &[]interface{}{fmt.Sprintf("X%d", i), "st", fmt.Sprintf("x%d.png", i)}))
	}
	path := filepath.Join(t.TempDir(), "parts.xlsx")
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	header, err := r.Header()
	require.NoError(t, err)
	assert.Equal(t, []string{"MPN", "Mfr", "Image"}, header)

	n, err := r.RowCount()
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	rows, err := r.ReadRange(1, 3)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"X1", "st", "x1.png"}, rows[0])
}

func TestCorruptXLSXIsParseError(t *testing.T) {
	_, err := Open(writeFile(t, "broken.xlsx", "not a zip"))
	assert.ErrorIs(t, err, ErrParse)
}
