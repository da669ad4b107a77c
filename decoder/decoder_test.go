package decoder

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/dhcgn/mailsheet/model"
)

func attachment(name, content string) *model.RawAttachment {
	return &model.RawAttachment{Filename: name, Content: []byte(content), SizeBytes: int64(len(content))}
}

func requireConsistent(t *testing.T, ds *model.Dataset) {
	t.Helper()
	require.NotNil(t, ds)
	assert.Equal(t, len(ds.Rows), ds.RowCount())
	assert.Equal(t, len(ds.Columns), ds.ColumnCount())
	assert.NoError(t, ds.Validate())
}

func TestFormatOf(t *testing.T) {
	tests := []struct {
		name    string
		want    Format
		wantErr bool
	}{
		{"data.csv", FormatCSV, false},
		{"Data.CSV", FormatCSV, false},
		{"book.xlsx", FormatXLSX, false},
		{"legacy.xls", FormatXLS, false},
		{"report.pdf", "", true},
		{"noextension", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FormatOf(tt.name)
			if tt.wantErr {
				assert.ErrorIs(t, err, model.ErrUnsupportedFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeUnsupported(t *testing.T) {
	_, err := Decode(attachment("report.pdf", "%PDF"))
	assert.ErrorIs(t, err, model.ErrUnsupportedFormat)

	_, err = Decode(nil)
	assert.ErrorIs(t, err, model.ErrUnsupportedFormat)
}

func TestDecodeCSV(t *testing.T) {
	ds, err := Decode(attachment("data.csv", "name,amount\nalice,10\nbob,20\n"))
	require.NoError(t, err)
	requireConsistent(t, ds)

	assert.Equal(t, "data.csv", ds.SourceFilename)
	assert.Equal(t, []string{"name", "amount"}, ds.Columns)
	require.Len(t, ds.Rows, 2)
	assert.Equal(t, model.String("alice"), ds.Rows[0]["name"])
	assert.Equal(t, model.String("10"), ds.Rows[0]["amount"], "csv values stay strings")
	assert.Equal(t, model.String("bob"), ds.Rows[1]["name"])
}

func TestDecodeCSVRaggedRows(t *testing.T) {
	ds, err := Decode(attachment("ragged.csv", "a,b,c\n1\n1,2,3,4\n"))
	require.NoError(t, err)
	requireConsistent(t, ds)

	require.Len(t, ds.Rows, 2)
	short := ds.Rows[0]
	assert.Equal(t, model.String("1"), short["a"])
	assert.True(t, short["b"].IsAbsent())
	assert.True(t, short["c"].IsAbsent())

	long := ds.Rows[1]
	assert.Len(t, long, 3)
	assert.Equal(t, model.String("3"), long["c"])
}

func TestDecodeCSVHeaderOnly(t *testing.T) {
	ds, err := Decode(attachment("header.csv", "a,b\n"))
	require.NoError(t, err)
	requireConsistent(t, ds)
	assert.Equal(t, 0, ds.RowCount())
	assert.Equal(t, 2, ds.ColumnCount())
}

func TestDecodeCSVEmpty(t *testing.T) {
	ds, err := Decode(attachment("empty.csv", ""))
	require.NoError(t, err)
	requireConsistent(t, ds)
	assert.Equal(t, 0, ds.RowCount())
	assert.Equal(t, 0, ds.ColumnCount())
}

func TestDecodeCSVByteOrderMarkAndCRLF(t *testing.T) {
	ds, err := Decode(attachment("bom.csv", "\ufeffid,label\r\n1,\"quoted, comma\"\r\n"))
	require.NoError(t, err)
	requireConsistent(t, ds)

	assert.Equal(t, []string{"id", "label"}, ds.Columns)
	assert.Equal(t, model.String("quoted, comma"), ds.Rows[0]["label"])
}

func TestDecodeCSVDuplicateHeader(t *testing.T) {
	ds, err := Decode(attachment("dup.csv", "x,x\n1,2\n"))
	require.NoError(t, err)
	requireConsistent(t, ds)

	assert.Equal(t, []string{"x", "x"}, ds.Columns)
	assert.Equal(t, model.String("2"), ds.Rows[0]["x"])
}

func TestDecodeCSVMalformed(t *testing.T) {
	tests := map[string]string{
		"unterminated quote": "a,b\n\"open,2\n",
		"invalid utf8":       "a,b\n\xff\xfe,1\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			ds, err := Decode(attachment("bad.csv", content))
			assert.ErrorIs(t, err, model.ErrMalformedContent)
			assert.Nil(t, ds)
		})
	}
}

func workbook(t *testing.T, build func(f *excelize.File)) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	build(f)
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func TestDecodeXLSXFirstSheetTyped(t *testing.T) {
	content := workbook(t, func(f *excelize.File) {
		require.NoError(t, f.SetCellValue("Sheet1", "A2", "name"))
		require.NoError(t, f.SetCellValue("Sheet1", "B2", "amount"))
		require.NoError(t, f.SetCellValue("Sheet1", "C2", "paid"))
		require.NoError(t, f.SetCellValue("Sheet1", "A3", "alice"))
		require.NoError(t, f.SetCellValue("Sheet1", "B3", 12.5))
		require.NoError(t, f.SetCellValue("Sheet1", "C3", true))
		require.NoError(t, f.SetCellValue("Sheet1", "A5", "bob"))
		require.NoError(t, f.SetCellValue("Sheet1", "B5", 3))

		_, err := f.NewSheet("Other")
		require.NoError(t, err)
		require.NoError(t, f.SetCellValue("Other", "A1", "ignored"))
	})

	ds, err := Decode(&model.RawAttachment{Filename: "book.xlsx", Content: content})
	require.NoError(t, err)
	requireConsistent(t, ds)

	assert.Equal(t, []string{"name", "amount", "paid"}, ds.Columns)
	require.Len(t, ds.Rows, 2, "blank rows are skipped")

	alice := ds.Rows[0]
	assert.Equal(t, model.String("alice"), alice["name"])
	assert.Equal(t, model.Number(12.5), alice["amount"])
	assert.Equal(t, model.Bool(true), alice["paid"])

	bob := ds.Rows[1]
	assert.Equal(t, model.Number(3), bob["amount"])
	assert.True(t, bob["paid"].IsAbsent())
}

func TestDecodeXLSXBlankHeaderCell(t *testing.T) {
	content := workbook(t, func(f *excelize.File) {
		require.NoError(t, f.SetCellValue("Sheet1", "A1", "id"))
		require.NoError(t, f.SetCellValue("Sheet1", "C1", "note"))
		require.NoError(t, f.SetCellValue("Sheet1", "A2", 1))
		require.NoError(t, f.SetCellValue("Sheet1", "B2", "x"))
	})

	ds, err := Decode(&model.RawAttachment{Filename: "book.xlsx", Content: content})
	require.NoError(t, err)
	requireConsistent(t, ds)
	assert.Equal(t, []string{"id", "B", "note"}, ds.Columns)
	assert.Equal(t, model.String("x"), ds.Rows[0]["B"])
}

func TestDecodeXLSXHeaderAwayFromOrigin(t *testing.T) {
	content := workbook(t, func(f *excelize.File) {
		require.NoError(t, f.SetCellValue("Sheet1", "B3", "name"))
		require.NoError(t, f.SetCellValue("Sheet1", "C3", "qty"))
		require.NoError(t, f.SetCellValue("Sheet1", "D3", "ok"))
		require.NoError(t, f.SetCellValue("Sheet1", "B4", "bolt"))
		require.NoError(t, f.SetCellValue("Sheet1", "C4", 4))
		require.NoError(t, f.SetCellValue("Sheet1", "D4", false))
	})

	ds, err := Decode(&model.RawAttachment{Filename: "offset.xlsx", Content: content})
	require.NoError(t, err)
	requireConsistent(t, ds)

	assert.Equal(t, []string{"name", "qty", "ok"}, ds.Columns)
	require.Len(t, ds.Rows, 1)
	assert.Equal(t, model.String("bolt"), ds.Rows[0]["name"])
	assert.Equal(t, model.Number(4), ds.Rows[0]["qty"])
	assert.Equal(t, model.Bool(false), ds.Rows[0]["ok"])
	assert.NotContains(t, ds.Rows[0], "A")
}

func TestSetSheetHeader(t *testing.T) {
	tbl := newTable()
	tbl.setSheetHeader([]string{"", " ", "id", "", "note"}, columnLetter)

	assert.Equal(t, []string{"id", "D", "note"}, tbl.ds.Columns)
	assert.Equal(t, 2, tbl.offset)
	assert.Equal(t, []string{"7", "", "x"}, tbl.sheetCells([]string{"stray", "", "7", "", "x", "extra"}))
	assert.Nil(t, tbl.sheetCells([]string{"left only"}))
}

func TestDecodeXLS(t *testing.T) {
	content, err := os.ReadFile(filepath.Join("testdata", "table.xls"))
	require.NoError(t, err)

	ds, err := Decode(&model.RawAttachment{Filename: "Table.XLS", Content: content, SizeBytes: int64(len(content))})
	require.NoError(t, err)
	requireConsistent(t, ds)

	assert.Equal(t, "Table.XLS", ds.SourceFilename)
	assert.Equal(t, []string{"Code", "Name", "Description"}, ds.Columns)
	require.Equal(t, 11, ds.RowCount())
	for i, row := range ds.Rows {
		n := i + 1
		assert.Equal(t, model.String(fmt.Sprintf("code%d", n)), row["Code"])
		assert.Equal(t, model.String(fmt.Sprintf("name%d", n)), row["Name"])
		assert.Equal(t, model.String(fmt.Sprintf("description%d", n)), row["Description"])
	}
}

func TestDecodeXLSXEmptyWorkbook(t *testing.T) {
	content := workbook(t, func(*excelize.File) {})

	ds, err := Decode(&model.RawAttachment{Filename: "empty.xlsx", Content: content})
	require.NoError(t, err)
	requireConsistent(t, ds)
	assert.Equal(t, 0, ds.RowCount())
}

func TestDecodeCorruptWorkbooks(t *testing.T) {
	for _, name := range []string{"corrupt.xlsx", "corrupt.xls"} {
		t.Run(name, func(t *testing.T) {
			ds, err := Decode(attachment(name, "PK\x03\x04 definitely not a workbook"))
			assert.ErrorIs(t, err, model.ErrMalformedContent)
			assert.Nil(t, ds)
		})
	}
}

func TestInferValue(t *testing.T) {
	assert.Equal(t, model.Number(42), inferValue("42"))
	assert.Equal(t, model.Number(-1.25), inferValue("-1.25"))
	assert.Equal(t, model.Bool(true), inferValue("TRUE"))
	assert.Equal(t, model.Bool(false), inferValue("false"))
	assert.Equal(t, model.String("2023-10-02"), inferValue("2023-10-02"))
	assert.True(t, inferValue("").IsAbsent())
}
