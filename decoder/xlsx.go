package decoder

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/dhcgn/mailsheet/model"
)

func decodeXLSX(content []byte) (*model.Dataset, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return nil, malformed(FormatXLSX, err)
	}
	defer f.Close()

	t := newTable()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return t.ds, nil
	}
	sheet := sheets[0]

	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, malformed(FormatXLSX, err)
	}

	for r, cells := range rows {
		if blank(cells) {
			continue
		}
		if !t.hasHeader() {
			t.setSheetHeader(cells, columnLetter)
			continue
		}

		data := t.sheetCells(cells)
		values := make([]model.Value, len(data))
		for c := range values {
			v, err := xlsxValue(f, sheet, t.offset+c+1, r+1, data[c])
			if err != nil {
				return nil, malformed(FormatXLSX, err)
			}
			values[c] = v
		}
		t.addRow(values)
	}
	return t.ds, nil
}

func columnLetter(n int) string {
	name, err := excelize.ColumnNumberToName(n)
	if err != nil {
		return strconv.Itoa(n)
	}
	return name
}

// xlsxValue maps a raw cell to a typed value using the cell's stored type.
func xlsxValue(f *excelize.File, sheet string, col, row int, raw string) (model.Value, error) {
	if raw == "" {
		return model.Absent(), nil
	}
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return model.Value{}, err
	}
	typ, err := f.GetCellType(sheet, cell)
	if err != nil {
		return model.Value{}, err
	}

	switch typ {
	case excelize.CellTypeBool:
		return model.Bool(raw == "1" || strings.EqualFold(raw, "true")), nil
	case excelize.CellTypeNumber, excelize.CellTypeUnset:
		if n, err := strconv.ParseFloat(raw, 64); err == nil {
			return model.Number(n), nil
		}
		return model.String(raw), nil
	default:
		return model.String(raw), nil
	}
}
