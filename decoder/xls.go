package decoder

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/extrame/xls"

	"github.com/dhcgn/mailsheet/model"
)

// decodeXLS reads the first worksheet of a legacy BIFF workbook. The reader
// only exposes formatted text, so numbers and booleans are inferred from it.
func decodeXLS(content []byte) (*model.Dataset, error) {
	wb, err := xls.OpenReader(bytes.NewReader(content), "utf-8")
	if err != nil {
		return nil, malformed(FormatXLS, err)
	}

	t := newTable()
	if wb.NumSheets() == 0 {
		return t.ds, nil
	}
	sheet := wb.GetSheet(0)
	if sheet == nil {
		return nil, malformed(FormatXLS, fmt.Errorf("first worksheet unreadable"))
	}

	for r := 0; r <= int(sheet.MaxRow); r++ {
		row := sheet.Row(r)
		if row == nil {
			continue
		}
		cells := make([]string, 0, row.LastCol()+1)
		for c := 0; c <= row.LastCol(); c++ {
			cells = append(cells, row.Col(c))
		}
		cells = trimTrailingBlank(cells)
		if blank(cells) {
			continue
		}

		if !t.hasHeader() {
			t.setSheetHeader(cells, columnLetter)
			continue
		}

		data := t.sheetCells(cells)
		values := make([]model.Value, len(data))
		for i := range values {
			values[i] = inferValue(data[i])
		}
		t.addRow(values)
	}
	return t.ds, nil
}

func trimTrailingBlank(cells []string) []string {
	n := len(cells)
	for n > 0 && strings.TrimSpace(cells[n-1]) == "" {
		n--
	}
	return cells[:n]
}

func inferValue(text string) model.Value {
	if text == "" {
		return model.Absent()
	}
	switch strings.ToUpper(text) {
	case "TRUE":
		return model.Bool(true)
	case "FALSE":
		return model.Bool(false)
	}
	if n, err := strconv.ParseFloat(strings.TrimSpace(text), 64); err == nil {
		return model.Number(n)
	}
	return model.String(text)
}
