package decoder

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"unicode/utf8"

	"github.com/dhcgn/mailsheet/model"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// decodeCSV keeps every field as a string. The first record is the header;
// short records are padded with absent values and long ones truncated.
func decodeCSV(content []byte) (*model.Dataset, error) {
	content = bytes.TrimPrefix(content, utf8BOM)
	if !utf8.Valid(content) {
		return nil, malformed(FormatCSV, errors.New("content is not valid UTF-8"))
	}

	reader := csv.NewReader(bufio.NewReader(bytes.NewReader(content)))
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	t := newTable()
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, malformed(FormatCSV, err)
		}

		if !t.hasHeader() {
			t.setHeader(append([]string(nil), record...))
			continue
		}

		values := make([]model.Value, len(record))
		for i, field := range record {
			values[i] = model.String(field)
		}
		t.addRow(values)
	}
	return t.ds, nil
}
