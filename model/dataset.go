package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Kind tags the dynamic type held by a Value.
type Kind uint8

const (
	KindAbsent Kind = iota
	KindString
	KindNumber
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	default:
		return "absent"
	}
}

// Value is one cell. The zero Value is absent.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
}

func String(s string) Value  { return Value{kind: KindString, str: s} }
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }
func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }
func Absent() Value          { return Value{} }

func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsAbsent() bool { return v.kind == KindAbsent }
func (v Value) Str() string    { return v.str }
func (v Value) Float() float64 { return v.num }
func (v Value) Boolean() bool  { return v.b }

// Text renders the value for display. Absent renders as the empty string.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return ""
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	default:
		return []byte("null"), nil
	}
}

// Row maps every dataset column to a value.
type Row map[string]Value

// NewRow builds a row holding an entry for each column. Missing trailing
// values are absent, surplus values are dropped, and for duplicate column
// names the last value wins.
func NewRow(columns []string, values []Value) Row {
	row := make(Row, len(columns))
	for i, col := range columns {
		if i < len(values) {
			row[col] = values[i]
			continue
		}
		if _, ok := row[col]; !ok {
			row[col] = Absent()
		}
	}
	return row
}

// Dataset is a decoded table. Row order is file order; column order is
// header order.
type Dataset struct {
	SourceFilename string
	Columns        []string
	Rows           []Row
}

func (d *Dataset) RowCount() int    { return len(d.Rows) }
func (d *Dataset) ColumnCount() int { return len(d.Columns) }

// Validate checks that every row carries an entry for every column.
func (d *Dataset) Validate() error {
	for i, row := range d.Rows {
		for _, col := range d.Columns {
			if _, ok := row[col]; !ok {
				return fmt.Errorf("row %d: missing column %q", i, col)
			}
		}
	}
	return nil
}

func (d *Dataset) MarshalJSON() ([]byte, error) {
	columns := d.Columns
	if columns == nil {
		columns = []string{}
	}
	rows := d.Rows
	if rows == nil {
		rows = []Row{}
	}
	return json.Marshal(struct {
		SourceFilename string   `json:"source_filename"`
		Columns        []string `json:"columns"`
		Rows           []Row    `json:"rows"`
		RowCount       int      `json:"row_count"`
		ColumnCount    int      `json:"column_count"`
	}{
		SourceFilename: d.SourceFilename,
		Columns:        columns,
		Rows:           rows,
		RowCount:       d.RowCount(),
		ColumnCount:    d.ColumnCount(),
	})
}

// CacheEntry is the published result of a successful run.
type CacheEntry struct {
	RunID       string    `json:"run_id"`
	Dataset     *Dataset  `json:"dataset"`
	ProcessedAt time.Time `json:"processed_at"`
}
