// Package records loads the input table and derives a search query per record.
package records

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Record is one unit of work
type Record struct {
	Index  int
	Fields map[string]string
}

// Field returns the named value, falling back to a case-insensitive match
func (r Record) Field(name string) (string, bool) {
	if v, ok := r.Fields[name]; ok {
		return v, true
	}
	for k, v := range r.Fields {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// Table is the loaded input, in file order
type Table struct {
	Columns []string
	Records []Record
	byIndex map[int]int
}

// Load reads a csv or parquet file. When indexColumn is set its integer value
// becomes the record index; otherwise the zero-based row position is used.
func Load(path, format, indexColumn string) (*Table, error) {
	var (
		columns []string
		rows    []map[string]string
		err     error
	)
	switch format {
	case "csv":
		columns, rows, err = readCSV(path)
	case "parquet":
		columns, rows, err = readParquet(path)
	default:
		return nil, fmt.Errorf("unsupported input format %q", format)
	}
	if err != nil {
		return nil, err
	}
	return newTable(columns, rows, indexColumn)
}

func newTable(columns []string, rows []map[string]string, indexColumn string) (*Table, error) {
	t := &Table{
		Columns: columns,
		Records: make([]Record, 0, len(rows)),
		byIndex: make(map[int]int, len(rows)),
	}

	for pos, fields := range rows {
		index := pos
		if indexColumn != "" {
			raw, ok := fields[indexColumn]
			if !ok {
				return nil, fmt.Errorf("row %d: index column %q missing", pos, indexColumn)
			}
			n, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil {
				return nil, fmt.Errorf("row %d: index column %q is not an integer: %q", pos, indexColumn, raw)
			}
			index = n
		}
		if _, dup := t.byIndex[index]; dup {
			return nil, fmt.Errorf("row %d: duplicate record index %d", pos, index)
		}
		t.byIndex[index] = len(t.Records)
		t.Records = append(t.Records, Record{Index: index, Fields: fields})
	}
	return t, nil
}

// Len returns the number of records
func (t *Table) Len() int { return len(t.Records) }

// Get returns the record with the given index
func (t *Table) Get(index int) (Record, bool) {
	i, ok := t.byIndex[index]
	if !ok {
		return Record{}, false
	}
	return t.Records[i], true
}

// Indices returns every record index in ascending order
func (t *Table) Indices() []int {
	out := make([]int, 0, len(t.Records))
	for _, r := range t.Records {
		out = append(out, r.Index)
	}
	sort.Ints(out)
	return out
}
