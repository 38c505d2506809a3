package records

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"
)

// readParquet reads every row group with the generic row reader. Columns are
// addressed by their top-level name; repeated leaves are joined with spaces.
func readParquet(path string) ([]string, []map[string]string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, nil, fmt.Errorf("stat: %w", err)
	}

	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return nil, nil, fmt.Errorf("open parquet: %w", err)
	}

	// leaf index -> column name
	var columns []string
	leafNames := make(map[int]string)
	seen := make(map[string]bool)
	for i, colPath := range pf.Schema().Columns() {
		if len(colPath) == 0 {
			continue
		}
		name := colPath[0]
		leafNames[i] = name
		if !seen[name] {
			seen[name] = true
			columns = append(columns, name)
		}
	}

	var rows []map[string]string
	buf := make([]parquet.Row, 512)
	for _, rg := range pf.RowGroups() {
		reader := parquet.NewRowGroupReader(rg)
		for {
			n, readErr := reader.ReadRows(buf)
			for i := 0; i < n; i++ {
				rows = append(rows, rowFields(buf[i], leafNames, columns))
			}
			if readErr != nil {
				if errors.Is(readErr, io.EOF) {
					break
				}
				return nil, nil, fmt.Errorf("read rows: %w", readErr)
			}
		}
	}
	return columns, rows, nil
}

func rowFields(row parquet.Row, leafNames map[int]string, columns []string) map[string]string {
	parts := make(map[string][]string, len(columns))
	for _, v := range row {
		name, ok := leafNames[v.Column()]
		if !ok || v.IsNull() {
			continue
		}
		parts[name] = append(parts[name], valueString(v))
	}

	fields := make(map[string]string, len(columns))
	for _, col := range columns {
		fields[col] = strings.Join(parts[col], " ")
	}
	return fields
}

func valueString(v parquet.Value) string {
	switch v.Kind() {
	case parquet.Boolean:
		return strconv.FormatBool(v.Boolean())
	case parquet.Int32:
		return strconv.FormatInt(int64(v.Int32()), 10)
	case parquet.Int64:
		return strconv.FormatInt(v.Int64(), 10)
	case parquet.Float:
		return strconv.FormatFloat(float64(v.Float()), 'f', -1, 32)
	case parquet.Double:
		return strconv.FormatFloat(v.Double(), 'f', -1, 64)
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return string(v.ByteArray())
	default:
		return v.String()
	}
}
