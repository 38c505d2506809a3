package records

import "strings"

// DefaultPlaceholders are values treated as "no data" in query columns
var DefaultPlaceholders = []string{"-", "n/a", "na", "nan", "none", "null", "unknown", "tbd"}

// QueryBuilder resolves a search query from an ordered list of columns. The
// first populated, non-placeholder value wins.
type QueryBuilder struct {
	columns      []string
	placeholders map[string]struct{}
	suffix       string
}

// NewQueryBuilder creates a builder. A nil placeholder list uses DefaultPlaceholders.
func NewQueryBuilder(columns, placeholders []string, suffix string) *QueryBuilder {
	if placeholders == nil {
		placeholders = DefaultPlaceholders
	}
	set := make(map[string]struct{}, len(placeholders))
	for _, p := range placeholders {
		set[strings.ToLower(strings.TrimSpace(p))] = struct{}{}
	}
	return &QueryBuilder{
		columns:      columns,
		placeholders: set,
		suffix:       strings.TrimSpace(suffix),
	}
}

// Build returns the query for r, or false when every column is empty or a placeholder
func (b *QueryBuilder) Build(r Record) (string, bool) {
	for _, col := range b.columns {
		v, ok := r.Field(col)
		if !ok {
			continue
		}
		v = strings.Join(strings.Fields(v), " ")
		if v == "" {
			continue
		}
		if _, placeholder := b.placeholders[strings.ToLower(v)]; placeholder {
			continue
		}
		if b.suffix != "" {
			v += " " + b.suffix
		}
		return v, true
	}
	return "", false
}
