package domain

// Column describes one column of a result set.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Result is the payload of a successful query. Row sets fill Columns and
// Rows; mutating statements fill RowsAffected instead. A Result is shared
// between the cache and every job that received it and must not be mutated
// once published.
type Result struct {
	Columns      []Column `json:"columns,omitempty"`
	Rows         [][]any  `json:"rows,omitempty"`
	RowCount     int      `json:"row_count"`
	RowsAffected *int64   `json:"rows_affected,omitempty"`
}

// Records returns the rows as column-name keyed maps, the shape the HTTP
// API has always returned.
func (r *Result) Records() []map[string]any {
	if r == nil {
		return nil
	}
	if r.RowsAffected != nil {
		return []map[string]any{{"rows_affected": *r.RowsAffected}}
	}
	out := make([]map[string]any, 0, len(r.Rows))
	for _, row := range r.Rows {
		rec := make(map[string]any, len(r.Columns))
		for i, col := range r.Columns {
			if i < len(row) {
				rec[col.Name] = row[i]
			}
		}
		out = append(out, rec)
	}
	return out
}
