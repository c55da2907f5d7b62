package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mohans/sqlgate/domain"
)

// BindArgs converts request parameters into database/sql arguments. A map
// binds by name (:name, @name or $name in the query); a slice binds by
// position. JSON numbers bind as INTEGER when whole and REAL otherwise.
func BindArgs(params any) ([]any, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case []any:
		args := make([]any, len(p))
		for i, v := range p {
			args[i] = bindValue(v)
		}
		return args, nil
	case map[string]any:
		keys := make([]string, 0, len(p))
		for k := range p {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		args := make([]any, 0, len(p))
		for _, k := range keys {
			name := strings.TrimLeft(k, ":@$")
			if name == "" {
				return nil, domain.InvalidInput("empty parameter name")
			}
			args = append(args, sql.Named(name, bindValue(p[k])))
		}
		return args, nil
	}
	return nil, domain.InvalidInput("bind parameters must be an object or an array, got %T", params)
}

// bindValue turns a decoded JSON number into int64 or float64.
func bindValue(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

func scanRows(rows *sql.Rows) (*domain.Result, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	res := &domain.Result{Columns: make([]domain.Column, len(types)), Rows: [][]any{}}
	for i, ct := range types {
		res.Columns[i] = domain.Column{Name: ct.Name(), Type: strings.ToUpper(ct.DatabaseTypeName())}
	}

	for rows.Next() {
		vals := make([]any, len(types))
		ptrs := make([]any, len(types))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	res.RowCount = len(res.Rows)

	// Expression columns have no declared type; take it from the data.
	for i := range res.Columns {
		if res.Columns[i].Type != "" {
			continue
		}
		for _, row := range res.Rows {
			if t := storageClass(row[i]); t != "NULL" {
				res.Columns[i].Type = t
				break
			}
		}
	}
	return res, nil
}

func storageClass(v any) string {
	switch v.(type) {
	case nil:
		return "NULL"
	case int64, int, int32, bool:
		return "INTEGER"
	case float64, float32:
		return "REAL"
	case string:
		return "TEXT"
	case []byte:
		return "BLOB"
	}
	return fmt.Sprintf("%T", v)
}
