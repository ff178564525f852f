package store

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/syncerr"
)

// jsonPath renders a dotted field as a quoted SQLite JSON path.
func jsonPath(field string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, p := range strings.Split(field, ".") {
		b.WriteString(`."`)
		b.WriteString(strings.ReplaceAll(p, `"`, `\"`))
		b.WriteString(`"`)
	}
	return b.String()
}

// bindValue converts a filter value into something SQLite compares equal to
// json_extract output.
func bindValue(v any) any {
	switch x := v.(type) {
	case bool:
		if x {
			return 1
		}
		return 0
	default:
		return v
	}
}

func buildQuery(q remote.Query) (string, []any, error) {
	if !remote.IsCollection(q.Collection) {
		return "", nil, fmt.Errorf("invalid collection path %q", q.Collection)
	}
	var (
		where = []string{"collection = ?"}
		args  = []any{q.Collection}
	)
	for _, f := range q.Where {
		if f.Field == "" {
			return "", nil, fmt.Errorf("filter with empty field")
		}
		switch f.Op {
		case remote.OpEq:
			where = append(where, "json_extract(data, ?) = ?")
			args = append(args, jsonPath(f.Field), bindValue(f.Value))
		case remote.OpArrayContains:
			where = append(where, "EXISTS (SELECT 1 FROM json_each(data, ?) WHERE json_each.value = ?)")
			args = append(args, jsonPath(f.Field), bindValue(f.Value))
		case remote.OpIn:
			rv := reflect.ValueOf(f.Value)
			if rv.Kind() != reflect.Slice {
				return "", nil, fmt.Errorf("%s: in filter needs a slice, got %T", f.Field, f.Value)
			}
			if rv.Len() == 0 {
				where = append(where, "0")
				continue
			}
			marks := make([]string, rv.Len())
			args = append(args, jsonPath(f.Field))
			for i := range rv.Len() {
				marks[i] = "?"
				args = append(args, bindValue(rv.Index(i).Interface()))
			}
			where = append(where, "json_extract(data, ?) IN ("+strings.Join(marks, ", ")+")")
		default:
			return "", nil, fmt.Errorf("%s: unsupported operator %q", f.Field, f.Op)
		}
	}

	dir, cmp := "ASC", ">"
	if q.Desc {
		dir, cmp = "DESC", "<"
	}
	order := "id " + dir
	if q.OrderBy != "" {
		path := jsonPath(q.OrderBy)
		order = fmt.Sprintf("json_extract(data, '%s') %s, id %s", strings.ReplaceAll(path, "'", "''"), dir, dir)
		if c := q.StartAfter; c != nil {
			where = append(where, fmt.Sprintf(
				"(json_extract(data, ?) %[1]s ? OR (json_extract(data, ?) = ? AND id %[1]s ?))", cmp))
			v := bindValue(c.Value)
			args = append(args, path, v, path, v, c.ID)
		}
	} else if c := q.StartAfter; c != nil {
		where = append(where, "id "+cmp+" ?")
		args = append(args, c.ID)
	}

	stmt := `SELECT ` + docColumns + ` FROM documents WHERE ` + strings.Join(where, " AND ") + ` ORDER BY ` + order
	if q.Limit > 0 {
		stmt += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	return stmt, args, nil
}

// Query returns the documents matching q in query order.
func (db *DB) Query(ctx context.Context, q remote.Query) ([]*remote.Doc, error) {
	stmt, args, err := buildQuery(q)
	if err != nil {
		return nil, syncerr.E(syncerr.InvalidArgument, "store.query", err)
	}
	rows, err := db.conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, classify("store.query", err)
	}
	defer func() { _ = rows.Close() }()

	var docs []*remote.Doc
	for rows.Next() {
		d, err := scanDoc(rows)
		if err != nil {
			return nil, classify("store.query", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("store.query", err)
	}
	return docs, nil
}
