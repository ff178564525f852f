package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/matheus3301/chatsync/internal/remote"
)

// encodeBody marshals a document body. The result must be a JSON object.
func encodeBody(data any) ([]byte, error) {
	var raw []byte
	switch v := data.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		raw = b
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' || !json.Valid(raw) {
		return nil, fmt.Errorf("document body must be a JSON object")
	}
	return raw, nil
}

func decodeBody(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// normalize round-trips v through JSON so it compares equal to values read
// back from stored documents.
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// applyOps mutates body in place. Intermediate maps along a dotted path are
// created as needed.
func applyOps(body map[string]any, ops []remote.FieldOp) error {
	for _, op := range ops {
		if op.Field == "" {
			return fmt.Errorf("field op with empty field")
		}
		parts := strings.Split(op.Field, ".")
		parent, err := walk(body, parts[:len(parts)-1], op.Kind != remote.FieldDelete)
		if err != nil {
			return fmt.Errorf("%s: %w", op.Field, err)
		}
		if parent == nil {
			continue
		}
		leaf := parts[len(parts)-1]

		switch op.Kind {
		case remote.FieldSet:
			v, err := normalize(op.Value)
			if err != nil {
				return fmt.Errorf("%s: %w", op.Field, err)
			}
			parent[leaf] = v
		case remote.FieldDelete:
			delete(parent, leaf)
		case remote.FieldIncrement:
			n, err := increment(parent[leaf], op.Value)
			if err != nil {
				return fmt.Errorf("%s: %w", op.Field, err)
			}
			parent[leaf] = n
		case remote.FieldArrayUnion, remote.FieldArrayRemove:
			v, err := normalize(op.Value)
			if err != nil {
				return fmt.Errorf("%s: %w", op.Field, err)
			}
			var arr []any
			switch cur := parent[leaf].(type) {
			case nil:
			case []any:
				arr = cur
			default:
				return fmt.Errorf("%s: not an array", op.Field)
			}
			if op.Kind == remote.FieldArrayUnion {
				if !containsValue(arr, v) {
					arr = append(arr, v)
				}
			} else {
				kept := arr[:0:0]
				for _, e := range arr {
					if !reflect.DeepEqual(e, v) {
						kept = append(kept, e)
					}
				}
				arr = kept
			}
			if arr == nil {
				arr = []any{}
			}
			parent[leaf] = arr
		default:
			return fmt.Errorf("%s: unknown field op %d", op.Field, op.Kind)
		}
	}
	return nil
}

func walk(m map[string]any, path []string, create bool) (map[string]any, error) {
	for _, p := range path {
		next, ok := m[p]
		if !ok || next == nil {
			if !create {
				return nil, nil
			}
			child := map[string]any{}
			m[p] = child
			m = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%q is not an object", p)
		}
		m = child
	}
	return m, nil
}

func containsValue(arr []any, v any) bool {
	for _, e := range arr {
		if reflect.DeepEqual(e, v) {
			return true
		}
	}
	return false
}

func increment(cur, delta any) (json.Number, error) {
	var d int64
	switch v := delta.(type) {
	case int64:
		d = v
	case int:
		d = int64(v)
	default:
		return "", fmt.Errorf("increment delta %T", delta)
	}
	switch c := cur.(type) {
	case nil:
		return json.Number(fmt.Sprint(d)), nil
	case json.Number:
		if i, err := c.Int64(); err == nil {
			return json.Number(fmt.Sprint(i + d)), nil
		}
		f, err := c.Float64()
		if err != nil || math.IsNaN(f) {
			return "", fmt.Errorf("not a number")
		}
		return json.Number(fmt.Sprint(f + float64(d))), nil
	default:
		return "", fmt.Errorf("not a number")
	}
}
