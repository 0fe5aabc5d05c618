package history

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Operation names, matching RFC 6902
const (
	OpAdd     = "add"
	OpRemove  = "remove"
	OpReplace = "replace"
)

// Op is a single patch operation. Only the first operation of an entry carries
// Note and Timestamp.
type Op struct {
	Op        string          `json:"op"`
	Path      string          `json:"path"`
	Value     json.RawMessage `json:"value,omitempty"`
	Note      string          `json:"note,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Diff computes the operations that turn a into b. Both must be trees produced
// by decoding JSON (maps, slices, json.Number, string, bool, nil).
func Diff(a, b any) ([]Op, error) {
	var ops []Op
	if err := diff("", a, b, &ops); err != nil {
		return nil, err
	}
	return ops, nil
}

func diff(path string, a, b any, ops *[]Op) error {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok {
			return appendOp(ops, OpReplace, path, b)
		}
		keys := make([]string, 0, len(av)+len(bv))
		for k := range av {
			keys = append(keys, k)
		}
		for k := range bv {
			if _, seen := av[k]; !seen {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			child := path + "/" + escape(k)
			aChild, inA := av[k]
			bChild, inB := bv[k]
			switch {
			case inA && !inB:
				*ops = append(*ops, Op{Op: OpRemove, Path: child})
			case !inA && inB:
				if err := appendOp(ops, OpAdd, child, bChild); err != nil {
					return err
				}
			default:
				if err := diff(child, aChild, bChild, ops); err != nil {
					return err
				}
			}
		}
		return nil
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return appendOp(ops, OpReplace, path, b)
		}
		for i := range av {
			if err := diff(path+"/"+strconv.Itoa(i), av[i], bv[i], ops); err != nil {
				return err
			}
		}
		return nil
	default:
		if !leafEqual(a, b) {
			return appendOp(ops, OpReplace, path, b)
		}
		return nil
	}
}

func appendOp(ops *[]Op, op, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("couldn't serialize value at %q: %w", path, err)
	}
	*ops = append(*ops, Op{Op: op, Path: path, Value: raw})
	return nil
}

func leafEqual(a, b any) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case json.Number:
		bv, ok := b.(json.Number)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		return false
	}
}

// Apply returns a new tree with ops applied to a deep clone of tree.
func Apply(tree any, ops []Op) (any, error) {
	doc := clone(tree)
	for _, op := range ops {
		var value any
		if op.Op != OpRemove {
			v, err := decodeTree(op.Value)
			if err != nil {
				return nil, err
			}
			value = v
		}
		next, err := applyOne(doc, op.Op, splitPath(op.Path), value)
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", op.Op, op.Path, err)
		}
		doc = next
	}
	return doc, nil
}

func applyOne(node any, op string, tokens []string, value any) (any, error) {
	if len(tokens) == 0 {
		switch op {
		case OpReplace, OpAdd:
			return value, nil
		default:
			return nil, ErrBadPath
		}
	}

	head, rest := tokens[0], tokens[1:]
	switch n := node.(type) {
	case map[string]any:
		if len(rest) == 0 {
			switch op {
			case OpAdd:
				n[head] = value
			case OpReplace:
				if _, ok := n[head]; !ok {
					return nil, ErrBadPath
				}
				n[head] = value
			case OpRemove:
				if _, ok := n[head]; !ok {
					return nil, ErrBadPath
				}
				delete(n, head)
			default:
				return nil, fmt.Errorf("unknown operation %q", op)
			}
			return n, nil
		}
		child, ok := n[head]
		if !ok {
			return nil, ErrBadPath
		}
		updated, err := applyOne(child, op, rest, value)
		if err != nil {
			return nil, err
		}
		n[head] = updated
		return n, nil
	case []any:
		idx, err := strconv.Atoi(head)
		if err != nil || idx < 0 || idx >= len(n) {
			return nil, ErrBadPath
		}
		if len(rest) == 0 {
			switch op {
			case OpReplace, OpAdd:
				n[idx] = value
			case OpRemove:
				n = append(n[:idx], n[idx+1:]...)
			default:
				return nil, fmt.Errorf("unknown operation %q", op)
			}
			return n, nil
		}
		updated, err := applyOne(n[idx], op, rest, value)
		if err != nil {
			return nil, err
		}
		n[idx] = updated
		return n, nil
	default:
		return nil, ErrBadPath
	}
}

func clone(v any) any {
	switch n := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, child := range n {
			out[k] = clone(child)
		}
		return out
	case []any:
		out := make([]any, len(n))
		for i, child := range n {
			out[i] = clone(child)
		}
		return out
	default:
		return v
	}
}

func escape(token string) string {
	return strings.ReplaceAll(strings.ReplaceAll(token, "~", "~0"), "/", "~1")
}

func unescape(token string) string {
	return strings.ReplaceAll(strings.ReplaceAll(token, "~1", "/"), "~0", "~")
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, p := range parts {
		parts[i] = unescape(p)
	}
	return parts
}
