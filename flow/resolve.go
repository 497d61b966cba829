package flow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// Results holds the outputs recorded so far in one run, keyed by node id.
// Later visits of a node overwrite earlier ones.
type Results map[string][]ExecutionData

var referencePattern = regexp.MustCompile(`\{\{\s*([^{}\s]+?)\s*\}\}`)

// ResolveVariables substitutes {{nodeId.field[.subpath]}} references in
// inputs with outputs recorded in results, and single-segment references
// such as {{question}} with vars.
//
// A string consisting of exactly one reference takes the referenced value
// with its type; references inside longer text are substituted as text.
// Sub-paths use gjson syntax ("files.0", "meta.author"). A node that produced
// one item is addressed directly; a node that produced several items is
// addressed element-wise, yielding an array.
//
// When a whole-string reference resolves to an array, the result fans out:
// one input map per element, otherwise identical. Several such fields fan
// out as a cartesian product in field-name order.
//
// References that cannot be resolved are left as literal text; the node
// receiving them fails on its own if the input is unusable.
func ResolveVariables(inputs map[string]any, results Results, vars map[string]any) []map[string]any {
	r := resolver{results: results, vars: vars}

	base := make(map[string]any, len(inputs))
	var fanFields []string
	for k, v := range inputs {
		resolved, multi := r.value(v, true)
		base[k] = resolved
		if multi {
			fanFields = append(fanFields, k)
		}
	}

	if len(fanFields) == 0 {
		return []map[string]any{base}
	}
	sort.Strings(fanFields)

	variants := []map[string]any{base}
	for _, field := range fanFields {
		elems := base[field].([]any)
		next := make([]map[string]any, 0, len(variants)*len(elems))
		for _, v := range variants {
			for _, e := range elems {
				c := make(map[string]any, len(v))
				for k, val := range v {
					c[k] = val
				}
				c[field] = e
				next = append(next, c)
			}
		}
		variants = next
	}
	return variants
}

type resolver struct {
	results Results
	vars    map[string]any
}

// value resolves v. multi is true when v was a whole-string reference that
// resolved to a non-empty array, which is only meaningful at the top level.
func (r resolver) value(v any, top bool) (any, bool) {
	switch t := v.(type) {
	case string:
		return r.text(t, top)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k], _ = r.value(e, false)
		}
		return out, false
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i], _ = r.value(e, false)
		}
		return out, false
	default:
		return v, false
	}
}

func (r resolver) text(s string, top bool) (any, bool) {
	locs := referencePattern.FindAllStringSubmatchIndex(s, -1)
	if len(locs) == 0 {
		return s, false
	}

	if len(locs) == 1 && locs[0][0] == 0 && locs[0][1] == len(s) {
		val, ok := r.lookup(s[locs[0][2]:locs[0][3]])
		if !ok {
			return s, false
		}
		if arr, isArr := val.([]any); isArr && top && len(arr) > 0 {
			return arr, true
		}
		return val, false
	}

	var b strings.Builder
	last := 0
	for _, loc := range locs {
		b.WriteString(s[last:loc[0]])
		if val, ok := r.lookup(s[loc[2]:loc[3]]); ok {
			b.WriteString(stringify(val))
		} else {
			b.WriteString(s[loc[0]:loc[1]])
		}
		last = loc[1]
	}
	b.WriteString(s[last:])
	return b.String(), false
}

func (r resolver) lookup(ref string) (any, bool) {
	nodeID, path, hasPath := strings.Cut(ref, ".")
	if !hasPath {
		v, ok := r.vars[ref]
		return v, ok
	}

	data, ok := r.results[nodeID]
	if !ok || len(data) == 0 {
		return nil, false
	}

	var doc any = data[0]
	if len(data) > 1 {
		doc = data
		path = "#." + path
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, false
	}

	res := gjson.GetBytes(raw, path)
	if !res.Exists() {
		return nil, false
	}
	return decodeValue(res.Raw)
}

// maxExactInt is the largest integer a float64 holds exactly.
const maxExactInt = 1 << 53

// decodeValue decodes a JSON fragment. Numbers become float64 except
// integers beyond float64 precision, which stay int64.
func decodeValue(raw string) (any, bool) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	return normalizeNumbers(v), true
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil && (n > maxExactInt || n < -maxExactInt) {
			return n
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeNumbers(e)
		}
	case []any:
		for i, e := range t {
			t[i] = normalizeNumbers(e)
		}
	}
	return v
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64, int64, bool:
		return fmt.Sprint(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
