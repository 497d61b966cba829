package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/dshills/flowrun/flow"
)

// Comparison operations understood by ifElse.
const (
	OpEqual       = "equal"
	OpNotEqual    = "notEqual"
	OpContains    = "contains"
	OpNotContains = "notContains"
	OpLarger      = "larger"
	OpSmaller     = "smaller"
	OpIsEmpty     = "isEmpty"
	OpNotEmpty    = "notEmpty"
	OpRegex       = "regex"
)

// ifElse evaluates "value1 operation value2" and routes to output slot 0
// when it holds, slot 1 otherwise. The other slot is left empty so the
// scheduler prunes its branch.
type ifElse struct{}

func (ifElse) Metadata() flow.Metadata {
	return flow.Metadata{
		Name:        IfElse,
		Label:       "If Else",
		Description: "Routes the flow by comparing two values",
		Category:    "Logic",
		Type:        flow.NodeAction,
		Branching:   true,
		Inputs: []flow.Param{
			{Name: "value1", Type: "any"},
			{Name: "operation", Type: "options"},
			{Name: "value2", Type: "any", Optional: true},
		},
		Outputs: []flow.Param{
			{Name: "true", Type: "json"},
			{Name: "false", Type: "json"},
		},
	}
}

func (ifElse) Invoke(_ context.Context, in flow.Invocation) ([]flow.ExecutionData, error) {
	op := stringInput(in.Inputs, "operation")
	if op == "" {
		op = OpEqual
	}
	ok, err := compare(in.Inputs["value1"], op, in.Inputs["value2"])
	if err != nil {
		return nil, err
	}

	taken := copyInputs(in.Inputs)
	taken["result"] = ok
	if ok {
		return []flow.ExecutionData{taken, {}}, nil
	}
	return []flow.ExecutionData{{}, taken}, nil
}

func compare(a any, op string, b any) (bool, error) {
	switch op {
	case OpEqual:
		return equalValues(a, b), nil
	case OpNotEqual:
		return !equalValues(a, b), nil
	case OpContains:
		return contains(a, b), nil
	case OpNotContains:
		return !contains(a, b), nil
	case OpLarger, OpSmaller:
		x, errA := toFloat(a)
		y, errB := toFloat(b)
		if errA != nil || errB != nil {
			return false, fmt.Errorf("%s needs numeric values, got %v and %v", op, a, b)
		}
		if op == OpLarger {
			return x > y, nil
		}
		return x < y, nil
	case OpIsEmpty:
		return isEmpty(a), nil
	case OpNotEmpty:
		return !isEmpty(a), nil
	case OpRegex:
		re, err := regexp.Compile(text(b))
		if err != nil {
			return false, fmt.Errorf("invalid regex: %w", err)
		}
		return re.MatchString(text(a)), nil
	default:
		return false, fmt.Errorf("unknown operation %q", op)
	}
}

func equalValues(a, b any) bool {
	if x, err := toFloat(a); err == nil {
		if y, err := toFloat(b); err == nil {
			return x == y
		}
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	return text(a) == text(b)
}

func contains(a, b any) bool {
	if list, ok := a.([]any); ok {
		for _, item := range list {
			if equalValues(item, b) {
				return true
			}
		}
		return false
	}
	return strings.Contains(text(a), text(b))
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	}
	return false
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	}
	return 0, fmt.Errorf("not a number: %v", v)
}

// text renders v for string comparisons; composite values become JSON.
func text(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	default:
		return fmt.Sprint(val)
	}
}

// setData outputs static or mapped data. When inputs.data is an object it
// becomes the single output item, an array of objects becomes one item per
// element, otherwise every input is output as is.
type setData struct{}

func (setData) Metadata() flow.Metadata {
	return flow.Metadata{
		Name:        SetData,
		Label:       "Set Data",
		Description: "Outputs fixed or mapped values",
		Category:    "Data",
		Type:        flow.NodeAction,
		Inputs:      []flow.Param{{Name: "data", Type: "json", Optional: true}},
	}
}

func (setData) Invoke(_ context.Context, in flow.Invocation) ([]flow.ExecutionData, error) {
	switch data := in.Inputs["data"].(type) {
	case map[string]any:
		return []flow.ExecutionData{copyInputs(data)}, nil
	case []any:
		out := make([]flow.ExecutionData, 0, len(data))
		for _, item := range data {
			m, ok := item.(map[string]any)
			if !ok {
				m = map[string]any{"value": item}
			}
			out = append(out, copyInputs(m))
		}
		return out, nil
	}
	return []flow.ExecutionData{copyInputs(in.Inputs)}, nil
}
