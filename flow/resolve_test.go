package flow

import (
	"reflect"
	"testing"
)

func TestResolveVariables(t *testing.T) {
	results := Results{
		"llm_0": {{"text": "hello", "count": 3, "meta": map[string]any{"author": "ann"}}},
		"files": {{"list": []any{"a.txt", "b.txt"}}},
		"multi": {{"v": "x"}, {"v": "y"}},
		"ids":   {{"big": int64(1<<60 + 1), "neg": int64(-(1 << 60) - 3)}},
	}
	vars := map[string]any{"question": "why?"}

	tests := []struct {
		name   string
		inputs map[string]any
		want   []map[string]any
	}{
		{
			name:   "whole string reference keeps type",
			inputs: map[string]any{"n": "{{llm_0.count}}"},
			want:   []map[string]any{{"n": float64(3)}},
		},
		{
			name:   "embedded reference becomes text",
			inputs: map[string]any{"prompt": "Say {{ llm_0.text }} {{llm_0.count}} times"},
			want:   []map[string]any{{"prompt": "Say hello 3 times"}},
		},
		{
			name:   "sub path",
			inputs: map[string]any{"who": "{{llm_0.meta.author}}", "first": "{{files.list.0}}"},
			want:   []map[string]any{{"who": "ann", "first": "a.txt"}},
		},
		{
			name:   "run variable",
			inputs: map[string]any{"q": "{{question}}", "msg": "Q: {{question}}"},
			want:   []map[string]any{{"q": "why?", "msg": "Q: why?"}},
		},
		{
			name:   "large integers keep precision",
			inputs: map[string]any{"id": "{{ids.big}}", "label": "id-{{ids.big}}", "neg": "{{ids.neg}}"},
			want: []map[string]any{{
				"id":    int64(1152921504606846977),
				"label": "id-1152921504606846977",
				"neg":   int64(-1152921504606846979),
			}},
		},
		{
			name:   "unresolved references stay literal",
			inputs: map[string]any{"a": "{{nobody.text}}", "b": "x {{llm_0.missing}} y", "c": "{{unknownVar}}"},
			want:   []map[string]any{{"a": "{{nobody.text}}", "b": "x {{llm_0.missing}} y", "c": "{{unknownVar}}"}},
		},
		{
			name:   "non string values pass through",
			inputs: map[string]any{"n": 5, "b": true, "nil": nil},
			want:   []map[string]any{{"n": 5, "b": true, "nil": nil}},
		},
		{
			name:   "nested values resolve without fan out",
			inputs: map[string]any{"body": map[string]any{"files": "{{files.list}}", "t": "{{llm_0.text}}"}},
			want:   []map[string]any{{"body": map[string]any{"files": []any{"a.txt", "b.txt"}, "t": "hello"}}},
		},
		{
			name:   "array fans out",
			inputs: map[string]any{"file": "{{files.list}}", "k": "static"},
			want: []map[string]any{
				{"file": "a.txt", "k": "static"},
				{"file": "b.txt", "k": "static"},
			},
		},
		{
			name:   "several items are addressed element wise",
			inputs: map[string]any{"v": "{{multi.v}}"},
			want:   []map[string]any{{"v": "x"}, {"v": "y"}},
		},
		{
			name:   "no inputs yields one empty map",
			inputs: nil,
			want:   []map[string]any{{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveVariables(tt.inputs, results, vars)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ResolveVariables() = %#v\nwant %#v", got, tt.want)
			}
		})
	}
}

func TestResolveVariables_EmptyArrayDoesNotFanOut(t *testing.T) {
	results := Results{"empty": {{"list": []any{}}}}
	got := ResolveVariables(map[string]any{"l": "{{empty.list}}"}, results, nil)

	if len(got) != 1 {
		t.Fatalf("got %d variants, want 1", len(got))
	}
	if arr, ok := got[0]["l"].([]any); !ok || len(arr) != 0 {
		t.Errorf("l = %#v, want empty array", got[0]["l"])
	}
}

func TestResolveVariables_CartesianProduct(t *testing.T) {
	results := Results{
		"a": {{"l": []any{"a1", "a2"}}},
		"b": {{"l": []any{"b1", "b2", "b3"}}},
	}
	got := ResolveVariables(map[string]any{"y": "{{b.l}}", "x": "{{a.l}}"}, results, nil)

	if len(got) != 6 {
		t.Fatalf("got %d variants, want 6", len(got))
	}
	// Fields fan out in name order: x is the outer loop.
	if got[0]["x"] != "a1" || got[0]["y"] != "b1" {
		t.Errorf("first variant = %v", got[0])
	}
	if got[1]["x"] != "a1" || got[1]["y"] != "b2" {
		t.Errorf("second variant = %v", got[1])
	}
	if got[5]["x"] != "a2" || got[5]["y"] != "b3" {
		t.Errorf("last variant = %v", got[5])
	}
}

func TestResolveVariables_DoesNotMutateInputs(t *testing.T) {
	inputs := map[string]any{
		"t":    "{{a.text}}",
		"deep": map[string]any{"t": "{{a.text}}"},
	}
	results := Results{"a": {{"text": "resolved"}}}

	_ = ResolveVariables(inputs, results, nil)

	if inputs["t"] != "{{a.text}}" {
		t.Errorf("top-level input mutated: %v", inputs["t"])
	}
	if inputs["deep"].(map[string]any)["t"] != "{{a.text}}" {
		t.Errorf("nested input mutated: %v", inputs["deep"])
	}
}
