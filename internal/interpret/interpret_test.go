package interpret

import (
	"encoding/json"
	"reflect"
	"testing"
)

type step struct {
	Tool      string         `json:"tool"`
	Input     map[string]any `json:"input"`
	Rationale string         `json:"rationale"`
}

func TestList_Tiers(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int
	}{
		{"direct", `[{"tool":"a"},{"tool":"b"}]`, 2},
		{"wrapped", `{"steps":[{"tool":"a"}]}`, 1},
		{"fenced", "Here is the plan:\n```json\n[{\"tool\":\"a\"}]\n```\nDone.", 1},
		{"fenced wrapped", "```\n{\"plan\": [{\"tool\":\"a\"},{\"tool\":\"b\"},{\"tool\":\"c\"}]}\n```", 3},
		{"prose around list", `Sure! [{"tool":"a","rationale":"needs [brackets]"}] hope that helps`, 1},
		{"prose around wrapper", `Plan follows {"steps":[{"tool":"x"}]} end`, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := List[step](tt.raw)
			if !ok {
				t.Fatalf("List() failed for %q", tt.raw)
			}
			if len(got) != tt.want {
				t.Errorf("got %d steps, want %d", len(got), tt.want)
			}
		})
	}
}

func TestList_NoResult(t *testing.T) {
	for _, raw := range []string{
		"",
		"I cannot help with that.",
		`{"a":[1],"b":[2]}`,
		`[{"tool": "unterminated"`,
	} {
		if got, ok := List[step](raw); ok {
			t.Errorf("List(%q) = %v, want no result", raw, got)
		}
	}
}

func TestObject_Tiers(t *testing.T) {
	type decision struct {
		Decision string `json:"decision"`
		Reason   string `json:"reason"`
	}

	tests := []struct {
		name string
		raw  string
	}{
		{"direct", `{"decision":"continue","reason":"ok"}`},
		{"fenced", "```json\n{\"decision\":\"continue\",\"reason\":\"ok\"}\n```"},
		{"embedded", `My verdict: {"decision":"continue","reason":"ok"} - thanks`},
		{"brace in string", `note {"decision":"continue","reason":"ok"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Object[decision](tt.raw)
			if !ok {
				t.Fatalf("Object() failed for %q", tt.raw)
			}
			if got.Decision != "continue" || got.Reason != "ok" {
				t.Errorf("got %+v", got)
			}
		})
	}

	if _, ok := Object[decision]("no json here"); ok {
		t.Error("expected no result for prose")
	}
	if _, ok := Object[decision](`[1,2,3]`); ok {
		t.Error("expected no result for list when object expected")
	}
}

func TestRoundTrip(t *testing.T) {
	values := [][]step{
		{{Tool: "list_goals", Input: map[string]any{"employee_id": "e-1"}, Rationale: "look up"}},
		{{Tool: "a"}, {Tool: "b", Input: map[string]any{"n": float64(3), "flag": true}}},
		{{Tool: "quote", Rationale: "contains \"quotes\" and ``` fences? no, {braces}"}},
	}

	for i, want := range values {
		data, err := json.Marshal(want)
		if err != nil {
			t.Fatal(err)
		}

		fenced := "```json\n" + string(data) + "\n```"
		if got, ok := List[step](fenced); !ok || !reflect.DeepEqual(got, want) {
			t.Errorf("case %d fenced: got %v (ok=%v), want %v", i, got, ok, want)
		}

		wrapped := `{"steps":` + string(data) + `}`
		if got, ok := List[step](wrapped); !ok || !reflect.DeepEqual(got, want) {
			t.Errorf("case %d wrapped: got %v (ok=%v), want %v", i, got, ok, want)
		}
	}
}

func TestBalancedSpan(t *testing.T) {
	tests := []struct {
		text string
		open byte
		want string
	}{
		{`abc {"a":{"b":1}} tail`, '{', `{"a":{"b":1}}`},
		{`x ["]", "["] y`, '[', `["]", "["]`},
		{`{ unclosed`, '{', ""},
		{`no brackets`, '[', ""},
		{`[ broken {"ok":true}`, '{', `{"ok":true}`},
	}
	for _, tt := range tests {
		if got := BalancedSpan(tt.text, tt.open); got != tt.want {
			t.Errorf("BalancedSpan(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}
