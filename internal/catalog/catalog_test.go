package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := New(
		Capability{Name: "list_goals", BlastRadius: BlastRead},
		Capability{Name: "update_goal", BlastRadius: BlastWriteLow, MinTier: TierManager},
		Capability{Name: "terminate_review", BlastRadius: BlastWriteHigh, RequiresApproval: true, MinTier: TierAdmin},
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestCatalog_Visible(t *testing.T) {
	c := testCatalog(t)

	tests := []struct {
		tier Tier
		want []string
	}{
		{TierMember, []string{"list_goals"}},
		{TierManager, []string{"list_goals", "update_goal"}},
		{TierAdmin, []string{"list_goals", "terminate_review", "update_goal"}},
	}
	for _, tt := range tests {
		var got []string
		for _, capability := range c.Visible(tt.tier) {
			got = append(got, capability.Name)
		}
		if strings.Join(got, ",") != strings.Join(tt.want, ",") {
			t.Errorf("Visible(%s) = %v, want %v", tt.tier, got, tt.want)
		}
	}

	if _, ok := c.Lookup("missing"); ok {
		t.Error("Lookup(missing) should fail")
	}
	if capability, ok := c.Lookup("terminate_review"); !ok || !capability.RequiresApproval {
		t.Errorf("Lookup(terminate_review) = %+v, %v", capability, ok)
	}
	if c.Len() != 3 || len(c.Names()) != 3 {
		t.Errorf("Len() = %d", c.Len())
	}
}

func TestNew_Rejects(t *testing.T) {
	tests := []struct {
		name string
		caps []Capability
	}{
		{"empty name", []Capability{{BlastRadius: BlastRead}}},
		{"duplicate", []Capability{{Name: "a", BlastRadius: BlastRead}, {Name: "a", BlastRadius: BlastRead}}},
		{"no blast radius", []Capability{{Name: "a"}}},
		{"bad field type", []Capability{{Name: "a", BlastRadius: BlastRead, Schema: Schema{Fields: []Field{{Name: "x", Type: "date"}}}}}},
	}
	for _, tt := range tests {
		if _, err := New(tt.caps...); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestValidateInput(t *testing.T) {
	schema := Schema{Fields: []Field{
		{Name: "employee_id", Type: TypeString, Required: true},
		{Name: "rating", Type: TypeInteger},
		{Name: "weight", Type: TypeNumber},
		{Name: "notify", Type: TypeBoolean},
		{Name: "tags", Type: TypeArray},
		{Name: "meta", Type: TypeObject},
		{Name: "anything"},
	}}

	valid := map[string]any{
		"employee_id": "e-1",
		"rating":      float64(4),
		"weight":      0.5,
		"notify":      true,
		"tags":        []any{"a"},
		"meta":        map[string]any{"k": "v"},
		"anything":    42,
		"extra":       "ignored",
	}
	if err := ValidateInput(schema, valid); err != nil {
		t.Errorf("valid input rejected: %v", err)
	}

	tests := []struct {
		name  string
		input map[string]any
		want  string
	}{
		{"missing required", map[string]any{}, `missing required field "employee_id"`},
		{"null required", map[string]any{"employee_id": nil}, `missing required field "employee_id"`},
		{"wrong type", map[string]any{"employee_id": 7.0}, `field "employee_id" must be string, got number`},
		{"fractional integer", map[string]any{"employee_id": "e", "rating": 4.5}, `field "rating" must be integer`},
		{"bool as string", map[string]any{"employee_id": "e", "notify": "yes"}, `field "notify" must be boolean`},
	}
	for _, tt := range tests {
		err := ValidateInput(schema, tt.input)
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: err = %v, want ErrInvalidInput", tt.name, err)
			continue
		}
		if !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: err = %q, want it to contain %q", tt.name, err, tt.want)
		}
	}
}

func TestSchema_Describe(t *testing.T) {
	s := Schema{Fields: []Field{{Name: "id", Type: TypeString, Required: true}, {Name: "note"}}}
	if got := s.Describe(); got != "{id: string, note: any?}" {
		t.Errorf("Describe() = %q", got)
	}
}

func TestParseTier(t *testing.T) {
	for in, want := range map[string]Tier{"": TierMember, "Manager": TierManager, "admin": TierAdmin} {
		got, err := ParseTier(in)
		if err != nil || got != want {
			t.Errorf("ParseTier(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseTier("root"); err == nil {
		t.Error("expected error for unknown tier")
	}
}

func TestLoadFile_Webhook(t *testing.T) {
	var got webhookRequest
	var gotKey, gotTenant string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		gotTenant = r.Header.Get("X-Tenant-ID")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if got.Input["employee_id"] == "missing" {
			http.Error(w, "employee not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"goals":[{"id":"g1"}]}`))
	}))
	defer srv.Close()

	t.Setenv("HR_API_KEY", "secret")
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	content := `capabilities:
  - name: list_goals
    description: List goals
    blast_radius: read
    input:
      - {name: employee_id, type: string, required: true}
    webhook:
      url: ` + srv.URL + `
      timeout: 5s
      headers:
        X-Api-Key: ${HR_API_KEY}
  - name: delete_goal
    blast_radius: write_high
    min_tier: manager
  - name: archive_goal
    blast_radius: write_high
    requires_approval: false
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	del, _ := c.Lookup("delete_goal")
	if !del.RequiresApproval || del.MinTier != TierManager {
		t.Errorf("delete_goal = %+v, want approval and manager tier", del)
	}
	archive, _ := c.Lookup("archive_goal")
	if archive.RequiresApproval {
		t.Error("explicit requires_approval: false should win")
	}

	list, _ := c.Lookup("list_goals")
	if list.Invoke == nil {
		t.Fatal("list_goals should have a webhook invoker")
	}
	out, err := list.Invoke(context.Background(), Invocation{
		Tenant: "acme",
		Actor:  Actor{ID: "u-1", TenantID: "acme"},
		Input:  map[string]any{"employee_id": "e-1"},
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if m, ok := out.(map[string]any); !ok || m["goals"] == nil {
		t.Errorf("Invoke() = %#v", out)
	}
	if got.Tool != "list_goals" || got.TenantID != "acme" || got.ActorID != "u-1" {
		t.Errorf("request = %+v", got)
	}
	if gotKey != "secret" || gotTenant != "acme" {
		t.Errorf("headers: key=%q tenant=%q", gotKey, gotTenant)
	}

	_, err = list.Invoke(context.Background(), Invocation{Input: map[string]any{"employee_id": "missing"}})
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("expected 404 error, got %v", err)
	}
}

func TestParse_Errors(t *testing.T) {
	for _, content := range []string{
		"capabilities: [",
		"capabilities:\n  - name: a\n    blast_radius: nuclear\n",
		"capabilities:\n  - name: a\n    blast_radius: read\n    min_tier: god\n",
		"capabilities:\n  - name: a\n    blast_radius: read\n    webhook: {timeout: 5s}\n",
	} {
		if _, err := Parse([]byte(content)); err == nil {
			t.Errorf("Parse(%q) expected error", content)
		}
	}
}

func TestWebhook_ErrorBodyCutOnRuneBoundary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, strings.Repeat("a", 199)+strings.Repeat("é", 10), http.StatusInternalServerError)
	}))
	defer srv.Close()

	wh := &Webhook{URL: srv.URL, Tool: "list_goals"}
	_, err := wh.Invoke(context.Background(), Invocation{})
	if err == nil {
		t.Fatal("expected backend error")
	}
	if !utf8.ValidString(err.Error()) {
		t.Errorf("error is not valid UTF-8: %q", err.Error())
	}
	if !strings.HasSuffix(err.Error(), strings.Repeat("a", 199)+"...") {
		t.Errorf("expected body cut before the multi-byte rune, got %q", err.Error())
	}
}
