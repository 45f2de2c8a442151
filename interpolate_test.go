package iam

import (
	"reflect"
	"testing"
)

func TestInterpolate(t *testing.T) {
	vars := map[string]string{"db": "orders", VarUserID: "u-1"}
	cases := []struct {
		pattern string
		want    string
	}{
		{"res:${db}:*", "res:orders:*"},
		{"res:${iam:userId}/files", "res:u-1/files"},
		{"no placeholders", "no placeholders"},
		// unresolved tokens stay verbatim
		{"res:${missing}:x", "res:${missing}:x"},
		{"${db}${db}", "ordersorders"},
	}
	for _, c := range cases {
		if got := Interpolate(c.pattern, vars); got != c.want {
			t.Errorf("Interpolate(%q) = %q, want %q", c.pattern, got, c.want)
		}
	}
}

func TestInterpolateStatementsDoesNotMutate(t *testing.T) {
	orig := []Statement{{
		Effect:   EffectAllow,
		Action:   ValueSet{"read"},
		Resource: ValueSet{"res:${db}:*"},
	}}
	out := InterpolateStatements(orig, map[string]string{"db": "orders"})
	if out[0].Resource[0] != "res:orders:*" {
		t.Fatalf("expected substitution, got %q", out[0].Resource[0])
	}
	if orig[0].Resource[0] != "res:${db}:*" {
		t.Fatalf("input statements were mutated: %q", orig[0].Resource[0])
	}
}

func TestMergeVariablesContextWins(t *testing.T) {
	instance := map[string]string{"db": "orders", VarUserID: "spoofed"}
	context := map[string]string{VarUserID: "u-1"}
	merged := MergeVariables(instance, context)
	if merged[VarUserID] != "u-1" {
		t.Fatalf("context must win on collision, got %q", merged[VarUserID])
	}
	if merged["db"] != "orders" {
		t.Fatalf("instance binding lost")
	}
}

func TestPolicyVariables(t *testing.T) {
	p := &Policy{
		ID:      "p-1",
		Version: "2026-01-01",
		Name:    "db access",
		Statements: []Statement{
			{Effect: EffectAllow, Action: ValueSet{"read"}, Resource: ValueSet{"res:${db}:${table}"}},
			{Effect: EffectAllow, Action: ValueSet{"write"}, Resource: ValueSet{"res:${db}:audit", "home:${iam:userId}/*"}},
		},
	}
	got := PolicyVariables(p)
	want := []string{"db", "table"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("PolicyVariables = %v, want %v", got, want)
	}
}

func TestPolicyVariablesNone(t *testing.T) {
	p := &Policy{
		ID:      "p-2",
		Version: "1",
		Name:    "static",
		Statements: []Statement{
			{Effect: EffectAllow, Action: ValueSet{"read"}, Resource: ValueSet{"res:static"}},
		},
	}
	if got := PolicyVariables(p); len(got) != 0 {
		t.Fatalf("expected no variables, got %v", got)
	}
}
