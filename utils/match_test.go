package utils

import "testing"

func TestMatchLiteral(t *testing.T) {
	if !Match("res:read", "res:read") {
		t.Fatalf("literal pattern should match itself")
	}
	if Match("res:read", "res:write") {
		t.Fatalf("literal pattern should not match a different value")
	}
}

func TestMatchWildcard(t *testing.T) {
	cases := []struct {
		pattern string
		value   string
		want    bool
	}{
		{"*", "anything", true},
		{"*", "", true},
		{"db:*", "db:read", true},
		{"db:*", "cache:read", false},
		{"res:*:settings", "res:team-1:settings", true},
		{"res:*:settings", "res:team-1:members", false},
		{"a*c*e", "abcde", true},
		{"a*c*e", "ace", true},
		{"a*c*e", "abde", false},
		// regex metacharacters in the pattern are literals
		{"res.read", "resxread", false},
		{"res.read", "res.read", true},
		{"res[1]", "res[1]", true},
	}
	for _, c := range cases {
		if got := Match(c.pattern, c.value); got != c.want {
			t.Errorf("Match(%q, %q) = %v, want %v", c.pattern, c.value, got, c.want)
		}
	}
}

func TestMatchAny(t *testing.T) {
	patterns := []string{"db:read", "cache:*"}
	if !MatchAny(patterns, "cache:flush") {
		t.Fatalf("expected cache:* to match cache:flush")
	}
	if MatchAny(patterns, "db:write") {
		t.Fatalf("db:write should not match")
	}
	if MatchAny(nil, "anything") {
		t.Fatalf("empty pattern list matches nothing")
	}
}

func TestMatchCacheReuse(t *testing.T) {
	// same wildcard pattern twice exercises the compiled-pattern cache
	for i := 0; i < 3; i++ {
		if !Match("svc:*:op", "svc:x:op") {
			t.Fatalf("cached pattern stopped matching on iteration %d", i)
		}
	}
}
