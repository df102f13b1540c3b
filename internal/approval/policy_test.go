package approval

import "testing"

func TestPolicyMatches(t *testing.T) {
	p, err := NewPolicy([]string{"describe_*", "{list,get}_assets"})
	if err != nil {
		t.Fatalf("NewPolicy() error = %v", err)
	}

	tests := []struct {
		tool    string
		want    bool
		pattern string
	}{
		{"describe_asset", true, "describe_*"},
		{"list_assets", true, "{list,get}_assets"},
		{"delete_asset", false, ""},
		{"", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			pattern, ok := p.Matches(tt.tool)
			if ok != tt.want || pattern != tt.pattern {
				t.Errorf("Matches(%q) = %q, %v", tt.tool, pattern, ok)
			}
		})
	}
}

func TestPolicyInvalidPattern(t *testing.T) {
	if _, err := NewPolicy([]string{"[unclosed"}); err == nil {
		t.Error("expected an error for an invalid glob")
	}
}

func TestNilPolicyMatchesNothing(t *testing.T) {
	var p *Policy
	if _, ok := p.Matches("anything"); ok {
		t.Error("nil policy should match nothing")
	}
	if p.Patterns() != nil {
		t.Error("nil policy has no patterns")
	}
}
