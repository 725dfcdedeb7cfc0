package condaversion

import "testing"

func mustParse(t *testing.T, s string) Version {
	t.Helper()
	v, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q): %v", s, err)
	}
	return v
}

func TestCompareOrdering(t *testing.T) {
	// Glossary: "1.0a < 1.0 < 1.0.post1 < 1.1"
	ordered := []string{"1.0a", "1.0", "1.0.post1", "1.1"}
	for i := 0; i < len(ordered)-1; i++ {
		a := mustParse(t, ordered[i])
		b := mustParse(t, ordered[i+1])
		if !Less(a, b) {
			t.Errorf("Less(%q, %q) = false, want true", ordered[i], ordered[i+1])
		}
		if Less(b, a) {
			t.Errorf("Less(%q, %q) = true, want false", ordered[i+1], ordered[i])
		}
	}
}

func TestCompareEqual(t *testing.T) {
	a := mustParse(t, "1.0")
	b := mustParse(t, "1.0")
	if got := Compare(a, b); got != 0 {
		t.Errorf("Compare(1.0, 1.0) = %d, want 0", got)
	}
}

func TestParseSpecFree(t *testing.T) {
	s, err := ParseSpec("")
	if err != nil {
		t.Fatalf("ParseSpec(\"\"): %v", err)
	}
	if !s.IsFree() {
		t.Error("ParseSpec(\"\").IsFree() = false, want true")
	}
	v := mustParse(t, "9.9.9")
	if !s.Match(v) {
		t.Error("a free spec must match any version")
	}
}

func TestParseSpecBareVersionMeansEquals(t *testing.T) {
	s, err := ParseSpec("1.20.0")
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	if !s.Match(mustParse(t, "1.20.0")) {
		t.Error("bare version 1.20.0 must match 1.20.0")
	}
	if s.Match(mustParse(t, "1.20.1")) {
		t.Error("bare version 1.20.0 must not match 1.20.1")
	}
}

func TestParseSpecPrefixMatch(t *testing.T) {
	// "=1.7" is a prefix match on the release segment.
	s, err := ParseSpec("=1.7")
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	if !s.Match(mustParse(t, "1.7.3")) {
		t.Error("=1.7 must match 1.7.3")
	}
	if s.Match(mustParse(t, "1.8.0")) {
		t.Error("=1.7 must not match 1.8.0")
	}
}

func TestParseSpecGlobStarPrefixMatch(t *testing.T) {
	// "1.7.*" is equivalent to "=1.7".
	s, err := ParseSpec("1.7.*")
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	if !s.Match(mustParse(t, "1.7.9")) {
		t.Error("1.7.* must match 1.7.9")
	}
	if s.Match(mustParse(t, "1.8.0")) {
		t.Error("1.7.* must not match 1.8.0")
	}
}

func TestParseSpecRelational(t *testing.T) {
	tests := []struct {
		spec    string
		version string
		want    bool
	}{
		{">=3.7", "3.7.0", true},
		{">=3.7", "3.6.9", false},
		{"<2.0", "1.9.9", true},
		{"<2.0", "2.0.0", false},
		{"!=1.0", "1.1", true},
		{"!=1.0", "1.0", false},
	}
	for _, tt := range tests {
		s, err := ParseSpec(tt.spec)
		if err != nil {
			t.Fatalf("ParseSpec(%q): %v", tt.spec, err)
		}
		got := s.Match(mustParse(t, tt.version))
		if got != tt.want {
			t.Errorf("ParseSpec(%q).Match(%q) = %v, want %v", tt.spec, tt.version, got, tt.want)
		}
	}
}

func TestParseSpecCompatibleRelease(t *testing.T) {
	// "~=X.Y" <=> ">=X.Y,<X+1".
	s, err := ParseSpec("~=1.26.0")
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	if !s.Match(mustParse(t, "1.26.5")) {
		t.Error("~=1.26.0 must match 1.26.5")
	}
	if s.Match(mustParse(t, "1.27.0")) {
		t.Error("~=1.26.0 must not match 1.27.0")
	}
	if s.Match(mustParse(t, "1.25.9")) {
		t.Error("~=1.26.0 must not match 1.25.9")
	}
}

func TestParseSpecAndOr(t *testing.T) {
	// "," binds tighter than "|".
	s, err := ParseSpec(">=1.0,<2.0|3.0")
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	if !s.Match(mustParse(t, "1.5")) {
		t.Error("must match 1.5 via the first AND-group")
	}
	if !s.Match(mustParse(t, "3.0")) {
		t.Error("must match 3.0 via the second OR branch")
	}
	if s.Match(mustParse(t, "2.5")) {
		t.Error("must not match 2.5 (outside both branches)")
	}
}

func TestParseSpecRoundTrip(t *testing.T) {
	inputs := []string{">=3.7", "1.7.*", "~=1.26.0", ">=1.0,<2.0|3.0"}
	for _, in := range inputs {
		s, err := ParseSpec(in)
		if err != nil {
			t.Fatalf("ParseSpec(%q): %v", in, err)
		}
		reparsed, err := ParseSpec(s.String())
		if err != nil {
			t.Fatalf("ParseSpec(%q) [round-trip of %q]: %v", s.String(), in, err)
		}
		// Semantic equivalence: every version used in the matching tests
		// above must agree between the original and the round-tripped spec.
		for _, v := range []string{"1.0", "1.5", "1.7.3", "1.8.0", "1.26.5", "1.27.0", "2.0", "3.0", "3.7.0"} {
			ver := mustParse(t, v)
			if s.Match(ver) != reparsed.Match(ver) {
				t.Errorf("round-trip mismatch for %q at version %q: orig=%v reparsed=%q", in, v, s.Match(ver), reparsed.String())
			}
		}
	}
}
