package socketauth

import "testing"

func TestRootID(t *testing.T) {
	cases := []struct {
		qualified string
		want      string
	}{
		{"/a#XYZ", "XYZ"},
		{"/b#XYZ", "XYZ"},
		{"/nested/name#abc123", "abc123"},
		// Delimiter absent: the whole string is its own root.
		{"XYZ", "XYZ"},
		{"", ""},
		// Multiple delimiters: the suffix after the last one wins.
		{"/weird#ns#XYZ", "XYZ"},
		// Trailing delimiter yields an empty root.
		{"/a#", ""},
	}

	for _, tc := range cases {
		if got := RootID(tc.qualified); got != tc.want {
			t.Errorf("RootID(%q) = %q, want %q", tc.qualified, got, tc.want)
		}
	}
}

func TestParseTimeout(t *testing.T) {
	if d, err := ParseTimeout("none"); err != nil || d != NoTimeout {
		t.Fatalf("ParseTimeout(none) = %v, %v", d, err)
	}
	if d, err := ParseTimeout("1500ms"); err != nil || d.Milliseconds() != 1500 {
		t.Fatalf("ParseTimeout(1500ms) = %v, %v", d, err)
	}
	if _, err := ParseTimeout("soon"); err == nil {
		t.Fatal("expected error for malformed duration")
	}
	if _, err := ParseTimeout("-1s"); err == nil {
		t.Fatal("expected error for negative duration")
	}
}
