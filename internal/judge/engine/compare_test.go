package engine

import "testing"

func TestOutputsMatch(t *testing.T) {
	cases := []struct {
		name     string
		actual   string
		expected string
		want     bool
	}{
		{"exact", "hello", "hello", true},
		{"trailing whitespace", "hello\n", "hello", true},
		{"leading whitespace", "  42", "42", true},
		{"plain mismatch", "hello", "world", false},
		{"json spacing", "[0, 1]", "[0,1]", true},
		{"json object key order", `{"a":1,"b":2}`, `{"b": 2, "a": 1}`, true},
		{"json nested", `[[1,2],[3,4]]`, `[[1, 2], [3, 4]]`, true},
		{"json value mismatch", "[0,1]", "[0,2]", false},
		{"non-json fallback", "a b", "a  b", false},
		{"number vs string", `1`, `"1"`, false},
		{"empty both", "", "", true},
		{"empty vs value", "", "0", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := outputsMatch(tc.actual, tc.expected); got != tc.want {
				t.Fatalf("outputsMatch(%q, %q) = %v, want %v", tc.actual, tc.expected, got, tc.want)
			}
		})
	}
}
