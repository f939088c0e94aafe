package tts

import "testing"

func TestSplitSentences(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"Hello there. How are you?", []string{"Hello there.", "How are you?"}},
		{"Great!Next one", []string{"Great!", "Next one"}},
		{"line one\nline two", []string{"line one", "line two"}},
		{"  trailing words  ", []string{"trailing words"}},
		{"...", []string{".", ".", "."}},
		{"", nil},
	}
	for _, tc := range cases {
		got := SplitSentences(tc.in)
		if len(got) != len(tc.want) {
			t.Fatalf("len mismatch for %q: got %d want %d", tc.in, len(got), len(tc.want))
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("elem %d mismatch: got %q want %q", i, got[i], tc.want[i])
			}
		}
	}
}
