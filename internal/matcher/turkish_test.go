package matcher

import "testing"

func TestFoldDiacritics(t *testing.T) {
	cases := map[string]string{
		"İstanbul": "istanbul",
		"ISTANBUL": "istanbul",
		"Güle güle": "gule gule",
		"MERHABA":   "merhaba",
		"çşğöü":     "csgou",
	}
	for in, want := range cases {
		if got := FoldDiacritics(in); got != want {
			t.Errorf("FoldDiacritics(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTokenize(t *testing.T) {
	got := tokenize("Merhaba, nasılsın?")
	want := []string{"merhaba", "nasilsin"}
	if len(got) != len(want) {
		t.Fatalf("tokenize() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("tokenize()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
