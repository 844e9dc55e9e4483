package sym

import (
	"testing"
	"unicode/utf8"
)

func TestSymbolsAreSingleRunes(t *testing.T) {
	for _, s := range All {
		if utf8.RuneCountInString(s) != 1 {
			t.Errorf("symbol %q is %d runes, want 1", s, utf8.RuneCountInString(s))
		}
	}
}

func TestSymbolsAreUnique(t *testing.T) {
	seen := make(map[string]bool, len(All))
	for _, s := range All {
		if seen[s] {
			t.Errorf("duplicate symbol %q", s)
		}
		seen[s] = true
	}
}
