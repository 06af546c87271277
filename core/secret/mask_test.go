package secret

import (
	"strings"
	"testing"
)

func TestMask(t *testing.T) {
	cases := map[string]string{
		"":       "",
		"abc":    "***",
		"abcdef": "a****f",
	}
	for in, want := range cases {
		if got := Mask(in); got != want {
			t.Fatalf("Mask(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMaskLongSecret(t *testing.T) {
	in := "sk-0123456789abcdefghij"
	got := Mask(in)
	if len(got) != len(in) {
		t.Fatalf("length changed: %q", got)
	}
	if !strings.HasPrefix(got, "sk-") || got[len(got)-1] != 'j' {
		t.Fatalf("ends not preserved: %q", got)
	}
	if strings.Count(got, "*") != len(in)-4 {
		t.Fatalf("middle not masked: %q", got)
	}
}
