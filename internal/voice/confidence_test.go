package voice

import (
	"math"
	"testing"
)

func TestConfidence(t *testing.T) {
	cases := []struct {
		text string
		want float64
	}{
		{"", 0},
		{"hi", 0.5},
		{"yes please", 0.5},
		{"what is the weather", 0.6},
		{"What is the capital of France.", 1.0},
		{"tell me about the history of the roman empire please.", 1.0},
		{"ok.", 0.7},
	}
	for _, tc := range cases {
		if got := Confidence(tc.text); math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("Confidence(%q) = %.2f, want %.2f", tc.text, got, tc.want)
		}
	}
}

func TestShouldStartTTS(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"It is sunny.", true},
		{"Really?", true},
		{"Wow!", true},
		{"It is sunny", false},
		{"well, yes", false},
		{"first of all, let me say", true},
		{"one two three four five", false},
	}
	for _, tc := range cases {
		if got := ShouldStartTTS(tc.text); got != tc.want {
			t.Fatalf("ShouldStartTTS(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestPrefixCompatible(t *testing.T) {
	cases := []struct {
		interim, final string
		want           bool
	}{
		{"", "anything", true},
		{"what is the", "what is the weather", true},
		{"what is the weather", "what is the weather", true},
		{"tell me about", "what is the weather", false},
	}
	for _, tc := range cases {
		if got := prefixCompatible(tc.interim, tc.final); got != tc.want {
			t.Fatalf("prefixCompatible(%q, %q) = %v, want %v", tc.interim, tc.final, got, tc.want)
		}
	}
}
