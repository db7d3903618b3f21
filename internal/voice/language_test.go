package voice

import (
	"testing"
	"time"
)

func TestBaseTag(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"hi-IN", "hi"},
		{"EN", "en"},
		{"pt-BR", "pt"},
		{"ta", "ta"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := baseTag(tt.in); got != tt.want {
			t.Errorf("baseTag(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsIndianLanguage(t *testing.T) {
	t.Parallel()

	for _, tag := range []string{"hi", "hi-IN", "ta", "BN", "te-IN"} {
		if !isIndianLanguage(tag) {
			t.Errorf("isIndianLanguage(%q) = false, want true", tag)
		}
	}
	for _, tag := range []string{"en", "en-US", "es", ""} {
		if isIndianLanguage(tag) {
			t.Errorf("isIndianLanguage(%q) = true, want false", tag)
		}
	}
}

func TestLanguageName(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"hi", "Hindi"},
		{"hi-IN", "Hindi"},
		{"en-US", "English"},
		{"xx", "xx"},
	}
	for _, tt := range tests {
		if got := languageName(tt.in); got != tt.want {
			t.Errorf("languageName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLanguageTracker_FirstSwitchIsCheap(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tr := newLanguageTracker("en")

	sw, ok := tr.Observe("hi-IN", 0.75, now)
	if !ok {
		t.Fatal("first observation at 0.75 did not switch")
	}
	if sw.From != "en" || sw.To != "hi" || sw.Confidence != 0.75 {
		t.Errorf("switch = %+v", sw)
	}
	if tr.Current() != "hi" {
		t.Errorf("Current() = %q, want hi", tr.Current())
	}
}

func TestLanguageTracker_LaterSwitchesNeedStrongEvidence(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tr := newLanguageTracker("en")

	// The allowance is consumed even when nothing switches.
	if _, ok := tr.Observe("en", 0.99, now); ok {
		t.Fatal("same language switched")
	}
	if _, ok := tr.Observe("hi", 0.80, now); ok {
		t.Fatal("0.80 cleared the later threshold")
	}
	if _, ok := tr.Observe("hi", 0.85, now); ok {
		t.Fatal("threshold is strict, 0.85 must not switch")
	}
	sw, ok := tr.Observe("hi", 0.90, now)
	if !ok || sw.To != "hi" {
		t.Fatalf("0.90 did not switch: %+v, %v", sw, ok)
	}
}

func TestLanguageTracker_EmptyTagKeepsAllowance(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tr := newLanguageTracker("en")

	if _, ok := tr.Observe("", 0.99, now); ok {
		t.Fatal("empty tag switched")
	}
	// Still the first judged utterance, so the cheap threshold applies.
	if _, ok := tr.Observe("hi", 0.75, now); !ok {
		t.Fatal("first real observation at 0.75 did not switch")
	}
}

func TestLanguageTracker_RegionVariantIsNotASwitch(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tr := newLanguageTracker("hi")

	if _, ok := tr.Observe("hi-IN", 0.99, now); ok {
		t.Error("region variant of the active language switched")
	}
	if tr.Current() != "hi" {
		t.Errorf("Current() = %q, want hi", tr.Current())
	}
}
