package voice

import (
	"testing"
	"time"

	"github.com/dialvox/dialvox/internal/store"
)

func TestNewVoicemailDetector_DisabledReturnsNil(t *testing.T) {
	t.Parallel()

	if d := newVoicemailDetector(store.VoicemailConfig{}, time.Now()); d != nil {
		t.Errorf("detector = %+v, want nil", d)
	}
}

func TestVoicemailDetector_ExactKeywordHit(t *testing.T) {
	t.Parallel()

	start := time.Now()
	d := newVoicemailDetector(store.VoicemailConfig{Enabled: true}, start)

	conf, hit := d.Check("you have reached the mailbox of", start.Add(time.Second))
	if !hit || conf != 1.0 {
		t.Errorf("Check = %v, %v, want 1.0, true", conf, hit)
	}
}

func TestVoicemailDetector_HumanGreetingScoresZero(t *testing.T) {
	t.Parallel()

	start := time.Now()
	d := newVoicemailDetector(store.VoicemailConfig{Enabled: true}, start)

	conf, hit := d.Check("hello who is this", start.Add(time.Second))
	if hit || conf != 0 {
		t.Errorf("Check = %v, %v, want 0, false", conf, hit)
	}
}

func TestVoicemailDetector_WindowExpires(t *testing.T) {
	t.Parallel()

	start := time.Now()
	d := newVoicemailDetector(store.VoicemailConfig{Enabled: true}, start)

	if _, hit := d.Check("please leave a message", start.Add(2*time.Second)); !hit {
		t.Error("inside the default window, want hit")
	}
	if conf, hit := d.Check("please leave a message", start.Add(4*time.Second)); hit || conf != 0 {
		t.Errorf("outside the window = %v, %v, want 0, false", conf, hit)
	}

	// A wider configured window keeps late finals eligible.
	wide := newVoicemailDetector(store.VoicemailConfig{Enabled: true, MinDetectionTime: 10}, start)
	if _, hit := wide.Check("please leave a message", start.Add(4*time.Second)); !hit {
		t.Error("inside the configured window, want hit")
	}
}

func TestVoicemailDetector_FuzzyMatchSurvivesSTTNoise(t *testing.T) {
	t.Parallel()

	start := time.Now()
	d := newVoicemailDetector(store.VoicemailConfig{
		Enabled:  true,
		Keywords: []string{"leave a message"},
	}, start)

	// STT hears "massage" for "message"; Jaro-Winkler still rates the
	// window far above the fuzzy floor.
	conf, hit := d.Check("leave a massage", start.Add(time.Second))
	if !hit {
		t.Fatalf("Check = %v, %v, want hit", conf, hit)
	}
	if conf <= 0.9 || conf >= 1.0 {
		t.Errorf("confidence = %v, want fuzzy score in (0.9, 1.0)", conf)
	}
}

func TestVoicemailDetector_MultipleKeywordsSaturate(t *testing.T) {
	t.Parallel()

	start := time.Now()
	d := newVoicemailDetector(store.VoicemailConfig{Enabled: true}, start)

	conf, hit := d.Check("please leave a message after the beep", start.Add(time.Second))
	if !hit || conf != 1.0 {
		t.Errorf("Check = %v, %v, want saturated 1.0, true", conf, hit)
	}
}

func TestVoicemailDetector_ThresholdRespected(t *testing.T) {
	t.Parallel()

	start := time.Now()
	d := newVoicemailDetector(store.VoicemailConfig{
		Enabled:             true,
		Keywords:            []string{"leave a message"},
		ConfidenceThreshold: 0.98,
	}, start)

	// The fuzzy score (~0.97) stays under a strict threshold; an exact
	// phrase still clears it.
	if conf, hit := d.Check("leave a massage", start.Add(time.Second)); hit {
		t.Errorf("fuzzy score %v cleared threshold 0.98", conf)
	}
	if _, hit := d.Check("please leave a message now", start.Add(time.Second)); !hit {
		t.Error("exact phrase rejected by threshold 0.98")
	}
}
