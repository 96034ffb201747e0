package signal

import (
	"testing"
	"time"

	"github.com/duderayuh/EMSInsights-sub001/internal/conversation"
)

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	d, err := NewDetector(DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}
	return d
}

func TestEvaluateText(t *testing.T) {
	d := newTestDetector(t)

	tests := []struct {
		name          string
		text          string
		requested     bool
		physician     string
		minConfidence float64
		maxConfidence float64
		fuzzy         bool
		rejected      string
		ambiguous     bool
	}{
		{
			name:          "request with physician",
			text:          "Medic 12 requesting orders, this is Dr. Alvarez",
			requested:     true,
			physician:     "Alvarez",
			minConfidence: 0.9,
			maxConfidence: 1.0,
		},
		{
			name:     "courtesy phrase only",
			text:     "any questions or orders at this time",
			rejected: ReasonCourtesyOnly,
		},
		{
			name:     "courtesy phrases stacked",
			text:     "Thank you. Any questions or orders? Have a good day.",
			rejected: ReasonCourtesyOnly,
		},
		{
			name:     "non-speech marker",
			text:     "[BLANK_AUDIO]",
			rejected: ReasonNonSpeech,
		},
		{
			name:     "repeated markers",
			text:     "[inaudible] [BLANK_AUDIO]",
			rejected: ReasonNonSpeech,
		},
		{
			name:     "empty",
			text:     "   ",
			rejected: ReasonEmpty,
		},
		{
			name:          "misspelled request phrase",
			text:          "medic 4 requesting ordors for the patient",
			requested:     true,
			fuzzy:         true,
			minConfidence: 0.8,
			maxConfidence: 0.8,
		},
		{
			name:          "dotted acronym",
			text:          "we need an S.O.R. on this one",
			requested:     true,
			fuzzy:         true,
			minConfidence: 0.7,
			maxConfidence: 0.7,
		},
		{
			name:          "bare request phrase",
			text:          "signature of release please",
			requested:     true,
			minConfidence: 0.7,
			maxConfidence: 0.7,
		},
		{
			name:          "fuzzy request without context",
			text:          "requestin orderz for this one",
			requested:     true,
			fuzzy:         true,
			minConfidence: 0.7,
			maxConfidence: 0.7,
		},
		{
			name:          "strong clinical context",
			text:          "requesting orders for a patient refusing transport, vitals stable",
			requested:     true,
			minConfidence: 0.9,
			maxConfidence: 0.9,
		},
		{
			name:          "name without request is not promoted",
			text:          "Dr. Patel here, go ahead",
			physician:     "Patel",
			minConfidence: 0.1,
			maxConfidence: 0.1,
		},
		{
			name: "short words never fuzzy match",
			text: "transport for the patient to Methodist",
		},
		{
			name: "routine traffic",
			text: "Engine 5 on scene, two vehicle accident, no injuries",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := d.EvaluateText("conv-1", tt.text)

			if res.Rejected != tt.rejected {
				t.Errorf("Expected rejected=%q, got %q", tt.rejected, res.Rejected)
			}
			if res.IsRequested != tt.requested {
				t.Errorf("Expected requested=%v, got %v (phrase %q)", tt.requested, res.IsRequested, res.MatchedPhrase)
			}
			if res.PhysicianName != tt.physician {
				t.Errorf("Expected physician %q, got %q", tt.physician, res.PhysicianName)
			}
			if res.Confidence < tt.minConfidence || res.Confidence > tt.maxConfidence {
				t.Errorf("Expected confidence in [%.2f, %.2f], got %.4f", tt.minConfidence, tt.maxConfidence, res.Confidence)
			}
			if tt.requested && res.FuzzyMatch != tt.fuzzy {
				t.Errorf("Expected fuzzy=%v, got %v", tt.fuzzy, res.FuzzyMatch)
			}
			if res.Ambiguous != tt.ambiguous {
				t.Errorf("Expected ambiguous=%v, got %v at %.4f", tt.ambiguous, res.Ambiguous, res.Confidence)
			}
			if res.ConversationID != "conv-1" {
				t.Errorf("Expected conversation id to be carried, got %q", res.ConversationID)
			}
		})
	}
}

func TestEvaluateIsIdempotent(t *testing.T) {
	d := newTestDetector(t)
	conv := &conversation.Conversation{
		ID: "conv-9",
		Segments: []conversation.SegmentRef{
			{ID: "s1", Sequence: 1, StartTime: time.Now(), Transcript: &conversation.Transcript{Text: "Medic 12 requesting orders,"}},
			{ID: "s2", Sequence: 2, StartTime: time.Now(), Transcript: &conversation.Transcript{Text: "this is Dr. Alvarez"}},
		},
	}

	first := d.Evaluate(conv)
	for i := 0; i < 5; i++ {
		if again := d.Evaluate(conv); again != first {
			t.Fatalf("Evaluation %d differs: %+v vs %+v", i, again, first)
		}
	}
	if !first.IsRequested || first.PhysicianName != "Alvarez" {
		t.Errorf("Unexpected result %+v", first)
	}
}

func TestAmbiguousBandIsConfigurable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseConfidence = 0.5
	d, err := NewDetector(cfg)
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}

	res := d.EvaluateText("c", "requesting orders")
	if !res.Ambiguous || res.Confidence != 0.5 {
		t.Errorf("Expected ambiguous 0.5, got %+v", res)
	}
	if res.IsRequested {
		t.Error("Ambiguous result must not be promoted to a request")
	}
	if res.MatchedPhrase == "" {
		t.Error("Expected the matched phrase to be reported")
	}
	if res.Outcome() != "ambiguous" {
		t.Errorf("Expected ambiguous outcome, got %s", res.Outcome())
	}
}

func TestNewDetectorValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LowThreshold, cfg.HighThreshold = 0.9, 0.1
	if _, err := NewDetector(cfg); err == nil {
		t.Error("Expected error for inverted thresholds")
	}
}

func TestExtractPhysicianName(t *testing.T) {
	tests := []struct {
		text     string
		expected string
	}{
		{"this is Dr. Alvarez", "Alvarez"},
		{"Doctor Maria Elena Ruiz Gomez speaking", "Maria Elena Ruiz"},
		{"dr. J. Smith on the line", "J Smith"},
		{"Dr. O'Brien, go ahead", "O'Brien"},
		{"the doctor is on the phone", ""},
		{"attending Nguyen approves", "Nguyen"},
		{"Medic 12 to General", ""},
		{"Doctor, can you hear me", ""},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := ExtractPhysicianName(tt.text); got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}
