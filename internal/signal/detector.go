package signal

import (
	"fmt"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/duderayuh/EMSInsights-sub001/internal/conversation"
)

// Rejection reasons
const (
	ReasonEmpty        = "empty"
	ReasonNonSpeech    = "non_speech"
	ReasonCourtesyOnly = "courtesy_only"
)

// Config contains detection weights and thresholds
type Config struct {
	BaseConfidence       float64
	NameWithRequestBonus float64
	NameOnlyBonus        float64
	ContextBonus         float64
	StrongContextBonus   float64
	ContextStrongCount   int
	MaxEditDistance      int
	MinFuzzyLength       int
	LowThreshold         float64
	HighThreshold        float64
}

// DefaultConfig returns the standard weights
func DefaultConfig() Config {
	return Config{
		BaseConfidence:       0.7,
		NameWithRequestBonus: 0.3,
		NameOnlyBonus:        0.1,
		ContextBonus:         0.1,
		StrongContextBonus:   0.2,
		ContextStrongCount:   3,
		MaxEditDistance:      2,
		MinFuzzyLength:       8,
		LowThreshold:         0.4,
		HighThreshold:        0.7,
	}
}

// Result is the outcome of evaluating one conversation.
type Result struct {
	ConversationID string  `json:"conversationId"`
	IsRequested    bool    `json:"isRequested"`
	PhysicianName  string  `json:"physicianName,omitempty"`
	Confidence     float64 `json:"confidence"`
	Ambiguous      bool    `json:"ambiguous"`
	MatchedPhrase  string  `json:"matchedPhrase,omitempty"`
	FuzzyMatch     bool    `json:"fuzzyMatch"`
	ContextMatches int     `json:"contextMatches"`
	Rejected       string  `json:"rejected,omitempty"`
}

// Outcome labels the result for metrics and logs.
func (r Result) Outcome() string {
	switch {
	case r.Rejected != "":
		return "rejected"
	case r.Ambiguous:
		return "ambiguous"
	case r.IsRequested:
		return "requested"
	case r.PhysicianName != "":
		return "physician_only"
	default:
		return "none"
	}
}

type phrase struct {
	text  string
	words int
	runes int
}

// Detector evaluates transcripts. It holds only immutable tables and is safe
// for concurrent use.
type Detector struct {
	config   Config
	requests []phrase
	acronyms []string
	courtesy []string
	context  []string
}

// NewDetector compiles the phrase tables
func NewDetector(config Config) (*Detector, error) {
	if config.LowThreshold > config.HighThreshold {
		return nil, fmt.Errorf("low threshold %f exceeds high threshold %f", config.LowThreshold, config.HighThreshold)
	}
	if config.ContextStrongCount < 1 {
		return nil, fmt.Errorf("context strong count must be at least 1")
	}

	d := &Detector{config: config}
	for _, p := range requestPhrases {
		n := normalize(p)
		d.requests = append(d.requests, phrase{
			text:  n,
			words: len(strings.Fields(n)),
			runes: utf8.RuneCountInString(n),
		})
	}
	for _, p := range acronymMisspellings {
		d.acronyms = append(d.acronyms, normalize(p))
	}
	for _, p := range courtesyPhrases {
		d.courtesy = append(d.courtesy, normalize(p))
	}
	for _, p := range contextTerms {
		d.context = append(d.context, normalize(p))
	}
	return d, nil
}

// Evaluate scores the joined transcript text of a conversation.
func (d *Detector) Evaluate(conv *conversation.Conversation) Result {
	return d.EvaluateText(conv.ID, conv.Text())
}

// EvaluateText scores free text.
func (d *Detector) EvaluateText(conversationID, text string) Result {
	result := Result{ConversationID: conversationID}

	if strings.TrimSpace(text) == "" {
		result.Rejected = ReasonEmpty
		return result
	}
	if isNonSpeech(text) {
		result.Rejected = ReasonNonSpeech
		return result
	}

	stripped := d.stripCourtesy(normalize(text))
	if stripped == "" {
		result.Rejected = ReasonCourtesyOnly
		return result
	}

	result.IsRequested, result.MatchedPhrase, result.FuzzyMatch = d.matchRequest(stripped)
	result.PhysicianName = ExtractPhysicianName(text)

	var confidence float64
	switch {
	case result.IsRequested:
		confidence = d.config.BaseConfidence
		if result.PhysicianName != "" {
			confidence += d.config.NameWithRequestBonus
		}
		result.ContextMatches = d.countContext(stripped)
		switch {
		case result.ContextMatches >= d.config.ContextStrongCount:
			confidence += d.config.StrongContextBonus
		case result.ContextMatches > 0:
			confidence += d.config.ContextBonus
		}
	case result.PhysicianName != "":
		// a name alone never promotes to a request
		confidence = d.config.NameOnlyBonus
	}

	result.Confidence = clamp(confidence)
	result.Ambiguous = result.Confidence >= d.config.LowThreshold && result.Confidence < d.config.HighThreshold
	if result.Ambiguous {
		// surfaced through MatchedPhrase and Ambiguous only; callers pick the threshold
		result.IsRequested = false
	}
	return result
}

// matchRequest tries exact phrases, then acronym misspellings, then edit distance.
func (d *Detector) matchRequest(text string) (bool, string, bool) {
	padded := " " + text + " "
	for _, p := range d.requests {
		if strings.Contains(padded, " "+p.text+" ") {
			return true, p.text, false
		}
	}

	for _, a := range d.acronyms {
		if strings.Contains(padded, " "+a+" ") {
			return true, a, true
		}
	}

	if d.config.MaxEditDistance <= 0 {
		return false, "", false
	}

	words := strings.Fields(text)
	for _, p := range d.requests {
		if p.runes < d.config.MinFuzzyLength || p.words > len(words) {
			continue
		}
		for i := 0; i+p.words <= len(words); i++ {
			window := strings.Join(words[i:i+p.words], " ")
			if levenshtein.ComputeDistance(window, p.text) <= d.config.MaxEditDistance {
				return true, window, true
			}
		}
	}

	return false, "", false
}

func (d *Detector) stripCourtesy(text string) string {
	padded := " " + text + " "
	for _, c := range d.courtesy {
		needle := " " + c + " "
		for strings.Contains(padded, needle) {
			padded = strings.ReplaceAll(padded, needle, " ")
		}
	}
	return strings.Join(strings.Fields(padded), " ")
}

func (d *Detector) countContext(text string) int {
	padded := " " + text + " "
	n := 0
	for _, term := range d.context {
		if strings.Contains(padded, " "+term+" ") {
			n++
		}
	}
	return n
}

func isNonSpeech(text string) bool {
	rest := strings.ToLower(text)
	for _, marker := range nonSpeechMarkers {
		rest = strings.ReplaceAll(rest, marker, " ")
	}
	return strings.TrimSpace(rest) == ""
}

// normalize lowercases and replaces everything but letters and digits with
// single spaces, so "S.O.R." becomes "s o r" and "sign-off" becomes "sign off".
func normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := true
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// clamp bounds v to [0,1] and rounds to four decimals so weight sums land on
// their threshold values exactly.
func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return math.Round(v*1e4) / 1e4
}
