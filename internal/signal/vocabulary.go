package signal

// nonSpeechMarkers are whole transcripts the recognizer emits for non-speech audio.
var nonSpeechMarkers = []string{
	"[blank_audio]",
	"[blank audio]",
	"[inaudible]",
	"[music]",
	"[noise]",
	"[silence]",
	"[static]",
	"(static)",
	"(inaudible)",
	"(silence)",
	"...",
}

// courtesyPhrases are routine radio closings that mention orders without requesting them.
// Longer phrases come first so they are stripped before their prefixes.
var courtesyPhrases = []string{
	"any questions or orders at this time",
	"any further questions or orders",
	"any questions or orders",
	"no further orders at this time",
	"no further orders",
	"no orders at this time",
	"no other orders",
	"thank you very much",
	"thank you",
	"thanks",
	"have a good day",
	"have a good one",
	"copy that",
}

// requestPhrases indicate a release or authorization request.
var requestPhrases = []string{
	"requesting orders",
	"request orders",
	"requesting an sor",
	"requesting a sor",
	"requesting sor",
	"need an sor",
	"sor",
	"signature of release",
	"statement of release",
	"release of responsibility",
	"medical release",
	"requesting a signature",
	"request a signature",
	"need a signature",
	"requesting signoff",
	"requesting sign off",
	"refusing transport",
	"refusal of transport",
	"against medical advice",
	"ama",
	"requesting authorization",
	"treatment authorization",
	"requesting permission",
	"requesting online medical control",
	"online medical control",
}

// acronymMisspellings are recognizer spellings of the SOR acronym, matched exactly.
var acronymMisspellings = []string{
	"s o r",
	"s or",
	"so r",
	"soar",
	"s o are",
	"es o r",
	"sor s",
}

// physicianTitles introduce a physician name. Tokens are compared lowercased
// with surrounding punctuation removed.
var physicianTitles = map[string]bool{
	"doctor":    true,
	"dr":        true,
	"doc":       true,
	"physician": true,
	"provider":  true,
	"attending": true,
}

// nameStopWords are capitalized tokens that never belong to a name.
var nameStopWords = map[string]bool{
	"the": true, "this": true, "that": true, "is": true, "on": true, "here": true,
	"speaking": true, "with": true, "from": true, "at": true, "and": true, "or": true,
	"medic": true, "ambulance": true, "engine": true, "unit": true, "squad": true,
	"rescue": true, "hospital": true, "er": true, "ed": true, "please": true,
	"ok": true, "okay": true, "yes": true, "no": true, "i": true, "we": true,
	"you": true, "copy": true, "go": true, "ahead": true, "requesting": true,
	"orders": true, "thanks": true, "thank": true,
}

// contextTerms are clinical words that raise confidence when they accompany a request.
var contextTerms = []string{
	"patient",
	"vitals",
	"blood pressure",
	"transport",
	"refusal",
	"refusing",
	"refuses",
	"alert and oriented",
	"capacity",
	"competent",
	"signed",
	"witness",
	"medic",
	"ambulance",
	"en route",
	"family",
}

// RequestPhrases returns the request vocabulary, used to bias speech recognition.
func RequestPhrases() []string {
	return append([]string(nil), requestPhrases...)
}
