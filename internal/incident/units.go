package incident

import (
	"regexp"
	"strconv"
)

// unitRule maps a unit pattern to its canonical name.
type unitRule struct {
	pattern *regexp.Regexp
	name    string
}

// Rules are evaluated in order; the first match wins.
var unitRules = []unitRule{
	{regexp.MustCompile(`(?i)\bmedic\s*#?\s*(\d{1,4})\b`), "Medic"},
	{regexp.MustCompile(`(?i)\bambulance\s*#?\s*(\d{1,4})\b`), "Ambulance"},
	{regexp.MustCompile(`(?i)\bems\s*#?\s*(\d{1,4})\b`), "EMS"},
	{regexp.MustCompile(`(?i)\bengine\s*#?\s*(\d{1,4})\b`), "Engine"},
	{regexp.MustCompile(`(?i)\bsquad\s*#?\s*(\d{1,4})\b`), "Squad"},
	{regexp.MustCompile(`(?i)\btruck\s*#?\s*(\d{1,4})\b`), "Truck"},
	{regexp.MustCompile(`(?i)\brescue\s*#?\s*(\d{1,4})\b`), "Rescue"},
	{regexp.MustCompile(`(?i)\b(?:battalion|chief)\s*#?\s*(\d{1,4})\b`), "Battalion"},
	{regexp.MustCompile(`(?i)\bunit\s*#?\s*(\d{1,4})\b`), "Unit"},
}

// ExtractUnit returns the normalized unit identifier named in text, for
// example "Medic 12" for "MEDIC 012 responding".
func ExtractUnit(text string) (string, bool) {
	for _, rule := range unitRules {
		m := rule.pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		return rule.name + " " + strconv.Itoa(n), true
	}
	return "", false
}
