package incident

import (
	"math"
	"regexp"
	"strings"
)

// ETA sources recorded on linked incidents.
const (
	ETASourceDistance  = "distance"
	ETASourceHeuristic = "heuristic"
)

// Heuristic ETAs in minutes by location type.
const (
	HeuristicInterstate  = 25
	HeuristicDowntown    = 12
	HeuristicResidential = 18
	HeuristicDefault     = 15
)

// Location terms match whole words only. Street abbreviations must be
// followed by whitespace or the end so "Dr." naming a physician is skipped.
var (
	interstatePattern  = regexp.MustCompile(`\b(interstate|i-?\d+|highway|hwy|expressway|freeway|mile marker|mm ?\d+)\b`)
	downtownPattern    = regexp.MustCompile(`\b(downtown|monument circle|city center|market st|meridian st)\b`)
	residentialPattern = regexp.MustCompile(`\b(residence|residential|apartments?|apt|house|home|court|lane)\b|\b(dr|ct|ln)(\s|$)`)
)

// EstimateETA converts a road distance into minutes: drive time at the
// average speed, rounded, plus a fixed handling allowance.
func EstimateETA(miles, averageSpeedMPH float64, handlingMinutes int) int {
	if averageSpeedMPH <= 0 {
		averageSpeedMPH = 40
	}
	return int(math.Round(miles/averageSpeedMPH*60)) + handlingMinutes
}

// HeuristicETA classifies the dispatch text by location type and returns a
// fixed ETA with the matched type.
func HeuristicETA(text string) (int, string) {
	t := strings.ToLower(text)
	switch {
	case interstatePattern.MatchString(t):
		return HeuristicInterstate, "interstate"
	case downtownPattern.MatchString(t):
		return HeuristicDowntown, "downtown"
	case residentialPattern.MatchString(t):
		return HeuristicResidential, "residential"
	default:
		return HeuristicDefault, "default"
	}
}
