package extractor

import (
	"strings"
	"unicode"

	"github.com/RadhiFadlillah/whatlanggo"
)

// minDetectionConfidence is the floor below which DetectLanguage reports no
// detection rather than guess at low confidence.
const minDetectionConfidence = 0.1

// DetectLanguage runs language detection on extracted body text, returning
// an ISO 639-1 code or "" when confidence is too low to be useful.
func DetectLanguage(body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}
	info := whatlanggo.Detect(body)
	if info.Confidence < minDetectionConfidence {
		return ""
	}
	return info.Lang.Iso6391()
}

// QualityConfig bounds what counts as a usable extraction (spec §4.4.1).
type QualityConfig struct {
	MinWords            int
	MaxNonAlnumShare    float64
	MinUniqueTokenShare float64
}

func DefaultQualityConfig() QualityConfig {
	return QualityConfig{MinWords: 60, MaxNonAlnumShare: 0.5, MinUniqueTokenShare: 0.04}
}

// PassesQualityGate rejects bodies that are too short, mostly punctuation,
// or dominated by repeated boilerplate/navigation tokens.
func PassesQualityGate(body string, cfg QualityConfig) bool {
	body = strings.TrimSpace(body)
	if body == "" {
		return false
	}

	words := strings.Fields(body)
	if len(words) < cfg.MinWords {
		return false
	}

	var alnum, total int
	for _, r := range body {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			alnum++
		}
	}
	if total > 0 && float64(total-alnum)/float64(total) > cfg.MaxNonAlnumShare {
		return false
	}

	seen := make(map[string]bool, len(words))
	for _, w := range words {
		seen[strings.ToLower(w)] = true
	}
	uniqueShare := float64(len(seen)) / float64(len(words))
	return uniqueShare >= cfg.MinUniqueTokenShare
}
