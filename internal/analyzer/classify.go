package analyzer

import (
	"regexp"
	"strings"
)

// Level is a query complexity class.
type Level string

const (
	LevelSimple   Level = "simple"
	LevelMedium   Level = "medium"
	LevelComplex  Level = "complex"
	LevelAdvanced Level = "advanced"
)

// rank orders levels from least to most complex, used for tie-breaking.
var rank = map[Level]int{
	LevelSimple:   0,
	LevelMedium:   1,
	LevelComplex:  2,
	LevelAdvanced: 3,
}

var complexKeywords = []string{
	"analyze", "compare", "forecast", "predict", "trend",
	"correlation", "regression", "model", "statistical",
	"variance", "deviation", "distribution", "hypothesis",
	"optimize", "strategy", "recommendation", "insight",
}

var simpleKeywords = []string{
	"what", "when", "where", "count", "total", "sum",
	"how many", "list", "show", "get", "find", "name",
}

var mediumKeywords = []string{
	"explain", "describe", "why", "how", "summarize",
	"overview", "breakdown", "detail", "calculate",
}

var (
	timeComparisonRe = regexp.MustCompile(`(?i)\b(YoY|QoQ|MoM|YTD|MTD)\b`)
	queryLanguageRe  = regexp.MustCompile(`(?i)\b(DAX|SQL|query|formula)\b`)
	mlVocabularyRe   = regexp.MustCompile(`\b(machine learning|AI|deep learning|neural)\b`)
)

// Classify scores the query against keyword families, length bands, and
// structural patterns and returns the winning complexity level together with
// its normalized confidence share. Ties break toward the higher level.
func Classify(query string) (Level, float64) {
	lower := strings.ToLower(query)
	wordCount := len(strings.Fields(query))
	tokenCount := CountTokens(query)

	scores := map[Level]float64{}

	complexMatches := countMatches(lower, complexKeywords)
	if complexMatches > 0 {
		scores[LevelComplex] += float64(complexMatches) * 0.3
		if complexMatches > 3 {
			scores[LevelAdvanced] += float64(complexMatches-3) * 0.2
		}
	}
	if n := countMatches(lower, simpleKeywords); n > 0 {
		scores[LevelSimple] += float64(n) * 0.4
	}
	if n := countMatches(lower, mediumKeywords); n > 0 {
		scores[LevelMedium] += float64(n) * 0.35
	}

	switch {
	case wordCount < 10:
		scores[LevelSimple] += 0.3
	case wordCount < 25:
		scores[LevelMedium] += 0.3
	case wordCount < 50:
		scores[LevelComplex] += 0.3
	default:
		scores[LevelAdvanced] += 0.4
	}

	switch {
	case tokenCount < 20:
		scores[LevelSimple] += 0.2
	case tokenCount < 50:
		scores[LevelMedium] += 0.2
	case tokenCount < 100:
		scores[LevelComplex] += 0.2
	default:
		scores[LevelAdvanced] += 0.3
	}

	if timeComparisonRe.MatchString(query) {
		scores[LevelComplex] += 0.3
	}
	if queryLanguageRe.MatchString(query) {
		scores[LevelComplex] += 0.2
	}
	if mlVocabularyRe.MatchString(lower) {
		scores[LevelAdvanced] += 0.4
	}

	var total float64
	for _, s := range scores {
		total += s
	}
	if total > 0 {
		for k := range scores {
			scores[k] /= total
		}
	}

	best := LevelSimple
	bestScore := scores[LevelSimple]
	for _, lvl := range []Level{LevelMedium, LevelComplex, LevelAdvanced} {
		if scores[lvl] >= bestScore {
			best = lvl
			bestScore = scores[lvl]
		}
	}
	return best, bestScore
}

func countMatches(query string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if strings.Contains(query, kw) {
			n++
		}
	}
	return n
}
