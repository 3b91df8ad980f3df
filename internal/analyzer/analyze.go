package analyzer

import (
	"fmt"
	"regexp"
	"strings"
)

// TimeRef is a time expression found in a query.
type TimeRef struct {
	Text string `json:"text"`
	Type string `json:"type"`
	Pos  int    `json:"pos"`
}

// Analysis is the structured breakdown of a query.
type Analysis struct {
	Query                string              `json:"query"`
	Intents              []string            `json:"intents"`
	TimeRefs             []TimeRef           `json:"time_refs"`
	Metrics              []string            `json:"metrics"`
	Entities             map[string][]string `json:"entities"`
	RequiresCalculation  bool                `json:"requires_calculation"`
	ComplexityIndicators []string            `json:"complexity_indicators"`
}

type timePattern struct {
	re  *regexp.Regexp
	typ string
}

var timePatterns = []timePattern{
	{regexp.MustCompile(`(?i)\b(last|past)\s+(\d+)\s+(day|week|month|year)s?\b`), "relative_time"},
	{regexp.MustCompile(`(?i)\b(this|current)\s+(week|month|quarter|year)\b`), "current_period"},
	{regexp.MustCompile(`(?i)\b(YTD|MTD|QTD|YoY|MoM|QoQ)\b`), "time_comparison"},
	{regexp.MustCompile(`(?i)\b(january|february|march|april|may|june|july|august|september|october|november|december)\b`), "month"},
	{regexp.MustCompile(`(?i)\b(Q[1-4])\s+\d{4}\b`), "quarter_year"},
	{regexp.MustCompile(`\b\d{4}\b`), "year"},
}

var metricKeywords = []string{
	"revenue", "sales", "profit", "cost", "expense", "margin",
	"growth", "volume", "quantity", "amount", "total", "average",
	"count", "sum", "percentage", "rate", "ratio",
}

var intentKeywords = map[string][]string{
	"comparison":  {"compare", "versus", "vs", "difference", "against"},
	"trend":       {"trend", "pattern", "over time", "timeline", "historical"},
	"ranking":     {"top", "bottom", "best", "worst", "highest", "lowest", "rank"},
	"aggregation": {"total", "sum", "average", "mean", "median", "count"},
	"detail":      {"breakdown", "detail", "drill down", "by", "per", "each"},
	"forecast":    {"forecast", "predict", "projection", "estimate", "future"},
}

// intentOrder keeps intent detection deterministic.
var intentOrder = []string{"comparison", "trend", "ranking", "aggregation", "detail", "forecast"}

var calculationIndicators = []string{
	"calculate", "compute", "what is", "how much", "how many",
	"total", "average", "sum", "percentage", "growth rate",
}

var heavyAnalysisKeywords = []string{"correlation", "regression", "forecast", "model", "predict"}

var quotedRe = regexp.MustCompile(`"([^"]*)"`)

// Analyze extracts intents, time references, metric mentions, entities, and
// complexity indicators from a query.
func Analyze(query string) Analysis {
	lower := strings.ToLower(query)

	a := Analysis{
		Query:               query,
		Intents:             detectIntents(lower),
		TimeRefs:            extractTimeRefs(query),
		Metrics:             extractMetrics(lower),
		Entities:            extractEntities(query),
		RequiresCalculation: containsAny(lower, calculationIndicators),
	}
	a.ComplexityIndicators = complexityIndicators(lower, a)
	return a
}

func detectIntents(lower string) []string {
	var intents []string
	for _, intent := range intentOrder {
		if containsAny(lower, intentKeywords[intent]) {
			intents = append(intents, intent)
		}
	}
	if len(intents) == 0 {
		if strings.Contains(lower, "?") {
			intents = append(intents, "question")
		} else {
			intents = append(intents, "general")
		}
	}
	return intents
}

func extractTimeRefs(query string) []TimeRef {
	var refs []TimeRef
	for _, tp := range timePatterns {
		for _, loc := range tp.re.FindAllStringIndex(query, -1) {
			refs = append(refs, TimeRef{
				Text: query[loc[0]:loc[1]],
				Type: tp.typ,
				Pos:  loc[0],
			})
		}
	}
	return refs
}

func extractMetrics(lower string) []string {
	var found []string
	for _, m := range metricKeywords {
		if strings.Contains(lower, m) {
			found = append(found, m)
		}
	}
	return found
}

func extractEntities(query string) map[string][]string {
	lower := strings.ToLower(query)
	entities := map[string][]string{}

	if quoted := quotedRe.FindAllStringSubmatch(query, -1); len(quoted) > 0 {
		for _, m := range quoted {
			entities["dimensions"] = append(entities["dimensions"], m[1])
		}
	}
	if strings.Contains(lower, "product") {
		entities["dimensions"] = append(entities["dimensions"], "product")
	}
	if strings.Contains(lower, "customer") {
		entities["dimensions"] = append(entities["dimensions"], "customer")
	}
	if strings.Contains(lower, "region") || strings.Contains(lower, "location") {
		entities["dimensions"] = append(entities["dimensions"], "region")
	}
	return entities
}

func complexityIndicators(lower string, a Analysis) []string {
	var indicators []string

	if n := len(a.Metrics); n > 2 {
		indicators = append(indicators, fmt.Sprintf("multiple_metrics_%d", n))
	}
	if n := len(a.TimeRefs); n > 1 {
		indicators = append(indicators, fmt.Sprintf("multiple_time_periods_%d", n))
	}
	for _, kw := range heavyAnalysisKeywords {
		if strings.Contains(lower, kw) {
			indicators = append(indicators, "complex_analysis_"+kw)
		}
	}
	if len(strings.Fields(lower)) > 30 {
		indicators = append(indicators, "long_query")
	}
	return indicators
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
