package powerbi

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// defaultTable is the fact table queries target when no table is named.
const defaultTable = "Sales"

// topNRe captures "top N <things>" requests.
var topNRe = regexp.MustCompile(`(?i)\btop\s+(\d+)\s+(\w+)`)

// measureAliases maps spoken metric names to model measure names.
var measureAliases = map[string]string{
	"revenue":  "Total Revenue",
	"sales":    "Total Sales",
	"profit":   "Total Profit",
	"cost":     "Total Cost",
	"costs":    "Total Cost",
	"orders":   "Order Count",
	"quantity": "Total Quantity",
	"margin":   "Profit Margin",
}

// measureAliasOrder keeps alias matching deterministic when a question
// mentions several metrics.
var measureAliasOrder = []string{
	"revenue", "sales", "profit", "costs", "cost", "orders", "quantity", "margin",
}

// TranslateQuery maps a natural-language question to a DAX query using
// fixed templates. It covers the common aggregate, top-N, and trend shapes;
// anything it cannot match reports ok=false so the caller can fall back to
// the model.
func TranslateQuery(question string) (dax string, ok bool) {
	q := strings.ToLower(strings.TrimSpace(question))
	if q == "" {
		return "", false
	}

	measure := matchMeasure(q)

	if m := topNRe.FindStringSubmatch(q); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 || n > 1000 {
			return "", false
		}
		entity := capitalize(strings.TrimSuffix(m[2], "s"))
		if measure == "" {
			measure = "Total Revenue"
		}
		return fmt.Sprintf(
			"EVALUATE TOPN(%d, SUMMARIZECOLUMNS(%s[%s Name], \"%s\", [%s]), [%s], DESC)",
			n, entity, entity, measure, measure, measure), true
	}

	switch {
	case measure != "" && containsAny(q, "by month", "monthly", "trend", "over time"):
		return fmt.Sprintf(
			"EVALUATE SUMMARIZECOLUMNS('Date'[Year], 'Date'[Month], \"%s\", [%s])",
			measure, measure), true
	case measure != "" && containsAny(q, "by region", "per region"):
		return fmt.Sprintf(
			"EVALUATE SUMMARIZECOLUMNS(Geography[Region], \"%s\", [%s])",
			measure, measure), true
	case measure != "" && containsAny(q, "total", "overall", "what is", "what was", "how much"):
		return fmt.Sprintf("EVALUATE ROW(\"%s\", [%s])", measure, measure), true
	case containsAny(q, "row count", "how many rows", "count of rows"):
		return fmt.Sprintf("EVALUATE ROW(\"Row Count\", COUNTROWS(%s))", defaultTable), true
	}

	return "", false
}

func matchMeasure(q string) string {
	for _, alias := range measureAliasOrder {
		if strings.Contains(q, alias) {
			return measureAliases[alias]
		}
	}
	return ""
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func containsAny(q string, subs ...string) bool {
	for _, s := range subs {
		if strings.Contains(q, s) {
			return true
		}
	}
	return false
}
