package analyzer

import (
	"reflect"
	"testing"
)

func TestAnalyzeIntents(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"comparison", "compare revenue versus last year", []string{"comparison"}},
		{"ranking", "top 10 customers by revenue", []string{"ranking", "detail"}},
		{"forecast", "forecast sales for next quarter", []string{"forecast"}},
		{"question fallback", "is the dashboard up?", []string{"question"}},
		{"general fallback", "dashboard status", []string{"general"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Analyze(tt.query)
			if !reflect.DeepEqual(got.Intents, tt.want) {
				t.Errorf("Intents = %v, want %v", got.Intents, tt.want)
			}
		})
	}
}

func TestAnalyzeTimeRefs(t *testing.T) {
	a := Analyze("compare revenue for Q1 2024 against the last 3 months YoY")

	types := map[string]bool{}
	for _, ref := range a.TimeRefs {
		types[ref.Type] = true
	}
	for _, want := range []string{"quarter_year", "relative_time", "time_comparison"} {
		if !types[want] {
			t.Errorf("missing time ref type %q in %v", want, a.TimeRefs)
		}
	}
}

func TestAnalyzeMetricsAndCalculation(t *testing.T) {
	a := Analyze("what is the total revenue and average margin")
	if !a.RequiresCalculation {
		t.Error("RequiresCalculation = false, want true")
	}

	found := map[string]bool{}
	for _, m := range a.Metrics {
		found[m] = true
	}
	for _, want := range []string{"revenue", "total", "average", "margin"} {
		if !found[want] {
			t.Errorf("metric %q not extracted from %v", want, a.Metrics)
		}
	}
}

func TestAnalyzeComplexityIndicators(t *testing.T) {
	a := Analyze("build a regression model to predict revenue, sales, profit and margin for this year and the last 2 years")

	hasIndicator := func(s string) bool {
		for _, ind := range a.ComplexityIndicators {
			if ind == s {
				return true
			}
		}
		return false
	}
	if !hasIndicator("complex_analysis_regression") {
		t.Errorf("missing regression indicator: %v", a.ComplexityIndicators)
	}
	if !hasIndicator("complex_analysis_predict") {
		t.Errorf("missing predict indicator: %v", a.ComplexityIndicators)
	}
	if !hasIndicator("multiple_metrics_4") {
		t.Errorf("missing multiple metrics indicator: %v", a.ComplexityIndicators)
	}
}

func TestAnalyzeQuotedEntities(t *testing.T) {
	a := Analyze(`show sales for "Widget Pro" by region`)
	dims := a.Entities["dimensions"]

	hasDim := func(s string) bool {
		for _, d := range dims {
			if d == s {
				return true
			}
		}
		return false
	}
	if !hasDim("Widget Pro") {
		t.Errorf("quoted entity not extracted: %v", dims)
	}
	if !hasDim("region") {
		t.Errorf("region dimension not extracted: %v", dims)
	}
}
