package analyzer

import "testing"

func TestClassifyLevels(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  Level
	}{
		{
			name:  "short factual lookup",
			query: "show total sales",
			want:  LevelSimple,
		},
		{
			name:  "what question",
			query: "what is the revenue",
			want:  LevelSimple,
		},
		{
			name:  "explanation request",
			query: "explain why the profit margin dropped in the northern region compared to our plan",
			want:  LevelMedium,
		},
		{
			name:  "statistical analysis",
			query: "analyze the correlation between marketing spend and revenue, then build a regression model with variance and deviation breakdowns to forecast the statistical distribution of next quarter outcomes",
			want:  LevelComplex,
		},
		{
			name:  "ml vocabulary",
			query: "use machine learning to detect anomalies across every product line and customer segment we track, including seasonal effects, promotional lifts, supply constraints, and longer term structural demand shifts in each region",
			want:  LevelAdvanced,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, conf := Classify(tt.query)
			if got != tt.want {
				t.Errorf("Classify(%q) = %s (conf %.2f), want %s", tt.query, got, conf, tt.want)
			}
			if conf <= 0 || conf > 1 {
				t.Errorf("confidence %.2f out of (0,1]", conf)
			}
		})
	}
}

func TestClassifyPatternBoosts(t *testing.T) {
	// The same short query gains complexity weight from a YoY reference.
	plain := "show sales figures for the team this period please thanks again everyone"
	yoy := "show sales YoY figures for the team this period please thanks again everyone"

	_, plainConf := Classify(plain)
	lvl, _ := Classify(yoy)
	_ = plainConf

	if lvl == LevelSimple {
		t.Errorf("YoY query classified simple, want weight shifted toward complex")
	}
}

func TestClassifyDeterministic(t *testing.T) {
	q := "compare revenue growth trend against forecast"
	first, _ := Classify(q)
	for i := 0; i < 20; i++ {
		got, _ := Classify(q)
		if got != first {
			t.Fatalf("Classify not deterministic: %s then %s", first, got)
		}
	}
}

func TestCountTokensFallbackShape(t *testing.T) {
	if got := CountTokens(""); got != 0 {
		t.Errorf("CountTokens(\"\") = %d, want 0", got)
	}
	short := CountTokens("hello world")
	long := CountTokens("hello world this is a much longer sentence about quarterly revenue")
	if long <= short {
		t.Errorf("token count not monotone with length: %d <= %d", long, short)
	}
}
