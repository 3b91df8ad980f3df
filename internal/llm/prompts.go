package llm

import (
	"fmt"
	"strings"
	"time"
)

// BuildSystemPrompt tailors the system message to the selected tier: terse
// instructions for nano, progressively richer guidance up to full.
func BuildSystemPrompt(vc VariantConfig, datasetName string, opts SelectOptions, now time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, `You are Seekapa Copilot, an AI assistant specialized in the %s analytics dataset.

Model: %s (optimized for %s)
Time: %s

Instructions:
- Focus on %s business metrics and KPIs
- Provide accurate, concise responses
- Use **bold** for key findings
- Keep responses within %d tokens`,
		datasetName, vc.Deployment, vc.UseCase,
		now.Format("2006-01-02 15:04:05"),
		datasetName, vc.MaxTokens)

	switch vc.Variant {
	case VariantNano:
		b.WriteString("\n- Provide brief, direct answers\n- Focus on single key insight")
	case VariantMini:
		b.WriteString("\n- Provide balanced analysis\n- Include 2-3 key insights with context")
	case VariantChat:
		b.WriteString("\n- Engage conversationally\n- Ask clarifying questions when helpful")
	case VariantFull:
		b.WriteString("\n- Provide comprehensive analysis\n- Include detailed insights and recommendations")
	}

	if opts.RealTime {
		b.WriteString("\n- Prioritize speed over comprehensiveness")
	}
	if opts.HighAccuracy {
		b.WriteString("\n- Ensure maximum accuracy and detail")
	}
	return b.String()
}
