// Package llm implements the model router: per-request variant selection,
// dispatch to the deployment endpoint, streaming, response caching, latency
// tracking, and cost accounting. The router never returns an error to its
// caller; failures produce a deterministic fallback reply and are recorded.
package llm

import (
	"time"

	"github.com/seekapa/copilot/internal/analyzer"
)

// Variant names one of the four model tiers.
type Variant string

const (
	VariantNano Variant = "nano"
	VariantMini Variant = "mini"
	VariantChat Variant = "chat"
	VariantFull Variant = "full"
)

// VariantConfig is the fixed per-tier configuration. The set is built at
// startup and never mutates.
type VariantConfig struct {
	Variant          Variant
	Deployment       string
	MaxTokens        int
	TargetLatency    time.Duration
	CostWeight       float64
	UseCase          string
	Temperature      float64
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
}

// defaultDeployments maps tiers to deployment names when the config does not
// override them.
var defaultDeployments = map[Variant]string{
	VariantNano: "gpt-5-nano",
	VariantMini: "gpt-5-mini",
	VariantChat: "gpt-5-chat",
	VariantFull: "gpt-5",
}

// buildVariants assembles the tier table. deployments and temperatures may
// override per-tier values; the tier only supports temperature 1.0 upstream,
// so overrides exist for forward compatibility.
func buildVariants(deployments map[string]string, temperatures map[string]float64) map[Variant]VariantConfig {
	out := map[Variant]VariantConfig{
		VariantNano: {
			Variant: VariantNano, MaxTokens: 1024,
			TargetLatency: 500 * time.Millisecond, CostWeight: 0.1,
			UseCase: "simple_factual", Temperature: 1.0,
			TopP: 0.8, FrequencyPenalty: 0.2, PresencePenalty: 0.1,
		},
		VariantMini: {
			Variant: VariantMini, MaxTokens: 2048,
			TargetLatency: time.Second, CostWeight: 0.25,
			UseCase: "balanced_analysis", Temperature: 1.0,
			TopP: 0.9, FrequencyPenalty: 0.1, PresencePenalty: 0.1,
		},
		VariantChat: {
			Variant: VariantChat, MaxTokens: 2048,
			TargetLatency: 1500 * time.Millisecond, CostWeight: 0.4,
			UseCase: "conversational", Temperature: 1.0,
			TopP: 0.95, FrequencyPenalty: 0.1, PresencePenalty: 0.15,
		},
		VariantFull: {
			Variant: VariantFull, MaxTokens: 272000,
			TargetLatency: 3 * time.Second, CostWeight: 1.0,
			UseCase: "complex_analysis", Temperature: 1.0,
			TopP: 0.95, FrequencyPenalty: 0.05, PresencePenalty: 0.1,
		},
	}

	for v, cfg := range out {
		cfg.Deployment = defaultDeployments[v]
		if d, ok := deployments[string(v)]; ok && d != "" {
			cfg.Deployment = d
		}
		if t, ok := temperatures[string(v)]; ok && t > 0 {
			cfg.Temperature = t
		}
		out[v] = cfg
	}
	return out
}

// SelectOptions carries the caller-supplied routing hints.
type SelectOptions struct {
	Preferred    Variant // explicit override, wins over everything
	HighAccuracy bool
	RealTime     bool
}

// tierOrder runs cheapest to most capable, for downgrades.
var tierOrder = []Variant{VariantNano, VariantMini, VariantChat, VariantFull}

func downgrade(v Variant) Variant {
	for i, t := range tierOrder {
		if t == v && i > 0 {
			return tierOrder[i-1]
		}
	}
	return v
}

// SelectVariant applies the routing rules in order, first match wins:
// small prompts go to the cheap tiers outright, larger prompts route by
// classified complexity, an explicit preference overrides everything, and
// real-time requests drop one tier unless the query is advanced.
func SelectVariant(promptTokens int, level analyzer.Level, indicatorCount int, opts SelectOptions) (Variant, bool) {
	if opts.Preferred != "" {
		if _, ok := defaultDeployments[opts.Preferred]; ok {
			return opts.Preferred, false
		}
	}

	var v Variant
	switch {
	case promptTokens <= 512:
		v = VariantNano
	case promptTokens <= 1536:
		v = VariantMini
	default:
		switch level {
		case analyzer.LevelSimple:
			v = VariantNano
		case analyzer.LevelMedium:
			v = VariantMini
			if opts.HighAccuracy {
				v = VariantChat
			}
		case analyzer.LevelComplex:
			v = VariantChat
			if indicatorCount >= 2 {
				v = VariantFull
			}
		case analyzer.LevelAdvanced:
			v = VariantFull
		default:
			// Unclassifiable input is treated as medium.
			v = VariantMini
		}
	}

	if opts.RealTime && level != analyzer.LevelAdvanced {
		if d := downgrade(v); d != v {
			return d, true
		}
	}
	return v, false
}
