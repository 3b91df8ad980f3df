package workflow

import (
	"time"

	"github.com/google/uuid"
)

// predefinedDefinitions returns the workflows registered at boot: the daily
// dataset refresh, the weekly report, the threshold alert, and the
// event-driven analysis.
func predefinedDefinitions() []*Definition {
	now := time.Now()

	return []*Definition{
		{
			ID:       uuid.NewString(),
			Name:     "dataset_refresh",
			Kind:     KindRefresh,
			Trigger:  TriggerScheduled,
			Schedule: "0 6 * * *",
			Config: map[string]any{
				"schedule":                "0 6 * * *",
				"retry_on_failure":        true,
				"max_retries":             3,
				"notification_on_failure": true,
				"timeout_minutes":         30,
			},
			Enabled:        true,
			RetryOnFailure: true,
			MaxRetries:     3,
			CreatedAt:      now,
		},
		{
			ID:       uuid.NewString(),
			Name:     "weekly_report",
			Kind:     KindReport,
			Trigger:  TriggerScheduled,
			Schedule: "0 8 * * 1",
			Config: map[string]any{
				"schedule":         "0 8 * * 1",
				"report_types":     []string{"executive_summary", "kpi_dashboard"},
				"format":           "pdf",
				"include_insights": true,
			},
			Enabled:    true,
			MaxRetries: 3,
			CreatedAt:  now,
		},
		{
			ID:      uuid.NewString(),
			Name:    "performance_alerts",
			Kind:    KindAlert,
			Trigger: TriggerChange,
			Config: map[string]any{
				"event_keys": []string{"data_anomaly_detected", "cost_threshold_exceeded"},
				"thresholds": map[string]float64{
					"revenue_drop_percent":  15,
					"cost_increase_percent": 20,
					"anomaly_score":         0.8,
				},
				"notification_channels": []string{"email", "teams"},
			},
			Enabled:    true,
			MaxRetries: 3,
			CreatedAt:  now,
		},
		{
			ID:      uuid.NewString(),
			Name:    "data_analysis",
			Kind:    KindAnalysis,
			Trigger: TriggerEvent,
			Config: map[string]any{
				"event_keys":     []string{"analysis_requested", "refresh_complete"},
				"analysis_types": []string{"trend", "anomaly", "forecast"},
				"output_format":  "executive_summary",
				"cache_results":  true,
			},
			Enabled:    true,
			MaxRetries: 3,
			CreatedAt:  now,
		},
	}
}

// defaultSubscriptions seeds the notification fan-out keys. Endpoints are
// registered at runtime via Subscribe.
func defaultSubscriptions() map[string][]string {
	return map[string][]string{
		"refresh_complete":        nil,
		"data_anomaly_detected":   nil,
		"report_complete":         nil,
		"analysis_complete":       nil,
		"workflow_failed":         nil,
		"cost_threshold_exceeded": nil,
	}
}
