// Package settings seeds and reads the persisted key-value configuration.
package settings

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/joseph-ayodele/timecard-processor/internal/common"
	"github.com/joseph-ayodele/timecard-processor/internal/repository"
)

// Defaults returns the initial settings document. Existing keys are never
// overwritten by seeding, so operator changes survive restarts.
func Defaults(cfg *common.Config) map[string]any {
	return map[string]any{
		// Job processing
		"max_concurrent_jobs":  cfg.Worker.MaxConcurrent,
		"default_job_priority": 2,
		"enable_notifications": true,

		// Provider configuration
		"aws_region":       cfg.LLM.Region,
		"bedrock_model_id": cfg.LLM.ModelID,

		// Data management
		"auto_cleanup_enabled": true,
		"cleanup_after_days":   cfg.Worker.CleanupDays,

		// Compliance
		"federal_minimum_wage":           cfg.Compliance.FederalMinimumWage,
		"overtime_threshold_hours":       cfg.Compliance.OvertimeThresholdHours,
		"salary_exempt_threshold_weekly": cfg.Compliance.SalaryExemptWeekly,
		"max_recommended_hours_weekly":   cfg.Compliance.MaxWeeklyHours,

		"validation_rules": map[string]any{
			"daily_rate_minimum_check": true,
			"excessive_hours_flagging": true,
			"salary_exempt_validation": true,
			"human_review_triggers":    true,
		},
		"review_triggers": map[string]any{
			"rate_below_federal_minimum":    true,
			"more_than_60_hours_week":       true,
			"high_daily_rates_threshold":    cfg.Compliance.HighDailyRateThreshold,
			"salary_exempt_excessive_hours": true,
		},
	}
}

// Seed writes each default that is not already present.
func Seed(ctx context.Context, store repository.SettingsStore, cfg *common.Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for key, value := range Defaults(cfg) {
		existing, err := store.GetSetting(ctx, key)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return common.WrapError(err, "encode default setting "+key)
		}
		if err := store.SetSetting(ctx, key, raw); err != nil {
			return err
		}
		logger.Info("initialized default setting", "key", key)
	}
	return nil
}
