// Package reasoning decides how extracted records get logically validated:
// through a provider-side reasoning guardrail when one is provisioned and
// ready, otherwise through local fallback rules.
package reasoning

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/joseph-ayodele/timecard-processor/internal/repository"
)

// Settings keys controlling guardrail availability.
const (
	KeyStatus           = "automated_reasoning_status"
	KeyGuardrailID      = "automated_reasoning_guardrail_id"
	KeyGuardrailVersion = "automated_reasoning_guardrail_version"

	StatusReady    = "ready"
	StatusCreating = "creating"
	StatusFailed   = "failed"
)

// Guardrail identifies a provisioned reasoning guardrail.
type Guardrail struct {
	ID      string
	Version string
}

// ActiveGuardrail reads the guardrail settings and reports whether a ready
// guardrail should be attached to extraction calls. A guardrail that exists
// but is still provisioning is not used yet. Lookup errors degrade to "no
// guardrail" so an outage here never blocks the pipeline.
func ActiveGuardrail(ctx context.Context, settings repository.SettingsStore, logger *slog.Logger) (Guardrail, bool) {
	if logger == nil {
		logger = slog.Default()
	}
	status := stringSetting(ctx, settings, KeyStatus)
	id := stringSetting(ctx, settings, KeyGuardrailID)
	version := stringSetting(ctx, settings, KeyGuardrailVersion)
	if version == "" {
		version = "DRAFT"
	}

	switch {
	case id != "" && status == StatusReady:
		logger.Debug("reasoning guardrail active", "guardrail_id", id, "version", version)
		return Guardrail{ID: id, Version: version}, true
	case id != "" && status == StatusCreating:
		logger.Debug("reasoning guardrail still provisioning, using fallback validation")
	default:
		logger.Debug("no reasoning guardrail available", "status", status)
	}
	return Guardrail{}, false
}

func stringSetting(ctx context.Context, settings repository.SettingsStore, key string) string {
	raw, err := settings.GetSetting(ctx, key)
	if err != nil || len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
