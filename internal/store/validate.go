package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"killfeed/internal/tracker"
)

// ErrConfigurationError marks a malformed Tracker or Webhook configuration:
// rejected at save time, never reached at runtime.
var ErrConfigurationError = errors.New("configuration error")

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterStructValidation(validateTracker, tracker.Tracker{})
	})
	return validate
}

// validateTracker enforces the config-time rejections:
// require_max_jumps/require_max_distance require origin_solar_system to be
// set, and exclude_npc_kills/require_npc_kills are mutually exclusive.
func validateTracker(sl validator.StructLevel) {
	t := sl.Current().Interface().(tracker.Tracker)

	if t.OriginSolarSystemID == nil {
		if t.RequireMaxJumps != nil {
			sl.ReportError(t.RequireMaxJumps, "RequireMaxJumps", "RequireMaxJumps", "requires_origin", "")
		}
		if t.RequireMaxDistance != nil {
			sl.ReportError(t.RequireMaxDistance, "RequireMaxDistance", "RequireMaxDistance", "requires_origin", "")
		}
	}
	if t.ExcludeNPCKills && t.RequireNPCKills {
		sl.ReportError(t.RequireNPCKills, "RequireNPCKills", "RequireNPCKills", "mutually_exclusive", "")
	}
	if t.Webhook == "" {
		sl.ReportError(t.Webhook, "Webhook", "Webhook", "required", "")
	}
}

// ValidateTracker runs the config-time checks and returns a wrapped
// ErrConfigurationError describing the first violation, or nil if t is
// well-formed.
func ValidateTracker(t tracker.Tracker) error {
	if err := validatorInstance().Struct(t); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigurationError, err)
	}
	return nil
}
