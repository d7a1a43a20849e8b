package validation

import (
	"strings"
	"time"

	admiterrors "github.com/vnykmshr/admit/pkg/common/errors"
)

// ValidatePositive validates that an integer value is positive (> 0).
func ValidatePositive(module, field string, value int) error {
	if value <= 0 {
		return admiterrors.NewValidationError(module, field, value, "must be positive").
			WithHint("value must be greater than 0")
	}
	return nil
}

// ValidateNonNegativeInt validates that an integer value is >= 0.
func ValidateNonNegativeInt(module, field string, value int) error {
	if value < 0 {
		return admiterrors.NewValidationError(module, field, value, "cannot be negative").
			WithHint("use 0 or a positive value")
	}
	return nil
}

// ValidateNonNegative validates that a numeric value is non-negative (>= 0).
func ValidateNonNegative(module, field string, value float64) error {
	if value < 0 {
		return admiterrors.NewValidationError(module, field, value, "cannot be negative").
			WithHint("use 0 to disable or a positive value")
	}
	return nil
}

// ValidatePositiveFloat validates that a float64 value is positive (> 0).
func ValidatePositiveFloat(module, field string, value float64) error {
	if value <= 0 {
		return admiterrors.NewValidationError(module, field, value, "must be positive").
			WithHint("value must be greater than 0")
	}
	return nil
}

// ValidateNonNegativeDuration validates that a duration is >= 0.
func ValidateNonNegativeDuration(module, field string, value time.Duration) error {
	if value < 0 {
		return admiterrors.NewValidationError(module, field, value, "cannot be negative").
			WithHint("use 0 to fall back to the default")
	}
	return nil
}

// ValidateNotEmpty validates that a string value is not empty after trimming.
func ValidateNotEmpty(module, field string, value string) error {
	if strings.TrimSpace(value) == "" {
		return admiterrors.NewValidationError(module, field, value, "cannot be empty").
			WithHint("provide a non-empty " + field)
	}
	return nil
}

// ValidateOneOf validates that value is one of the allowed strings.
func ValidateOneOf(module, field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return admiterrors.NewValidationError(module, field, value, "unsupported value").
		WithHint("use one of: " + strings.Join(allowed, ", "))
}
