package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers gateway-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	// audit_output: validates "stdout", "file://<abs-path>" or "sqlite://<abs-path>"
	if err := v.RegisterValidation("audit_output", validateAuditOutput); err != nil {
		return fmt.Errorf("failed to register audit_output validator: %w", err)
	}
	return nil
}

// validateAuditOutput validates the audit output field.
// Valid values: "stdout", "file://<absolute-path>", "sqlite://<absolute-path>"
func validateAuditOutput(fl validator.FieldLevel) bool {
	output := fl.Field().String()

	// "stdout" is always valid
	if output == "stdout" {
		return true
	}

	// "file://<path>" and "sqlite://<path>" require an absolute path
	for _, scheme := range []string{"file://", "sqlite://"} {
		if strings.HasPrefix(output, scheme) {
			path := strings.TrimPrefix(output, scheme)
			return path != "" && filepath.IsAbs(path)
		}
	}

	return false
}

// Validate validates the Config using struct tags and custom cross-field rules.
// Returns an error if validation fails, with actionable error messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	// Run struct validation (tags)
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	// Cross-field validation: thresholds must be ordered
	if c.Detection.WarnThreshold >= c.Detection.BlockThreshold {
		return fmt.Errorf("detection: warn_threshold (%.2f) must be below block_threshold (%.2f)",
			c.Detection.WarnThreshold, c.Detection.BlockThreshold)
	}

	// Cross-field validation: upstream mutual exclusion
	if err := c.validateUpstreamMutualExclusion(); err != nil {
		return err
	}

	return nil
}

// validateUpstreamMutualExclusion ensures at most one of HTTP or Command is set.
// In multi-upstream mode (state file), both can be empty -- upstreams come from
// the state file.
func (c *Config) validateUpstreamMutualExclusion() error {
	hasHTTP := c.Upstream.HTTP != ""
	hasCommand := c.Upstream.Command != ""

	if hasHTTP && hasCommand {
		return errors.New("upstream: specify http OR command, not both")
	}

	// Both empty is OK -- multi-upstream mode uses the state file.
	return nil
}

// HasYAMLUpstream returns true if the YAML config has a single upstream configured.
func (c *Config) HasYAMLUpstream() bool {
	return c.Upstream.HTTP != "" || c.Upstream.Command != ""
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			msg := formatSingleValidationError(e)
			messages = append(messages, msg)
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, e.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "audit_output":
		return fmt.Sprintf("%s must be 'stdout', 'file://<absolute-path>' or 'sqlite://<absolute-path>'", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
