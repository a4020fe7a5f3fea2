package diffusion

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownUpdateRule   = errors.New("unknown update rule")
	ErrUnknownConditioning = errors.New("unknown conditioning")
	ErrInvalidSteps        = errors.New("diffusion: steps must be at least 1")
)

// ConfigurationError reports a setting that names no known variant. There is
// no fallback for such settings.
type ConfigurationError struct {
	Field string
	Value string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("diffusion: invalid %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
