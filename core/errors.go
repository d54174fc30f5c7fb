package core

import (
	"errors"
	"fmt"
)

// ConfigError represents a configuration-related error with actionable instructions.
type ConfigError struct {
	Code    string // Error code for programmatic handling
	Message string // Human-readable error message
	Action  string // Actionable instruction for resolution
}

func (e *ConfigError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("%s. %s", e.Message, e.Action)
	}
	return e.Message
}

// Error codes for configuration errors
const (
	ErrCodeInvalidValue   = "INVALID_VALUE"
	ErrCodeInvalidRange   = "INVALID_RANGE"
	ErrCodeInvalidURL     = "INVALID_URL"
	ErrCodeInvalidModel   = "INVALID_MODEL"
	ErrCodeInvalidAddress = "INVALID_ADDRESS"
)

// ErrInvalidValue reports an environment variable that failed to parse.
func ErrInvalidValue(key, value, reason string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidValue,
		Message: fmt.Sprintf("Invalid %s '%s': %s", key, value, reason),
		Action:  fmt.Sprintf("Fix or unset %s in your .env file", key),
	}
}

// ErrInvalidRange reports the locator size band in the wrong order or out of bounds.
func ErrInvalidRange(minDim, maxDim int) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidRange,
		Message: fmt.Sprintf("Invalid image dimension band [%d, %d]", minDim, maxDim),
		Action:  "Set MIN_IMAGE_DIMENSION >= 1 and MAX_IMAGE_DIMENSION >= MIN_IMAGE_DIMENSION",
	}
}

// ErrInvalidURL reports a WORKER_URL or BROKER_URL with the wrong scheme or no host.
func ErrInvalidURL(key, url, reason string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidURL,
		Message: fmt.Sprintf("Invalid %s '%s': %s", key, url, reason),
		Action:  fmt.Sprintf("Set %s to a full URL or leave it empty to run in-process", key),
	}
}

// ErrInvalidModel reports an unusable MODEL_PATH or MODEL_SHA256.
func ErrInvalidModel(reason string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidModel,
		Message: fmt.Sprintf("Invalid model configuration: %s", reason),
		Action:  "Check MODEL_PATH and MODEL_SHA256",
	}
}

// ErrInvalidAddress reports a listen address that is not host:port.
func ErrInvalidAddress(key, addr string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidAddress,
		Message: fmt.Sprintf("Invalid %s '%s'", key, addr),
		Action:  fmt.Sprintf("Set %s to host:port, e.g. 127.0.0.1:8787", key),
	}
}

// IsConfigError reports whether err wraps a ConfigError and returns it.
func IsConfigError(err error) (*ConfigError, bool) {
	var configErr *ConfigError
	if errors.As(err, &configErr) {
		return configErr, true
	}
	return nil, false
}

// GetErrorCode extracts the error code from an error if it's a ConfigError
func GetErrorCode(err error) string {
	if configErr, ok := IsConfigError(err); ok {
		return configErr.Code
	}
	return ""
}
