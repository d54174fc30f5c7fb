package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// GetEnvOrDefault returns the trimmed value of key, or defaultValue when unset.
func GetEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// ParseIntEnv parses key as an integer. Unset yields defaultValue; a value
// that does not parse is an ErrInvalidValue ConfigError.
func ParseIntEnv(key string, defaultValue int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue, ErrInvalidValue(key, value, "expected an integer")
	}
	return n, nil
}

// ParseBoolEnv accepts true/1/yes/on and false/0/no/off, case-insensitively.
func ParseBoolEnv(key string, defaultValue bool) (bool, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	switch strings.ToLower(value) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	default:
		return defaultValue, ErrInvalidValue(key, value, "expected true or false")
	}
}

// ParseSecondsEnv parses key as a whole number of seconds. A bare integer
// is seconds; Go duration strings such as "90s" or "2m" are also accepted.
func ParseSecondsEnv(key string, defaultSeconds int) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return time.Duration(defaultSeconds) * time.Second, nil
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return time.Duration(defaultSeconds) * time.Second, ErrInvalidValue(key, value, "expected seconds or a duration like 90s")
	}
	return d, nil
}

// ParseBytesEnv parses key as a byte size. Plain integers are bytes; units
// such as "50MiB" or "20 MB" are parsed by go-humanize.
func ParseBytesEnv(key string, defaultValue int64) (int64, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return defaultValue, ErrInvalidValue(key, value, fmt.Sprintf("expected a size like %s", humanize.IBytes(uint64(defaultValue))))
	}
	return int64(n), nil
}
