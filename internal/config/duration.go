package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration parses a duration field. Empty or zero input selects def, so an
// omitted YAML key means "use the built-in". Negative values are rejected;
// fields where zero means "off" use OptionalDuration instead.
func Duration(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := OptionalDuration(field, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// OptionalDuration parses a duration field whose zero value disables the
// feature it controls. Empty input yields 0 with no error.
func OptionalDuration(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", field, raw)
	}
	return d, nil
}
