package config

import (
	"fmt"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Duration is a time.Duration that unmarshals from Go duration strings in
// both YAML ("70m") and environment variables (envconfig Decoder).
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Or returns the duration, or def when unset/zero.
func (d Duration) Or(def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

// Decode implements envconfig.Decoder.
func (d *Duration) Decode(value string) error { return d.set(value) }

func (d *Duration) set(raw string) error {
	s := strings.TrimSpace(raw)
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if v < 0 {
		return fmt.Errorf("duration must be >= 0, got %q", raw)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
