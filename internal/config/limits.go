package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so it can round-trip through YAML as a
// string like "200ms" instead of a raw integer of nanoseconds.
type Duration struct {
	time.Duration
}

// NewDuration builds a Duration from a nanosecond count.
func NewDuration(ns int64) Duration {
	return Duration{time.Duration(ns)}
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}
