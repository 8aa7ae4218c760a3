// Package timeutil provides a duration that reads "30s" style values from JSON, YAML and TOML configuration.
package timeutil

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration encoded as a string, like "30s"
type Duration time.Duration

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts "1m30s" or a number of nanoseconds
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return errors.WithStack(err)
	}
	return d.set(v)
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return errors.WithStack(err)
	}
	return d.set(v)
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(b []byte) error {
	return d.set(string(b))
}

// TimeDuration returns the value as time.Duration
func (d Duration) TimeDuration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) set(v any) error {
	switch val := v.(type) {
	case nil:
		*d = 0
	case float64:
		*d = Duration(val)
	case int:
		*d = Duration(val)
	case string:
		if val == "" {
			*d = 0
			return nil
		}
		td, err := time.ParseDuration(val)
		if err != nil {
			return errors.Wrapf(err, "invalid duration")
		}
		*d = Duration(td)
	default:
		return errors.Errorf("invalid duration: %v", v)
	}
	return nil
}
