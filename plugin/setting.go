package plugin

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/eventpipe/errors"
)

// Setting is the configuration one plugin instance is built from
type Setting struct {
	Name         string
	PipelineName string
	Attributes   map[string]any

	// Workers is the number of pipeline workers; processors that are not
	// safe for concurrent use get one instance per worker
	Workers int
}

// NewSetting creates a setting for plugin name in pipeline
func NewSetting(name, pipeline string, attributes map[string]any) *Setting {
	if attributes == nil {
		attributes = make(map[string]any)
	}
	return &Setting{Name: name, PipelineName: pipeline, Attributes: attributes, Workers: 1}
}

func (s *Setting) invalid(key string, value any, want string) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s.%s is %T, want %s", errors.ErrInvalidConfig, s.Name, key, value, want),
		"Setting", "get", "read "+key)
}

// Has reports whether key is set
func (s *Setting) Has(key string) bool {
	_, ok := s.Attributes[key]
	return ok
}

// String returns the string at key or def
func (s *Setting) String(key, def string) (string, error) {
	v, ok := s.Attributes[key]
	if !ok || v == nil {
		return def, nil
	}
	switch val := v.(type) {
	case string:
		return val, nil
	case int, int64, float64, bool:
		return fmt.Sprint(val), nil
	}
	return "", s.invalid(key, v, "string")
}

// Int returns the integer at key or def
func (s *Setting) Int(key string, def int) (int, error) {
	v, ok := s.Attributes[key]
	if !ok || v == nil {
		return def, nil
	}
	switch val := v.(type) {
	case int:
		return val, nil
	case int64:
		return int(val), nil
	case float64:
		if val == float64(int(val)) {
			return int(val), nil
		}
	case string:
		if i, err := strconv.Atoi(val); err == nil {
			return i, nil
		}
	}
	return 0, s.invalid(key, v, "integer")
}

// Bool returns the boolean at key or def
func (s *Setting) Bool(key string, def bool) (bool, error) {
	v, ok := s.Attributes[key]
	if !ok || v == nil {
		return def, nil
	}
	switch val := v.(type) {
	case bool:
		return val, nil
	case string:
		if b, err := strconv.ParseBool(val); err == nil {
			return b, nil
		}
	}
	return false, s.invalid(key, v, "boolean")
}

// Duration returns the duration at key or def. Strings use Go duration
// syntax; bare numbers are milliseconds.
func (s *Setting) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := s.Attributes[key]
	if !ok || v == nil {
		return def, nil
	}
	switch val := v.(type) {
	case time.Duration:
		return val, nil
	case string:
		if d, err := time.ParseDuration(val); err == nil {
			return d, nil
		}
	case int:
		return time.Duration(val) * time.Millisecond, nil
	case int64:
		return time.Duration(val) * time.Millisecond, nil
	case float64:
		return time.Duration(val * float64(time.Millisecond)), nil
	}
	return 0, s.invalid(key, v, "duration")
}

// StringSlice returns the list of strings at key or def
func (s *Setting) StringSlice(key string, def []string) ([]string, error) {
	v, ok := s.Attributes[key]
	if !ok || v == nil {
		return def, nil
	}
	switch val := v.(type) {
	case []string:
		return val, nil
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			str, ok := item.(string)
			if !ok {
				return nil, s.invalid(key, v, "list of strings")
			}
			out = append(out, str)
		}
		return out, nil
	case string:
		return []string{val}, nil
	}
	return nil, s.invalid(key, v, "list of strings")
}

// Decode fills into from the attributes using its yaml tags
func (s *Setting) Decode(into any) error {
	raw, err := yaml.Marshal(s.Attributes)
	if err != nil {
		return errors.WrapInvalid(err, "Setting", "Decode", "marshal attributes")
	}
	if err := yaml.Unmarshal(raw, into); err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s: %v", errors.ErrInvalidConfig, s.Name, err),
			"Setting", "Decode", "unmarshal attributes")
	}
	return nil
}
