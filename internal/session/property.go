package session

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Property names a mirrored receiver property.
type Property string

const (
	PropVolume  Property = "volume"
	PropOn      Property = "on"
	PropPlaying Property = "playing"
	PropMuted   Property = "muted"
	PropApp     Property = "app"
)

// AllProperties lists every property in a stable order.
var AllProperties = []Property{PropVolume, PropOn, PropPlaying, PropMuted, PropApp}

// ParseProperty validates a property name.
func ParseProperty(name string) (Property, error) {
	for _, p := range AllProperties {
		if string(p) == name {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProperty, name)
}

// Writable reports whether the hub may write the property.
func (p Property) Writable() bool {
	return p != PropApp
}

// zero returns the value a property holds before the first pull.
func (p Property) zero() any {
	switch p {
	case PropVolume:
		return 0
	case PropApp:
		return ""
	default:
		return false
	}
}

// coerce converts a written value to the property's type. Volume accepts
// integral numbers in 0..100 (JSON numbers arrive as float64); booleans
// also accept "true"/"false" strings.
func coerce(p Property, v any) (any, error) {
	switch p {
	case PropVolume:
		n, err := toInt(v)
		if err != nil {
			return nil, fmt.Errorf("%w: volume: %w", ErrInvalidValue, err)
		}
		if n < 0 || n > 100 {
			return nil, fmt.Errorf("%w: volume %d out of range 0-100", ErrInvalidValue, n)
		}
		return n, nil

	case PropOn, PropPlaying, PropMuted:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %q is not a boolean", ErrInvalidValue, p, b)
			}
			return parsed, nil
		}
		return nil, fmt.Errorf("%w: %s: want boolean, got %T", ErrInvalidValue, p, v)

	case PropApp:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: app: want string, got %T", ErrInvalidValue, v)
		}
		return s, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProperty, p)
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, err
		}
		return int(i), nil
	case string:
		return strconv.Atoi(n)
	}
	return 0, fmt.Errorf("want number, got %T", v)
}

// volumeLevel converts a 0..100 volume to the receiver's 0..1 level,
// quantised to the receiver's step interval.
func volumeLevel(volume int, step float64) float64 {
	level := float64(volume) / 100
	if step > 0 {
		level = math.Round(level/step) * step
	}
	level = math.Round(level*1e6) / 1e6
	return math.Max(0, math.Min(1, level))
}

// volumePercent converts a receiver level to the mirrored 0..100 volume.
func volumePercent(level float64) int {
	return int(math.Round(math.Max(0, math.Min(1, level)) * 100))
}
