// Package bytesize parses and formats byte sizes used in harbor configuration.
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Binary byte size units.
const (
	B  int64 = 1
	KB int64 = 1024
	MB int64 = 1024 * KB
	GB int64 = 1024 * MB
	TB int64 = 1024 * GB
)

// sizePattern matches "20MB", "1.5 GiB", "1024".
var sizePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z]*)\s*$`)

// Parse converts a size string into bytes. Units are case-insensitive and
// binary: B, K/KB/Ki/KiB, M/MB/Mi/MiB, G/GB/Gi/GiB, T/TB/Ti/TiB. A bare
// number is bytes.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid size format: %q", s)
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %q", m[1])
	}

	mult, err := unitMultiplier(m[2])
	if err != nil {
		return 0, err
	}
	return int64(value * float64(mult)), nil
}

func unitMultiplier(unit string) (int64, error) {
	switch strings.TrimSuffix(strings.ToUpper(unit), "IB") {
	case "", "B":
		return B, nil
	case "K", "KB", "KI":
		return KB, nil
	case "M", "MB", "MI":
		return MB, nil
	case "G", "GB", "GI":
		return GB, nil
	case "T", "TB", "TI":
		return TB, nil
	}
	return 0, fmt.Errorf("unknown unit: %q", unit)
}

// MustParse is like Parse but panics on error.
func MustParse(s string) int64 {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Format renders a byte count for humans, e.g. "20.00 MB".
func Format(bytes int64) string {
	if bytes == 0 {
		return "0 B"
	}
	for _, u := range []struct {
		threshold int64
		unit      string
	}{
		{TB, "TB"},
		{GB, "GB"},
		{MB, "MB"},
		{KB, "KB"},
	} {
		if bytes >= u.threshold {
			return fmt.Sprintf("%.2f %s", float64(bytes)/float64(u.threshold), u.unit)
		}
	}
	return fmt.Sprintf("%d B", bytes)
}

// Size is a byte count that unmarshals from YAML as either a plain integer or
// a string with units ("20Mi", "4GB").
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var str string
	if err := unmarshal(&str); err == nil {
		n, err := Parse(str)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", str, err)
		}
		*s = Size(n)
		return nil
	}

	var i int64
	if err := unmarshal(&i); err == nil {
		if i < 0 {
			return fmt.Errorf("size must not be negative: %d", i)
		}
		*s = Size(i)
		return nil
	}

	return fmt.Errorf("size must be a number or string with units (e.g., 20Mi, 4GB)")
}

// MarshalYAML writes the size as a plain byte count.
func (s Size) MarshalYAML() (interface{}, error) {
	return int64(s), nil
}

// Bytes returns the size in bytes.
func (s Size) Bytes() int64 {
	return int64(s)
}

func (s Size) String() string {
	return Format(int64(s))
}
