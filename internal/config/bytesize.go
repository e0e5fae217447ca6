package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ByteSize is a size value that supports human-readable parsing: "5MB",
// "1.5 GB", "500KB" or a raw byte count. Units are binary (1KB = 1024).
//
// It implements encoding.TextUnmarshaler for Viper/YAML support and
// json.Unmarshaler for JSON configuration files.
type ByteSize int64

var byteUnits = []struct {
	suffix string
	factor float64
}{
	{"TB", 1 << 40},
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// ParseByteSize parses a human-readable byte size string.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty byte size")
	}

	upper := strings.ToUpper(s)
	for _, unit := range byteUnits {
		if !strings.HasSuffix(upper, unit.suffix) {
			continue
		}
		number := strings.TrimSpace(upper[:len(upper)-len(unit.suffix)])
		if number == "" {
			break
		}
		value, err := strconv.ParseFloat(number, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
		}
		if value < 0 {
			return 0, fmt.Errorf("invalid byte size %q: must not be negative", s)
		}
		return ByteSize(value * unit.factor), nil
	}

	raw, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	if raw < 0 {
		return 0, fmt.Errorf("invalid byte size %q: must not be negative", s)
	}
	return ByteSize(raw), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for YAML/Viper support.
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Try as a number (bytes) for backwards compatibility
		var bytes int64
		if err := json.Unmarshal(data, &bytes); err != nil {
			return err
		}
		*b = ByteSize(bytes)
		return nil
	}
	return b.UnmarshalText([]byte(s))
}

// MarshalJSON implements json.Marshaler.
func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// Bytes returns the underlying byte count.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

// String renders the size with the largest unit that divides it cleanly.
func (b ByteSize) String() string {
	n := int64(b)
	if n == 0 {
		return "0B"
	}
	for _, unit := range byteUnits {
		factor := int64(unit.factor)
		if n >= factor && n%factor == 0 {
			return fmt.Sprintf("%d%s", n/factor, unit.suffix)
		}
	}
	return strconv.FormatInt(n, 10)
}
