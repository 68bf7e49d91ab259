package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration parses a config duration literal: an integer followed by one
// of s, m, h or d. A bare integer is taken as seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	num := s
	unit := "s"
	if last := s[len(s)-1]; last < '0' || last > '9' {
		num = s[:len(s)-1]
		unit = s[len(s)-1:]
	}

	value, err := strconv.ParseUint(num, 10, 63)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}

	var mult time.Duration
	switch unit {
	case "s":
		mult = time.Second
	case "m":
		mult = time.Minute
	case "h":
		mult = time.Hour
	case "d":
		mult = 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid duration unit %q", unit)
	}

	return time.Duration(value) * mult, nil
}

// ParseSize parses a config size literal: an integer followed by B, KB, MB or
// GB. A bare integer is taken as bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	upper := strings.ToUpper(s)
	var mult int64 = 1
	num := upper
	switch {
	case strings.HasSuffix(upper, "GB"):
		mult = 1 << 30
		num = upper[:len(upper)-2]
	case strings.HasSuffix(upper, "MB"):
		mult = 1 << 20
		num = upper[:len(upper)-2]
	case strings.HasSuffix(upper, "KB"):
		mult = 1 << 10
		num = upper[:len(upper)-2]
	case strings.HasSuffix(upper, "B"):
		num = upper[:len(upper)-1]
	}

	value, err := strconv.ParseInt(strings.TrimSpace(num), 10, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}

	return value * mult, nil
}
