package cache

import (
	"fmt"
	"strings"
)

// VerifyLevel selects how much work is spent deciding that a cached file is
// trustworthy.
type VerifyLevel uint8

const (
	// VerifyLow only checks that the info and data files exist. It trusts
	// the verification done when the file was written.
	VerifyLow VerifyLevel = iota
	// VerifyMiddle additionally compares the data file length.
	VerifyMiddle
	// VerifyHigh recomputes the content digest and CRC.
	VerifyHigh
)

func (l VerifyLevel) String() string {
	switch l {
	case VerifyLow:
		return "low"
	case VerifyMiddle:
		return "middle"
	case VerifyHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParseVerifyLevel parses "low", "middle" or "high".
func ParseVerifyLevel(s string) (VerifyLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return VerifyLow, nil
	case "middle", "medium":
		return VerifyMiddle, nil
	case "high":
		return VerifyHigh, nil
	default:
		return 0, fmt.Errorf("cache: unknown verify level %q", s)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler for config files.
func (l *VerifyLevel) UnmarshalText(text []byte) error {
	v, err := ParseVerifyLevel(string(text))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (l VerifyLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}
