package config

import (
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

var errSize = errors.New("invalid size")

var shifts = map[string]uint{
	"":  0,
	"k": 10,
	"m": 20,
	"g": 30,
}

// ParseSize parses a size written as number[gGmMkK]. Without a suffix the
// multiplier is taken from unit. The number can be in any base Go accepts.
func ParseSize(s, unit string) (uint64, error) {
	num := strings.TrimRight(s, "gGmMkK")
	if num == "" {
		return 0, fmt.Errorf("%q: no number: %w", s, errSize)
	}

	if len(s) > len(num) {
		unit = s[len(num):]
	}

	shift, ok := shifts[strings.ToLower(unit)]
	if !ok {
		return 0, fmt.Errorf("%q: unit %q: %w", s, unit, errSize)
	}

	amt, err := strconv.ParseUint(num, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%q: %w: %w", s, errSize, err)
	}

	if bits.LeadingZeros64(amt) < int(shift) {
		return 0, fmt.Errorf("%q: overflows 64 bits: %w", s, errSize)
	}

	return amt << shift, nil
}

// Size is a byte count written as number[gGmMkK] in configuration files.
type Size uint64

// UnmarshalText implements encoding.TextUnmarshaler for TOML strings.
func (s *Size) UnmarshalText(text []byte) error {
	v, err := ParseSize(string(text), "")
	if err != nil {
		return err
	}

	*s = Size(v)

	return nil
}
