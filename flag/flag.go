package flag

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}

// ParseSegOff parses a real-mode address written as seg:off in hex, with or
// without a 0x prefix on either half.
func ParseSegOff(s string) (uint16, uint16, error) {
	seg, off, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("%q:want seg:off:%w", s, strconv.ErrSyntax)
	}

	sv, err := parseHex16(seg)
	if err != nil {
		return 0, 0, fmt.Errorf("segment %q:%w", seg, err)
	}

	ov, err := parseHex16(off)
	if err != nil {
		return 0, 0, fmt.Errorf("offset %q:%w", off, err)
	}

	return sv, ov, nil
}

func parseHex16(s string) (uint16, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")

	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}

	return uint16(v), nil
}
