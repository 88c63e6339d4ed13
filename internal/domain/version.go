package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a parsed MAJOR.MINOR.PATCH string.
type Version struct {
	Major, Minor, Patch int
}

// ParseVersion parses a "MAJOR.MINOR.PATCH" string. PATCH is optional.
func ParseVersion(s string) (Version, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ".", 3)
	if len(parts) < 2 {
		return Version{}, fmt.Errorf("version %q must have at least MAJOR.MINOR", s)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return Version{}, fmt.Errorf("invalid major version %q: %w", parts[0], err)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return Version{}, fmt.Errorf("invalid minor version %q: %w", parts[1], err)
	}
	patch := 0
	if len(parts) == 3 {
		patch, err = strconv.Atoi(parts[2])
		if err != nil {
			return Version{}, fmt.Errorf("invalid patch version %q: %w", parts[2], err)
		}
	}
	return Version{Major: major, Minor: minor, Patch: patch}, nil
}

// CompatibleWith reports whether MAJOR and MINOR both match. PATCH is free.
func (v Version) CompatibleWith(other Version) bool {
	return v.Major == other.Major && v.Minor == other.Minor
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}
