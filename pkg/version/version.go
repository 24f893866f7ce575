// Package version implements the entity version number and the policy that
// converts a change set into a version bump.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

const logPrefix = "version:version"

// EntityVersion is a monotonically increasing major.minor pair. Minor is a
// single decimal digit by convention; incrementing past .9 carries into the
// major component (0.9 -> 1.0), matching decimal-string addition. Versions
// compare as integer pairs, never as floating point.
type EntityVersion struct {
	Major int
	Minor int
}

// Initial is the version assigned to a newly created entity.
var Initial = EntityVersion{Major: 0, Minor: 1}

// String renders the version in its wire form, e.g. "1.3".
func (v EntityVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compare returns -1, 0 or 1 ordering v against o.
func (v EntityVersion) Compare(o EntityVersion) int {
	if v.Major != o.Major {
		if v.Major < o.Major {
			return -1
		}
		return 1
	}
	if v.Minor != o.Minor {
		if v.Minor < o.Minor {
			return -1
		}
		return 1
	}
	return 0
}

// NextMinor returns the smallest minor increment, carrying into major past .9.
func (v EntityVersion) NextMinor() EntityVersion {
	if v.Minor >= 9 {
		return EntityVersion{Major: v.Major + 1, Minor: 0}
	}
	return EntityVersion{Major: v.Major, Minor: v.Minor + 1}
}

// NextMajor bumps the major component and resets minor to 0.
func (v EntityVersion) NextMajor() EntityVersion {
	return EntityVersion{Major: v.Major + 1, Minor: 0}
}

// Parse parses a "major.minor" version string.
func Parse(s string) (EntityVersion, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ".", 2)
	if len(parts) != 2 {
		return EntityVersion{}, fmt.Errorf("%s - invalid version %q: want major.minor", logPrefix, s)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil || major < 0 {
		return EntityVersion{}, fmt.Errorf("%s - invalid major component in %q", logPrefix, s)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil || minor < 0 {
		return EntityVersion{}, fmt.Errorf("%s - invalid minor component in %q", logPrefix, s)
	}
	return EntityVersion{Major: major, Minor: minor}, nil
}
