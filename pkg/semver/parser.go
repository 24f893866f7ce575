// Package semver provides application reference parsing and SemVer
// resolution for the installed-application registry.
package semver

import (
	"fmt"
	"regexp"
	"strings"
)

const logPrefix = "semver:parser"

// ParsedAppRef holds the parsed components of an application reference.
type ParsedAppRef struct {
	// Application name (e.g., "indexer")
	Name string
	// Version range if specified (e.g., "^1.0.0", "2", ""); empty string means no pin
	Range string
	// Raw input string
	Raw string
}

var (
	appNameRegex      = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)
	majorOnlyRegex    = regexp.MustCompile(`^\d+$`)
	exactVersionRegex = regexp.MustCompile(`^\d+\.\d+\.\d+(-[\w.]+)?(\+[\w.]+)?$`)
)

// ParseAppRef parses an application reference string.
//
// Supported formats:
//   - indexer            (no version pin)
//   - indexer@2          (major only)
//   - indexer@1.2.3      (exact version)
//   - indexer@^1.0.0     (caret range)
//   - indexer@~1.2.0     (tilde range)
//   - indexer@>=1.0.0    (comparison range)
func ParseAppRef(input string) (*ParsedAppRef, error) {
	raw := strings.TrimSpace(input)

	name := raw
	var rangeStr string
	if at := strings.Index(raw, "@"); at != -1 {
		name = raw[:at]
		rangeStr = raw[at+1:]
		if rangeStr == "" {
			return nil, fmt.Errorf("%s - reference %q has an empty version range", logPrefix, raw)
		}
	}

	if !ValidateAppName(name) {
		return nil, fmt.Errorf("%s - invalid application name in %q: must be lowercase alphanumeric with hyphens", logPrefix, raw)
	}

	return &ParsedAppRef{Name: name, Range: rangeStr, Raw: raw}, nil
}

// IsMajorOnly checks if a range is a major-only specifier (e.g., "2").
func IsMajorOnly(rangeStr string) bool {
	return majorOnlyRegex.MatchString(rangeStr)
}

// IsExactVersion checks if a range is an exact version (e.g., "1.2.3").
func IsExactVersion(rangeStr string) bool {
	return exactVersionRegex.MatchString(rangeStr)
}

// ExtractMajorFromRange extracts the major version if the range is major-only.
// Returns -1 if not a major-only range.
func ExtractMajorFromRange(rangeStr string) int {
	if !IsMajorOnly(rangeStr) {
		return -1
	}
	var major int
	fmt.Sscanf(rangeStr, "%d", &major)
	return major
}

// BuildAppRef builds a reference string from a name and optional version.
func BuildAppRef(name, version string) string {
	if version != "" {
		return name + "@" + version
	}
	return name
}

// ValidateAppName validates an application name (lowercase, alphanumeric, hyphens).
func ValidateAppName(name string) bool {
	return appNameRegex.MatchString(name)
}
