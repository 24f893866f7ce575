package semver

import (
	"fmt"
	"sort"

	masterminds "github.com/Masterminds/semver/v3"
)

// VersionRecord is one installable version of an application.
type VersionRecord struct {
	Major         int
	Minor         int
	Patch         int
	Prerelease    string
	Status        string // "active", "deprecated", "disabled"
	VersionString string
}

// ToVersionString converts version components to a version string.
func ToVersionString(major, minor, patch int, prerelease string) string {
	base := fmt.Sprintf("%d.%d.%d", major, minor, patch)
	if prerelease != "" {
		return base + "-" + prerelease
	}
	return base
}

// ToVersionRecords fills in computed version strings where missing.
func ToVersionRecords(versions []VersionRecord) []VersionRecord {
	for i := range versions {
		if versions[i].VersionString == "" {
			versions[i].VersionString = ToVersionString(
				versions[i].Major,
				versions[i].Minor,
				versions[i].Patch,
				versions[i].Prerelease,
			)
		}
	}
	return versions
}

// ResolveVersionParams holds parameters for ResolveVersion.
type ResolveVersionParams struct {
	Versions          []VersionRecord
	Range             string // SemVer range, major-only, or empty
	IncludeDeprecated bool
	ExcludeDisabled   bool
}

// ResolveVersion finds the best matching version for a given range. With no
// range it picks the latest version of the highest major.
func ResolveVersion(params ResolveVersionParams) *VersionRecord {
	filtered := make([]VersionRecord, 0, len(params.Versions))
	for _, v := range params.Versions {
		if params.ExcludeDisabled && v.Status == "disabled" {
			continue
		}
		filtered = append(filtered, v)
	}

	if len(filtered) == 0 {
		return nil
	}

	if params.Range == "" {
		return findLatestInMajor(filtered, findHighestMajor(filtered), params.IncludeDeprecated)
	}

	if IsMajorOnly(params.Range) {
		return findLatestInMajor(filtered, ExtractMajorFromRange(params.Range), params.IncludeDeprecated)
	}

	constraint, err := masterminds.NewConstraint(params.Range)
	if err != nil {
		// If range parsing fails, try as exact version
		return findExactVersion(filtered, params.Range)
	}

	var matching []VersionRecord
	for _, v := range filtered {
		sv, err := masterminds.NewVersion(v.VersionString)
		if err != nil {
			continue
		}
		if constraint.Check(sv) {
			matching = append(matching, v)
		}
	}

	if len(matching) == 0 {
		return nil
	}

	sortVersionsDesc(matching)

	// Prefer active over deprecated
	if !params.IncludeDeprecated {
		for i := range matching {
			if matching[i].Status == "active" {
				return &matching[i]
			}
		}
	}

	return &matching[0]
}

// GetUniqueMajors returns all unique major versions sorted descending.
func GetUniqueMajors(versions []VersionRecord) []int {
	seen := make(map[int]bool)
	var majors []int

	for _, v := range versions {
		if !seen[v.Major] {
			seen[v.Major] = true
			majors = append(majors, v.Major)
		}
	}

	sort.Sort(sort.Reverse(sort.IntSlice(majors)))
	return majors
}

// SatisfiesRange checks if a version string satisfies a range.
func SatisfiesRange(version, rangeStr string) bool {
	if IsMajorOnly(rangeStr) {
		sv, err := masterminds.NewVersion(version)
		if err != nil {
			return false
		}
		return int(sv.Major()) == ExtractMajorFromRange(rangeStr)
	}

	constraint, err := masterminds.NewConstraint(rangeStr)
	if err != nil {
		return false
	}

	sv, err := masterminds.NewVersion(version)
	if err != nil {
		return false
	}

	return constraint.Check(sv)
}

// --- internal helpers ---

func findHighestMajor(versions []VersionRecord) int {
	highest := -1
	for _, v := range versions {
		if v.Major > highest {
			highest = v.Major
		}
	}
	return highest
}

func findLatestInMajor(versions []VersionRecord, major int, includeDeprecated bool) *VersionRecord {
	var inMajor []VersionRecord
	for _, v := range versions {
		if v.Major == major {
			inMajor = append(inMajor, v)
		}
	}

	if len(inMajor) == 0 {
		return nil
	}

	// Prefer latest stable (non-prerelease) in major; if none, use latest including prerelease
	var stable []VersionRecord
	for _, v := range inMajor {
		if v.Prerelease == "" {
			stable = append(stable, v)
		}
	}
	candidates := inMajor
	if len(stable) > 0 {
		candidates = stable
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Minor != b.Minor {
			return a.Minor > b.Minor
		}
		if a.Patch != b.Patch {
			return a.Patch > b.Patch
		}
		return false
	})

	if !includeDeprecated {
		for i := range candidates {
			if candidates[i].Status == "active" {
				return &candidates[i]
			}
		}
	}

	return &candidates[0]
}

func findExactVersion(versions []VersionRecord, versionStr string) *VersionRecord {
	for i := range versions {
		if versions[i].VersionString == versionStr {
			return &versions[i]
		}
	}
	return nil
}

func sortVersionsDesc(versions []VersionRecord) {
	sort.Slice(versions, func(i, j int) bool {
		vi, err1 := masterminds.NewVersion(versions[i].VersionString)
		vj, err2 := masterminds.NewVersion(versions[j].VersionString)
		if err1 != nil || err2 != nil {
			return false
		}
		return vi.GreaterThan(vj)
	})
}
