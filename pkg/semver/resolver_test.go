package semver

import (
	"testing"
)

func makeVersions() []VersionRecord {
	return []VersionRecord{
		{Major: 3, Minor: 4, Patch: 2, Status: "active", VersionString: "3.4.2"},
		{Major: 3, Minor: 3, Patch: 0, Status: "active", VersionString: "3.3.0"},
		{Major: 3, Minor: 2, Patch: 1, Status: "deprecated", VersionString: "3.2.1"},
		{Major: 2, Minor: 1, Patch: 0, Status: "active", VersionString: "2.1.0"},
		{Major: 2, Minor: 0, Patch: 0, Status: "active", VersionString: "2.0.0"},
		{Major: 1, Minor: 0, Patch: 0, Status: "disabled", VersionString: "1.0.0"},
		{Major: 3, Minor: 5, Patch: 0, Prerelease: "alpha.1", Status: "active", VersionString: "3.5.0-alpha.1"},
	}
}

func TestResolveVersion_NoRange(t *testing.T) {
	versions := makeVersions()

	result := ResolveVersion(ResolveVersionParams{
		Versions:          versions,
		Range:             "",
		IncludeDeprecated: true,
		ExcludeDisabled:   true,
	})

	if result == nil {
		t.Fatal("expected result, got nil")
	}
	// Latest in highest major, non-prerelease preferred
	if result.VersionString != "3.4.2" {
		t.Errorf("expected 3.4.2, got %s", result.VersionString)
	}
}

func TestResolveVersion_MajorOnly(t *testing.T) {
	versions := makeVersions()

	result := ResolveVersion(ResolveVersionParams{
		Versions:          versions,
		Range:             "2",
		IncludeDeprecated: true,
		ExcludeDisabled:   true,
	})

	if result == nil {
		t.Fatal("expected result, got nil")
	}
	if result.VersionString != "2.1.0" {
		t.Errorf("expected 2.1.0, got %s", result.VersionString)
	}
}

func TestResolveVersion_CaretRange(t *testing.T) {
	versions := makeVersions()

	result := ResolveVersion(ResolveVersionParams{
		Versions:          versions,
		Range:             "^3.2.0",
		IncludeDeprecated: true,
		ExcludeDisabled:   true,
	})

	if result == nil {
		t.Fatal("expected result, got nil")
	}
	if result.Major != 3 {
		t.Errorf("expected major 3, got %d", result.Major)
	}
}

func TestResolveVersion_ExcludeDisabled(t *testing.T) {
	versions := makeVersions()

	result := ResolveVersion(ResolveVersionParams{
		Versions:          versions,
		Range:             "1",
		IncludeDeprecated: true,
		ExcludeDisabled:   true,
	})

	// 1.0.0 is disabled, should be excluded
	if result != nil {
		t.Errorf("expected nil (disabled excluded), got %s", result.VersionString)
	}
}

func TestResolveVersion_NoMatch(t *testing.T) {
	versions := makeVersions()

	result := ResolveVersion(ResolveVersionParams{
		Versions:          versions,
		Range:             "99",
		IncludeDeprecated: true,
		ExcludeDisabled:   true,
	})

	if result != nil {
		t.Errorf("expected nil for non-existent major, got %s", result.VersionString)
	}
}

func TestResolveVersion_EmptyVersions(t *testing.T) {
	result := ResolveVersion(ResolveVersionParams{
		Versions:          []VersionRecord{},
		Range:             "",
		IncludeDeprecated: true,
		ExcludeDisabled:   true,
	})

	if result != nil {
		t.Errorf("expected nil for empty versions, got %v", result)
	}
}

func TestGetUniqueMajors(t *testing.T) {
	versions := makeVersions()

	majors := GetUniqueMajors(versions)

	if len(majors) != 3 {
		t.Fatalf("expected 3 unique majors, got %d", len(majors))
	}
	// Sorted descending: 3, 2, 1
	if majors[0] != 3 || majors[1] != 2 || majors[2] != 1 {
		t.Errorf("expected [3, 2, 1], got %v", majors)
	}
}

func TestToVersionString(t *testing.T) {
	tests := []struct {
		name       string
		major      int
		minor      int
		patch      int
		prerelease string
		want       string
	}{
		{"simple", 3, 4, 2, "", "3.4.2"},
		{"with prerelease", 3, 5, 0, "alpha.1", "3.5.0-alpha.1"},
		{"zeros", 0, 0, 0, "", "0.0.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToVersionString(tt.major, tt.minor, tt.patch, tt.prerelease)
			if got != tt.want {
				t.Errorf("ToVersionString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSatisfiesRange(t *testing.T) {
	tests := []struct {
		name     string
		version  string
		rangeStr string
		want     bool
	}{
		{"major-only match", "3.4.2", "3", true},
		{"major-only no match", "3.4.2", "2", false},
		{"caret match", "3.4.2", "^3.2.0", true},
		{"caret no match", "2.1.0", "^3.2.0", false},
		{"exact match", "3.4.2", "3.4.2", true},
		{"exact no match", "3.4.2", "3.4.1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SatisfiesRange(tt.version, tt.rangeStr)
			if got != tt.want {
				t.Errorf("SatisfiesRange(%q, %q) = %v, want %v", tt.version, tt.rangeStr, got, tt.want)
			}
		})
	}
}
