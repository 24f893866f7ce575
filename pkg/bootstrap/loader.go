package bootstrap

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/morezero/catalog-events/pkg/version"
)

const logPrefix = "bootstrap:loader"

// LoadBootstrapConfig loads the bootstrap config from file paths or environment.
// It tries paths in order: first any paths passed in, then CATALOG_BOOTSTRAP_FILE
// env, then defaults. So an explicit path is tried before the env var. If no
// file is found the embedded default config is used.
func LoadBootstrapConfig(paths ...string) (*BootstrapConfig, error) {
	all := make([]string, 0, len(paths)+3)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv("CATALOG_BOOTSTRAP_FILE"); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/bootstrap.json", "bootstrap.json")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}

		var cfg BootstrapConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			slog.Warn(fmt.Sprintf("%s - Failed to parse bootstrap file %s: %v", logPrefix, p, err))
			continue
		}

		slog.Info(fmt.Sprintf("%s - Loaded bootstrap config from %s", logPrefix, p))
		return &cfg, nil
	}

	slog.Info(fmt.Sprintf("%s - Using default bootstrap config", logPrefix))
	return GetDefaultBootstrapConfig(), nil
}

// GetDefaultBootstrapConfig returns the embedded fallback bootstrap
// configuration: the classification table for the core entity types and no
// seed subjects.
func GetDefaultBootstrapConfig() *BootstrapConfig {
	return &BootstrapConfig{
		Name:    "catalog-bootstrap",
		Version: "1.0.0",
		Classification: map[string]map[string]string{
			"table": {
				"name":        "major",
				"owner":       "major",
				"columns":     "major",
				"description": "minor",
				"tags":        "minor",
				"followers":   "minor",
				"deleted":     "minor",
			},
			"topic": {
				"name":          "major",
				"owner":         "major",
				"messageSchema": "major",
				"description":   "minor",
				"tags":          "minor",
				"deleted":       "minor",
			},
			"dashboard": {
				"name":        "major",
				"owner":       "major",
				"charts":      "major",
				"description": "minor",
				"tags":        "minor",
				"deleted":     "minor",
			},
			"pipeline": {
				"name":        "major",
				"owner":       "major",
				"tasks":       "major",
				"description": "minor",
				"tags":        "minor",
				"deleted":     "minor",
			},
			"glossaryTerm": {
				"name":        "major",
				"synonyms":    "minor",
				"description": "minor",
				"tags":        "minor",
				"deleted":     "minor",
			},
			"user": {
				"name":        "major",
				"email":       "major",
				"teams":       "minor",
				"displayName": "minor",
				"deleted":     "minor",
			},
			"team": {
				"name":        "major",
				"users":       "minor",
				"displayName": "minor",
				"deleted":     "minor",
			},
		},
		FeedVisibleTypes: []string{"table", "topic", "dashboard", "pipeline", "glossaryTerm"},
		WorkflowName:     "entityLifecycle",
	}
}

// CreateResolvedBootstrap validates a BootstrapConfig and builds its resolved
// form. Classification errors (unknown class values, empty table) are fatal
// configuration errors surfaced here, at startup.
func CreateResolvedBootstrap(cfg *BootstrapConfig) (*ResolvedBootstrap, error) {
	classifier, err := version.NewClassifier(cfg.Classification)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid classification table: %w", logPrefix, err)
	}

	feedVisible := make(map[string]bool, len(cfg.FeedVisibleTypes))
	for _, entityType := range cfg.FeedVisibleTypes {
		if entityType == "" {
			return nil, fmt.Errorf("%s - feedVisibleTypes contains an empty entity type", logPrefix)
		}
		feedVisible[entityType] = true
	}

	for _, u := range cfg.Users {
		if u.ID == "" || u.Name == "" {
			return nil, fmt.Errorf("%s - seed user needs id and name, got %+v", logPrefix, u)
		}
	}
	for _, tm := range cfg.Teams {
		if tm.ID == "" || tm.Name == "" {
			return nil, fmt.Errorf("%s - seed team needs id and name, got %+v", logPrefix, tm)
		}
	}

	return &ResolvedBootstrap{
		name:         cfg.Name,
		version:      cfg.Version,
		classifier:   classifier,
		feedVisible:  feedVisible,
		workflowName: cfg.WorkflowName,
		users:        append([]SeedSubject(nil), cfg.Users...),
		teams:        append([]SeedSubject(nil), cfg.Teams...),
	}, nil
}

// MergeBootstrapConfigs merges an override config into a base config.
// Per-entity-type classification maps replace wholesale; feed-visible types
// and subjects replace only when the override sets them.
func MergeBootstrapConfigs(base, override *BootstrapConfig) *BootstrapConfig {
	merged := *base

	if merged.Classification == nil {
		merged.Classification = map[string]map[string]string{}
	}
	for entityType, fields := range override.Classification {
		merged.Classification[entityType] = fields
	}

	if len(override.FeedVisibleTypes) > 0 {
		merged.FeedVisibleTypes = override.FeedVisibleTypes
	}
	if override.WorkflowName != "" {
		merged.WorkflowName = override.WorkflowName
	}
	if len(override.Users) > 0 {
		merged.Users = override.Users
	}
	if len(override.Teams) > 0 {
		merged.Teams = override.Teams
	}

	return &merged
}
