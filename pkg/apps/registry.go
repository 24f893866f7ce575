// Package apps is the installed-application registry: a registration-time
// table from application name to implementation, with semver-pinned
// references. There is no reflection; every application is a compiled-in
// implementation of the Application interface.
package apps

import (
	"context"
	"fmt"
	"sort"
	"sync"

	masterminds "github.com/Masterminds/semver/v3"

	"github.com/morezero/catalog-events/pkg/semver"
)

const registryLogPrefix = "apps:registry"

// Application is the capability set every installed application implements.
type Application interface {
	// Name returns the application's registry name.
	Name() string
	// Install performs one-time setup with the given configuration.
	Install(ctx context.Context, config map[string]interface{}) error
	// Configure updates the application's configuration.
	Configure(ctx context.Context, config map[string]interface{}) error
	// TriggerOnDemand runs the application once with run parameters.
	TriggerOnDemand(ctx context.Context, params map[string]interface{}) error
}

type entry struct {
	record semver.VersionRecord
	app    Application
}

// Registry maps application names to versioned implementations.
type Registry struct {
	mu   sync.RWMutex
	apps map[string][]entry
}

// NewRegistry creates an empty application registry.
func NewRegistry() *Registry {
	return &Registry{apps: map[string][]entry{}}
}

// Register adds an application implementation at an exact version. The
// application's name must be a valid lowercase registry name and the
// (name, version) pair must be unused.
func (r *Registry) Register(versionStr string, app Application) error {
	if app == nil {
		return fmt.Errorf("%s - application is nil", registryLogPrefix)
	}
	name := app.Name()
	if !semver.ValidateAppName(name) {
		return fmt.Errorf("%s - invalid application name %q", registryLogPrefix, name)
	}
	sv, err := masterminds.StrictNewVersion(versionStr)
	if err != nil {
		return fmt.Errorf("%s - invalid version %q for %s: %w", registryLogPrefix, versionStr, name, err)
	}

	rec := semver.VersionRecord{
		Major:         int(sv.Major()),
		Minor:         int(sv.Minor()),
		Patch:         int(sv.Patch()),
		Prerelease:    sv.Prerelease(),
		Status:        "active",
		VersionString: sv.String(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.apps[name] {
		if e.record.VersionString == rec.VersionString {
			return fmt.Errorf("%s - %s@%s already registered", registryLogPrefix, name, rec.VersionString)
		}
	}
	r.apps[name] = append(r.apps[name], entry{record: rec, app: app})
	return nil
}

// Resolve parses a reference like "indexer@^1.0.0" and returns the best
// matching registered implementation and its resolved version.
func (r *Registry) Resolve(ref string) (Application, string, error) {
	parsed, err := semver.ParseAppRef(ref)
	if err != nil {
		return nil, "", err
	}

	r.mu.RLock()
	entries := r.apps[parsed.Name]
	r.mu.RUnlock()
	if len(entries) == 0 {
		return nil, "", fmt.Errorf("%s - application %q is not registered", registryLogPrefix, parsed.Name)
	}

	records := make([]semver.VersionRecord, len(entries))
	for i, e := range entries {
		records[i] = e.record
	}
	best := semver.ResolveVersion(semver.ResolveVersionParams{
		Versions:        records,
		Range:           parsed.Range,
		ExcludeDisabled: true,
	})
	if best == nil {
		return nil, "", fmt.Errorf("%s - no version of %q satisfies %q", registryLogPrefix, parsed.Name, parsed.Range)
	}
	for _, e := range entries {
		if e.record.VersionString == best.VersionString {
			return e.app, best.VersionString, nil
		}
	}
	return nil, "", fmt.Errorf("%s - resolved version %s of %q has no implementation", registryLogPrefix, best.VersionString, parsed.Name)
}

// Trigger resolves a reference and runs the application on demand.
func (r *Registry) Trigger(ctx context.Context, ref string, params map[string]interface{}) error {
	app, resolved, err := r.Resolve(ref)
	if err != nil {
		return err
	}
	if err := app.TriggerOnDemand(ctx, params); err != nil {
		return fmt.Errorf("%s - %s@%s trigger failed: %w", registryLogPrefix, app.Name(), resolved, err)
	}
	return nil
}

// Names returns the registered application names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.apps))
	for name := range r.apps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
