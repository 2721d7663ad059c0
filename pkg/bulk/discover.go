package bulk

import (
	"context"
	"fmt"
	"slices"

	log "github.com/sirupsen/logrus"

	"github.com/patchverify/patchverify/pkg/utils"
	"github.com/patchverify/patchverify/pkg/version"
)

// VersionLister lists the published versions of a package.
type VersionLister interface {
	Versions(ctx context.Context, ecosystem, pkg string) ([]string, error)
}

// FindTargets returns the new versions spec should be scanned against, oldest first.
func FindTargets(ctx context.Context, lister VersionLister, spec *ScanSpec) ([]string, error) {
	if spec.New != "" {
		return []string{spec.New}, nil
	}
	log.Infof("Discovering versions for '%s' with strategy: %s", spec.displayName(), spec.Targets.Strategy)

	switch spec.Targets.Strategy {
	case StrategyList:
		return findTargetsByList(spec), nil
	case StrategyPattern, StrategyLatest:
		cmp, err := version.ForEcosystem(spec.Ecosystem)
		if err != nil {
			return nil, err
		}
		if lister == nil {
			return nil, fmt.Errorf("no version lister for strategy '%s'", spec.Targets.Strategy)
		}
		all, err := lister.Versions(ctx, spec.Ecosystem, spec.Package)
		if err != nil {
			return nil, fmt.Errorf("failed to list versions for '%s': %w", spec.Package, err)
		}
		newer := newerVersions(cmp, spec, excludeVersions(all, spec.Targets.Exclude))
		if spec.Targets.Strategy == StrategyLatest {
			return findTargetsByLatest(spec, newer), nil
		}
		return findTargetsByPattern(spec, newer), nil
	}

	return nil, fmt.Errorf("internal error: unhandled strategy '%s'", spec.Targets.Strategy)
}

// Filter by list.
func findTargetsByList(spec *ScanSpec) []string {
	log.Debugf("Using explicit list of versions for '%s': %v", spec.displayName(), spec.Targets.List)
	return utils.DeduplicateStringSlice(excludeVersions(spec.Targets.List, spec.Targets.Exclude))
}

// Filter by latest.
func findTargetsByLatest(spec *ScanSpec, newer []string) []string {
	if len(newer) == 0 {
		log.Warnf("No version newer than %s found for '%s'", spec.Old, spec.displayName())
		return []string{}
	}
	latest := newer[len(newer)-1]
	log.Debugf("Found 'latest' version for '%s': %s", spec.displayName(), latest)
	return []string{latest}
}

func findTargetsByPattern(spec *ScanSpec, newer []string) []string {
	matching := []string{}
	for _, v := range newer {
		if spec.Targets.compiledPattern.MatchString(v) {
			matching = append(matching, v)
		}
	}

	if len(matching) == 0 {
		log.Warnf("No versions newer than %s match the pattern for '%s'", spec.Old, spec.displayName())
		return matching
	}

	if spec.Targets.MaxVersions > 0 && len(matching) > spec.Targets.MaxVersions {
		matching = matching[len(matching)-spec.Targets.MaxVersions:]
	}

	log.Debugf("Found versions for '%s' by pattern: %v", spec.displayName(), matching)
	return matching
}

// newerVersions keeps the parseable versions above spec.Old, sorted oldest first.
func newerVersions(cmp version.VersionComparer, spec *ScanSpec, all []string) []string {
	out := make([]string, 0, len(all))
	for _, v := range all {
		if !cmp.IsValid(v) {
			log.Warnf("Could not parse version '%s' for '%s', skipping", v, spec.displayName())
			continue
		}
		if cmp.LessThan(spec.Old, v) {
			out = append(out, v)
		}
	}
	slices.SortFunc(out, func(a, b string) int {
		switch {
		case cmp.LessThan(a, b):
			return -1
		case cmp.LessThan(b, a):
			return 1
		}
		return 0
	})
	return out
}

func excludeVersions(versions, exclusions []string) []string {
	if len(exclusions) == 0 {
		return versions
	}

	exclusionSet := make(map[string]struct{}, len(exclusions))
	for _, ex := range exclusions {
		exclusionSet[ex] = struct{}{}
	}

	result := []string{}
	for _, v := range versions {
		if _, found := exclusionSet[v]; !found {
			result = append(result, v)
		}
	}
	return result
}
