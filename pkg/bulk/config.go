package bulk

import (
	"fmt"
	"regexp"
)

const (
	StrategyList    = "list"
	StrategyPattern = "pattern"
	StrategyLatest  = "latest"
)

const (
	configAPIVersion = "patchverify.dev/v1alpha1"
	configKind       = "ScanConfig"
)

type ScanConfig struct {
	APIVersion string     `yaml:"apiVersion"`
	Kind       string     `yaml:"kind"`
	Scans      []ScanSpec `yaml:"scans"`
}

type ScanSpec struct {
	Name      string         `yaml:"name,omitempty"`
	Ecosystem string         `yaml:"ecosystem"`
	Package   string         `yaml:"package"`
	Old       string         `yaml:"old"`
	New       string         `yaml:"new,omitempty"`
	Targets   TargetStrategy `yaml:"targets,omitempty"`
	Probe     *bool          `yaml:"probe,omitempty"`
	Repo      string         `yaml:"repo,omitempty"`
}

// TargetStrategy picks the new versions to compare against Old when New is
// not given.
type TargetStrategy struct {
	Strategy    string   `yaml:"strategy"`
	Pattern     string   `yaml:"pattern,omitempty"`
	MaxVersions int      `yaml:"maxVersions,omitempty"`
	List        []string `yaml:"list,omitempty"`
	Exclude     []string `yaml:"exclude,omitempty"`

	compiledPattern *regexp.Regexp
}

func (t *TargetStrategy) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type rawTargetStrategy TargetStrategy
	raw := rawTargetStrategy{}

	if err := unmarshal(&raw); err != nil {
		return err
	}

	switch raw.Strategy {
	case StrategyList:
		if len(raw.List) == 0 {
			return fmt.Errorf("strategy 'list' requires a non-empty 'list' of versions")
		}
	case StrategyPattern:
		if raw.Pattern == "" {
			return fmt.Errorf("strategy 'pattern' requires a 'pattern' field")
		}
		re, err := regexp.Compile(raw.Pattern)
		if err != nil {
			return fmt.Errorf("invalid regex for pattern '%s': %w", raw.Pattern, err)
		}
		raw.compiledPattern = re
	case StrategyLatest:
		// no specific validation needed for 'latest'
	default:
		return fmt.Errorf("unknown target strategy '%s', must be one of: list, pattern, latest", raw.Strategy)
	}

	*t = TargetStrategy(raw)
	return nil
}

// Validate checks the header and that every scan names a package, an old
// version and a way to pick new versions.
func (c *ScanConfig) Validate() error {
	if c.Kind != configKind {
		return fmt.Errorf("unexpected kind %q, want %q", c.Kind, configKind)
	}
	if c.APIVersion != "" && c.APIVersion != configAPIVersion {
		return fmt.Errorf("unsupported apiVersion %q, want %q", c.APIVersion, configAPIVersion)
	}
	if len(c.Scans) == 0 {
		return fmt.Errorf("config defines no scans")
	}
	for i, s := range c.Scans {
		switch {
		case s.Ecosystem == "" || s.Package == "":
			return fmt.Errorf("scan %d: ecosystem and package are required", i)
		case s.Old == "":
			return fmt.Errorf("scan %d (%s): old version is required", i, s.Package)
		case s.New == "" && s.Targets.Strategy == "":
			return fmt.Errorf("scan %d (%s): one of new or targets is required", i, s.Package)
		case s.New != "" && s.Targets.Strategy != "":
			return fmt.Errorf("scan %d (%s): new and targets are mutually exclusive", i, s.Package)
		}
	}
	return nil
}

func (s ScanSpec) displayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Ecosystem + "/" + s.Package
}
