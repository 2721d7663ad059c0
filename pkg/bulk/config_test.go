package bulk

import (
	"testing"

	"gopkg.in/yaml.v3"
)

func TestTargetStrategy_UnmarshalYAML(t *testing.T) {
	testCases := []struct {
		name      string
		yamlInput string
		expectErr bool
		checkFunc func(*TargetStrategy) bool // Optional check for successful unmarshals
	}{
		{
			name: "Valid Strategy - List",
			yamlInput: `
strategy: "list"
list: ["4.17.20", "4.17.21"]`,
			expectErr: false,
			checkFunc: func(ts *TargetStrategy) bool {
				return ts.Strategy == "list" && len(ts.List) == 2
			},
		},
		{
			name: "Invalid Strategy - List without items",
			yamlInput: `strategy: "list"
									list: []`,
			expectErr: true,
		},
		{
			name: "Valid Strategy - Pattern",
			yamlInput: `
strategy: "pattern"
pattern: "^1\\.2[0-9]+$"`,
			expectErr: false,
			checkFunc: func(ts *TargetStrategy) bool {
				return ts.Strategy == "pattern" && ts.compiledPattern != nil
			},
		},
		{
			name:      "Invalid Strategy - Pattern without pattern string",
			yamlInput: `strategy: "pattern"`,
			expectErr: true,
		},
		{
			name: "Invalid Strategy - Pattern with bad regex",
			yamlInput: `strategy: "pattern"
									pattern: "*not-a-valid-regex"`,
			expectErr: true,
		},
		{
			name:      "Valid Strategy - Latest",
			yamlInput: `strategy: "latest"`,
			expectErr: false,
			checkFunc: func(ts *TargetStrategy) bool {
				return ts.Strategy == "latest"
			},
		},
		{
			name:      "Invalid Strategy - Unknown",
			yamlInput: `strategy: "unknown"`,
			expectErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var ts TargetStrategy
			err := yaml.Unmarshal([]byte(tc.yamlInput), &ts)

			if (err != nil) != tc.expectErr {
				t.Errorf("Expected error: %v, but got: %v", tc.expectErr, err)
			}

			if !tc.expectErr && tc.checkFunc != nil {
				if !tc.checkFunc(&ts) {
					t.Errorf("Post-unmarshal check failed for valid case")
				}
			}
		})
	}
}

func TestScanConfig_Validate(t *testing.T) {
	testCases := []struct {
		name      string
		yamlInput string
		expectErr bool
	}{
		{
			name: "Valid - explicit new",
			yamlInput: `
apiVersion: patchverify.dev/v1alpha1
kind: ScanConfig
scans:
  - ecosystem: npm
    package: lodash
    old: 4.17.15
    new: 4.17.21`,
		},
		{
			name: "Valid - latest target",
			yamlInput: `
kind: ScanConfig
scans:
  - ecosystem: PyPI
    package: requests
    old: 2.25.0
    probe: false
    targets:
      strategy: latest`,
		},
		{
			name: "Invalid - wrong kind",
			yamlInput: `
kind: PatchConfig
scans:
  - {ecosystem: npm, package: lodash, old: 1.0.0, new: 1.0.1}`,
			expectErr: true,
		},
		{
			name: "Invalid - wrong apiVersion",
			yamlInput: `
apiVersion: v2
kind: ScanConfig
scans:
  - {ecosystem: npm, package: lodash, old: 1.0.0, new: 1.0.1}`,
			expectErr: true,
		},
		{
			name:      "Invalid - no scans",
			yamlInput: `kind: ScanConfig`,
			expectErr: true,
		},
		{
			name: "Invalid - missing old",
			yamlInput: `
kind: ScanConfig
scans:
  - {ecosystem: npm, package: lodash, new: 1.0.1}`,
			expectErr: true,
		},
		{
			name: "Invalid - no target",
			yamlInput: `
kind: ScanConfig
scans:
  - {ecosystem: npm, package: lodash, old: 1.0.0}`,
			expectErr: true,
		},
		{
			name: "Invalid - new and targets",
			yamlInput: `
kind: ScanConfig
scans:
  - ecosystem: npm
    package: lodash
    old: 1.0.0
    new: 1.0.1
    targets:
      strategy: latest`,
			expectErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var cfg ScanConfig
			if err := yaml.Unmarshal([]byte(tc.yamlInput), &cfg); err != nil {
				t.Fatalf("unexpected parse error: %v", err)
			}
			err := cfg.Validate()
			if (err != nil) != tc.expectErr {
				t.Errorf("Expected error: %v, but got: %v", tc.expectErr, err)
			}
		})
	}
}
