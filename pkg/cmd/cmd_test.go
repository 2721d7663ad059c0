package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchverify/patchverify/pkg/types"
)

func TestScanArgsValidate(t *testing.T) {
	single := scanArgs{ecosystem: "npm", pkg: "lodash", oldVersion: "4.17.15", newVersion: "4.17.21", format: formatTable}

	tests := []struct {
		name                  string
		mutate                func(*scanArgs)
		expectedErrorContains string
	}{
		{
			name:                  "FAIL: No flags provided",
			mutate:                func(sa *scanArgs) { *sa = scanArgs{format: formatTable} },
			expectedErrorContains: "either --config-file or --ecosystem",
		},
		{
			name:                  "FAIL: Conflicting flags (--config-file and --package)",
			mutate:                func(sa *scanArgs) { sa.configFile = "bulk.yaml" },
			expectedErrorContains: "--config-file cannot be used with",
		},
		{
			name:                  "FAIL: Missing versions",
			mutate:                func(sa *scanArgs) { sa.oldVersion, sa.newVersion = "", "" },
			expectedErrorContains: "missing required flags: --new, --old",
		},
		{
			name:                  "FAIL: Unknown format",
			mutate:                func(sa *scanArgs) { sa.format = "sarif" },
			expectedErrorContains: "unsupported output format",
		},
		{
			name:                  "FAIL: Unknown fail-on",
			mutate:                func(sa *scanArgs) { sa.failOn = "severe" },
			expectedErrorContains: "unknown --fail-on",
		},
		{
			name:                  "FAIL: Only one local source",
			mutate:                func(sa *scanArgs) { sa.oldSrc = "/tmp/old" },
			expectedErrorContains: "--old-src and --new-src must be used together",
		},
		{
			name: "FAIL: OpenVEX in bulk mode",
			mutate: func(sa *scanArgs) {
				*sa = scanArgs{configFile: "bulk.yaml", format: formatOpenVEX}
			},
			expectedErrorContains: "not supported with --config-file",
		},
		{
			name:   "PASS: Single scan",
			mutate: func(*scanArgs) {},
		},
		{
			name:   "PASS: Single scan with local sources",
			mutate: func(sa *scanArgs) { sa.oldSrc, sa.newSrc, sa.failOn = "/tmp/old", "/tmp/new", "high" },
		},
		{
			name:   "PASS: Bulk mode",
			mutate: func(sa *scanArgs) { *sa = scanArgs{configFile: "bulk.yaml", format: formatJSON} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sa := single
			tt.mutate(&sa)
			err := sa.validate()
			if tt.expectedErrorContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectedErrorContains)
		})
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.DB.Driver)
	assert.Equal(t, []string{"osv", "nvd"}, cfg.Sources)
	assert.Equal(t, sandboxProcess, cfg.Probe.Sandbox)
	assert.True(t, cfg.Probe.Enabled)
	assert.Equal(t, types.DefaultTimeouts(), cfg.Timeouts)
	assert.Equal(t, types.DefaultRetryPolicy(), cfg.Retry)

	opts := cfg.ScanOptions()
	assert.Equal(t, 4, opts.Workers)
	assert.True(t, opts.Probe)
}

func TestLoadConfigOverrides(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	viper.Set("sources", []string{"osv"})
	viper.Set("feed.dir", "/var/feeds")
	viper.Set("probe.sandbox", "Docker")
	viper.Set("probe.image.python", "python:3.11-slim")
	viper.Set("timeouts.probe", "2s")
	viper.Set("policy.conflict_not_fixed_severity", 9.0)
	viper.Set("github.token", "ghp_x")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"osv", "file"}, cfg.sourceNames())
	assert.Equal(t, sandboxDocker, cfg.Probe.Sandbox)
	assert.Equal(t, map[string]string{"python": "python:3.11-slim"}, cfg.Probe.Images)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.Probe)
	assert.Equal(t, 9.0, cfg.Policy.ConflictNotFixedSeverity)
	assert.Equal(t, "ghp_x", cfg.ScanOptions().Credentials.GitHubToken)
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		key   string
		value any
	}{
		{"sources", []string{"snyk"}},
		{"sources", []string{"file"}},
		{"probe.sandbox", "vm"},
		{"workers", 0},
		{"timeouts.scan", "-1s"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			viper.Reset()
			t.Cleanup(viper.Reset)
			viper.Set(tt.key, tt.value)
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}

func TestCheckThreshold(t *testing.T) {
	high := &types.ScanReport{RiskCategory: types.RiskHigh}
	low := &types.ScanReport{RiskCategory: types.RiskLow}

	sa := scanArgs{failOn: "high"}
	assert.ErrorIs(t, sa.checkThreshold(low, high), ErrRiskThreshold)
	assert.NoError(t, sa.checkThreshold(low))

	sa.failOn = ""
	assert.NoError(t, sa.checkThreshold(high))
}

func TestErrorInfo(t *testing.T) {
	assert.Equal(t, "Unknown package", errorInfo(types.ErrUnknownPackage).Title)
	assert.Equal(t, "Invalid version", errorInfo(types.ErrInvalidVersion).Title)
	assert.Equal(t, "Scan failed", errorInfo(os.ErrPermission).Title)
}

// offlineEnv points every external client at local fixtures and returns the
// old and new source directories.
func offlineEnv(t *testing.T) (string, string) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	registry := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/lodash" {
			w.Write([]byte(`{"name":"lodash","versions":{"4.17.15":{},"4.17.21":{}}}`))
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(registry.Close)
	github := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(github.Close)

	dir := t.TempDir()
	feed := filepath.Join(dir, "feed")
	require.NoError(t, os.MkdirAll(filepath.Join(feed, "npm", "lodash"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(feed, "npm", "lodash", "GHSA-35jh-r3h4-6jhm.json"), []byte(`{
		"id": "GHSA-35jh-r3h4-6jhm",
		"aliases": ["CVE-2021-23337"],
		"summary": "Command injection in lodash template",
		"affected": [{"package": {"name": "lodash", "ecosystem": "npm"},
			"ranges": [{"type": "SEMVER", "events": [{"introduced": "0"}, {"fixed": "4.17.21"}]}]}]
	}`), 0o600))

	oldSrc, newSrc := filepath.Join(dir, "old"), filepath.Join(dir, "new")
	for src, body := range map[string]string{oldSrc: "module.exports = 1\n", newSrc: "module.exports = 2\n"} {
		require.NoError(t, os.MkdirAll(src, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(src, "template.js"), []byte(body), 0o600))
	}

	viper.Set("sources", []string{"file"})
	viper.Set("feed.dir", feed)
	viper.Set("registry.npm_url", registry.URL)
	viper.Set("github.url", github.URL)
	viper.Set("db.dsn", filepath.Join(dir, "history.db"))
	viper.Set("retry.max_attempts", 1)
	return oldSrc, newSrc
}

func TestScanAndHistory(t *testing.T) {
	oldSrc, newSrc := offlineEnv(t)

	scanCmd := NewScanCmd()
	var out bytes.Buffer
	scanCmd.SetOut(&out)
	scanCmd.SetErr(&bytes.Buffer{})
	scanCmd.SetArgs([]string{
		"-e", "npm", "-p", "lodash", "--old", "4.17.15", "--new", "4.17.21",
		"--no-probe", "--old-src", oldSrc, "--new-src", newSrc, "--format", "json",
	})
	require.NoError(t, scanCmd.Execute())

	var report types.ScanReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	require.Len(t, report.Verdicts, 1)
	assert.Equal(t, "CVE-2021-23337", report.Verdicts[0].CVEID)
	assert.Equal(t, types.Fixed, report.Verdicts[0].Status)
	assert.Equal(t, 65, report.Verdicts[0].Confidence)

	historyCmd := NewHistoryCmd()
	out.Reset()
	historyCmd.SetOut(&out)
	historyCmd.SetArgs([]string{"--package", "lodash"})
	require.NoError(t, historyCmd.Execute())
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "SCAN ID"))
	assert.Contains(t, lines[1], report.ScanID)
}

func TestScanUnknownPackage(t *testing.T) {
	offlineEnv(t)

	scanCmd := NewScanCmd()
	scanCmd.SetOut(&bytes.Buffer{})
	scanCmd.SetErr(&bytes.Buffer{})
	scanCmd.SetArgs([]string{"-e", "npm", "-p", "lodahs", "--old", "1.0.0", "--new", "1.0.1", "--no-probe"})
	err := scanCmd.Execute()
	assert.ErrorIs(t, err, types.ErrUnknownPackage)
}

func TestScanOpenVEXOutput(t *testing.T) {
	oldSrc, newSrc := offlineEnv(t)
	path := filepath.Join(t.TempDir(), "scan.vex.json")

	scanCmd := NewScanCmd()
	scanCmd.SetOut(&bytes.Buffer{})
	scanCmd.SetErr(&bytes.Buffer{})
	scanCmd.SetArgs([]string{
		"-e", "npm", "-p", "lodash", "--old", "4.17.15", "--new", "4.17.21",
		"--no-probe", "--old-src", oldSrc, "--new-src", newSrc, "--format", "openvex", "--output", path,
	})
	require.NoError(t, scanCmd.Execute())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "CVE-2021-23337")
	assert.Contains(t, string(data), "pkg:npm/lodash@4.17.21")
}

func TestWriteHistoryTableEmpty(t *testing.T) {
	var out bytes.Buffer
	writeHistoryTable(&out, nil)
	assert.Equal(t, "No scans recorded\n", out.String())
}
