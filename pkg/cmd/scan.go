package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/patchverify/patchverify/pkg/bulk"
	"github.com/patchverify/patchverify/pkg/tui"
	"github.com/patchverify/patchverify/pkg/types"
	"github.com/patchverify/patchverify/pkg/vex"
)

// ErrRiskThreshold is returned when a scan lands at or above --fail-on.
var ErrRiskThreshold = errors.New("risk threshold exceeded")

const (
	formatTable   = "table"
	formatJSON    = "json"
	formatOpenVEX = "openvex"
)

type scanArgs struct {
	ecosystem    string
	pkg          string
	oldVersion   string
	newVersion   string
	noProbe      bool
	format       string
	output       string
	repo         string
	oldSrc       string
	newSrc       string
	timeout      time.Duration
	probeTimeout time.Duration
	configFile   string
	failOn       string
	workers      int
}

func NewScanCmd() *cobra.Command {
	sa := scanArgs{}
	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Verify which known vulnerabilities an upgrade actually fixes",
		Example: `  patchverify scan -e npm -p lodash --old 4.17.15 --new 4.17.21
  patchverify scan -e PyPI -p requests --old 2.25.0 --new 2.31.0 --no-probe --format json
  patchverify scan --config-file patchverify-bulk.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := sa.validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runScan(ctx, cmd, &sa)
		},
	}
	flags := scanCmd.Flags()
	flags.StringVarP(&sa.ecosystem, "ecosystem", "e", "", "Package ecosystem (npm, PyPI, Go, Maven, ...)")
	flags.StringVarP(&sa.pkg, "package", "p", "", "Package name")
	flags.StringVar(&sa.oldVersion, "old", "", "Currently installed version")
	flags.StringVar(&sa.newVersion, "new", "", "Candidate upgrade version")
	flags.BoolVar(&sa.noProbe, "no-probe", false, "Skip behavioral probes; verdicts rely on diff and advisory evidence")
	flags.StringVarP(&sa.format, "format", "f", formatTable, "Output format: table, json or openvex")
	flags.StringVarP(&sa.output, "output", "o", "", "Output file path, defaults to stdout")
	flags.StringVar(&sa.repo, "repo", "", "Upstream repository (owner/name) to read release notes from")
	flags.StringVar(&sa.oldSrc, "old-src", "", "Local source directory of the old version")
	flags.StringVar(&sa.newSrc, "new-src", "", "Local source directory of the new version")
	flags.DurationVar(&sa.timeout, "timeout", 0, "Overall scan budget, defaults to timeouts.scan")
	flags.DurationVar(&sa.probeTimeout, "probe-timeout", 0, "Per-probe run budget, defaults to timeouts.probe")
	flags.StringVar(&sa.configFile, "config-file", "", "Path to a bulk scan YAML config file. If used, package flags are not allowed.")
	flags.StringVar(&sa.failOn, "fail-on", "", "Exit non-zero when the risk category is at or above this level (low, medium, high, critical)")
	flags.IntVar(&sa.workers, "workers", 0, "Concurrent vulnerability assessments per scan, defaults to workers")

	return scanCmd
}

func (sa *scanArgs) validate() error {
	switch sa.format {
	case formatTable, formatJSON, formatOpenVEX:
	default:
		return fmt.Errorf("unsupported output format %q, must be one of: table, json, openvex", sa.format)
	}
	if sa.failOn != "" && types.RiskCategory(sa.failOn).Rank() < 0 {
		return fmt.Errorf("unknown --fail-on category %q", sa.failOn)
	}

	single := sa.ecosystem != "" || sa.pkg != "" || sa.oldVersion != "" || sa.newVersion != ""
	if sa.configFile != "" {
		if single || sa.oldSrc != "" || sa.newSrc != "" {
			return errors.New("--config-file cannot be used with --ecosystem, --package, --old, --new, --old-src or --new-src")
		}
		if sa.format == formatOpenVEX {
			return errors.New("--format openvex is not supported with --config-file")
		}
		return nil
	}
	if !single {
		return errors.New("either --config-file or --ecosystem, --package, --old and --new must be provided")
	}
	var missing []string
	for flag, v := range map[string]string{"--ecosystem": sa.ecosystem, "--package": sa.pkg, "--old": sa.oldVersion, "--new": sa.newVersion} {
		if v == "" {
			missing = append(missing, flag)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("missing required flags: %s", strings.Join(missing, ", "))
	}
	if (sa.oldSrc == "") != (sa.newSrc == "") {
		return errors.New("--old-src and --new-src must be used together")
	}
	return nil
}

func (sa *scanArgs) scanOptions(cfg *Config) types.ScanOptions {
	opts := cfg.ScanOptions()
	if sa.noProbe {
		opts.Probe = false
	}
	if sa.timeout > 0 {
		opts.Timeouts.Scan = sa.timeout
	}
	if sa.probeTimeout > 0 {
		opts.Timeouts.Probe = sa.probeTimeout
	}
	if sa.workers > 0 {
		opts.Workers = sa.workers
	}
	opts.Repo = sa.repo
	return opts
}

func runScan(ctx context.Context, cmd *cobra.Command, sa *scanArgs) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	if sa.noProbe {
		cfg.Probe.Enabled = false
	}

	a, err := newApp(cfg, appOptions{OldSrc: sa.oldSrc, NewSrc: sa.newSrc, OldVer: sa.oldVersion, NewVer: sa.newVersion})
	if err != nil {
		return err
	}
	defer a.Close()
	opts := sa.scanOptions(cfg)

	if sa.configFile != "" {
		log.Info("Starting in bulk scan mode...")
		reports, err := bulk.ScanFromConfig(ctx, sa.configFile, a.scanner, bulk.Options{
			Workers: viper.GetInt("bulk.workers"),
			Scan:    opts,
			Lister:  a.registry,
		})
		if len(reports) > 0 {
			if werr := sa.writeReports(cmd.OutOrStdout(), reports); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
		return sa.checkThreshold(reports...)
	}

	pair := types.PackageVersionPair{
		Ecosystem:  sa.ecosystem,
		Package:    sa.pkg,
		OldVersion: sa.oldVersion,
		NewVersion: sa.newVersion,
	}
	if sa.format == formatTable && sa.output == "" {
		fmt.Fprint(cmd.ErrOrStderr(), tui.RenderScanPlan(tui.ScanPlan{
			Pair:    pair,
			Sources: a.sources,
			Probe:   opts.Probe,
			Sandbox: a.sandboxed,
		}))
	}

	report, err := a.scanner.Run(ctx, pair, opts)
	if err != nil {
		fmt.Fprint(cmd.ErrOrStderr(), tui.RenderError(errorInfo(err)))
		return err
	}
	if err := sa.writeReports(cmd.OutOrStdout(), []*types.ScanReport{report}); err != nil {
		return err
	}
	return sa.checkThreshold(report)
}

// writeReports renders reports in the chosen format to --output or w.
func (sa *scanArgs) writeReports(w io.Writer, reports []*types.ScanReport) error {
	if sa.format == formatOpenVEX && sa.output != "" {
		return vex.TryOutputVexDocument(reports[0], sa.format, sa.output)
	}

	var body string
	switch sa.format {
	case formatJSON:
		var v any = reports
		if len(reports) == 1 && sa.configFile == "" {
			v = reports[0]
		}
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		body = string(b) + "\n"
	case formatOpenVEX:
		doc, err := (&vex.OpenVex{}).CreateVEXDocument(reports[0])
		if err != nil {
			return err
		}
		body = doc
	default:
		var b strings.Builder
		for _, r := range reports {
			b.WriteString(tui.RenderReport(r))
		}
		body = b.String()
	}

	if sa.output != "" {
		return os.WriteFile(sa.output, []byte(body), 0o600)
	}
	_, err := io.WriteString(w, body)
	return err
}

func (sa *scanArgs) checkThreshold(reports ...*types.ScanReport) error {
	if sa.failOn == "" {
		return nil
	}
	threshold := types.RiskCategory(sa.failOn)
	for _, r := range reports {
		if r.RiskCategory.Rank() >= threshold.Rank() {
			return fmt.Errorf("%w: %s is %s (%.1f), threshold %s",
				ErrRiskThreshold, r.PackageVersionPair, r.RiskCategory, r.RiskScore, threshold)
		}
	}
	return nil
}

func errorInfo(err error) tui.ErrorInfo {
	info := tui.ErrorInfo{Title: "Scan failed", Message: err.Error()}
	switch {
	case errors.Is(err, types.ErrUnknownPackage):
		info.Title = "Unknown package"
		info.Hint = "check the package name and ecosystem spelling"
	case errors.Is(err, types.ErrInvalidVersion):
		info.Title = "Invalid version"
		info.Hint = "versions must follow the ecosystem's versioning scheme"
	case errors.Is(err, types.ErrUnsupportedEcosystem):
		info.Title = "Unsupported ecosystem"
	case errors.Is(err, types.ErrScanCanceled):
		info.Title = "Scan canceled"
	}
	return info
}
