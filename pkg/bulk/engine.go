package bulk

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"text/tabwriter"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/patchverify/patchverify/pkg/types"
)

// Runner runs one scan. *scan.Scanner satisfies it.
type Runner interface {
	Run(ctx context.Context, pair types.PackageVersionPair, opts types.ScanOptions) (*types.ScanReport, error)
}

type Options struct {
	// Workers bounds the scans running at once.
	Workers int
	Scan    types.ScanOptions
	Lister  VersionLister
}

const defaultWorkers = 2

type scanJobStatus struct {
	Name   string
	Pair   types.PackageVersionPair
	Report *types.ScanReport
	Error  error
}

// LoadConfig reads and validates a bulk scan file.
func LoadConfig(configPath string) (*ScanConfig, error) {
	yamlFile, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var config ScanConfig
	if err := yaml.Unmarshal(yamlFile, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML from %s: %w", configPath, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return &config, nil
}

// ScanFromConfig runs every scan the file at configPath defines. Reports are
// returned in completion order; failed scans are aggregated into the error.
func ScanFromConfig(ctx context.Context, configPath string, runner Runner, opts Options) ([]*types.ScanReport, error) {
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return Scan(ctx, config, runner, opts)
}

func Scan(ctx context.Context, config *ScanConfig, runner Runner, opts Options) ([]*types.ScanReport, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	sem := make(chan struct{}, workers)

	var wg sync.WaitGroup
	var mu sync.Mutex

	errChan := make(chan error, 1000)
	results := make([]scanJobStatus, 0)

	log.Infof("Starting bulk scan for %d package(s)...", len(config.Scans))

	for _, scanSpec := range config.Scans {
		wg.Add(1)

		go func(spec ScanSpec) {
			defer wg.Done()

			targets, err := FindTargets(ctx, opts.Lister, &spec)
			if err != nil {
				errChan <- fmt.Errorf("error discovering versions for '%s': %w", spec.displayName(), err)
				return
			}

			if len(targets) == 0 {
				log.Warnf("No versions found to scan for '%s', skipping.", spec.displayName())
				return
			}
			log.Infof("For '%s', found %d version(s) to scan: %v", spec.displayName(), len(targets), targets)

			scanOpts := opts.Scan
			if spec.Probe != nil {
				scanOpts.Probe = *spec.Probe
			}
			if spec.Repo != "" {
				scanOpts.Repo = spec.Repo
			}

			var innerWg sync.WaitGroup
			for _, target := range targets {
				innerWg.Add(1)

				go func(v string) {
					defer innerWg.Done()

					pair := types.PackageVersionPair{
						Ecosystem:  spec.Ecosystem,
						Package:    spec.Package,
						OldVersion: spec.Old,
						NewVersion: v,
					}

					select {
					case sem <- struct{}{}:
					case <-ctx.Done():
						errChan <- fmt.Errorf("scan of %s not started: %w", pair.String(), ctx.Err())
						return
					}
					log.Infof("--> Starting scan for %s", pair.String())
					report, err := runner.Run(ctx, pair, scanOpts)
					<-sem

					mu.Lock()
					jobResult := scanJobStatus{Name: spec.displayName(), Pair: pair, Report: report}
					if err != nil {
						jobResult.Error = err
						errChan <- fmt.Errorf("scan of %s failed: %w", pair.String(), err)
						log.Errorf("--> Failed to scan %s: %v", pair.String(), err)
					} else {
						log.Infof("--> Scanned %s: risk %.1f (%s)", pair.String(), report.RiskScore, report.RiskCategory)
					}
					results = append(results, jobResult)
					mu.Unlock()
				}(target)
			}
			innerWg.Wait()
		}(scanSpec)
	}

	wg.Wait()
	close(errChan)

	printSummary(results)

	var multiErr *multierror.Error
	for err := range errChan {
		multiErr = multierror.Append(multiErr, err)
	}

	reports := make([]*types.ScanReport, 0, len(results))
	for _, res := range results {
		if res.Report != nil {
			reports = append(reports, res.Report)
		}
	}

	log.Info("Bulk scan run completed.")
	return reports, multiErr.ErrorOrNil()
}

func printSummary(results []scanJobStatus) {
	if len(results) == 0 {
		return
	}
	log.Infof("\n\n--- Bulk Scan Summary ---\n%s", summaryTable(results))
}

func summaryTable(results []scanJobStatus) string {
	var buf bytes.Buffer
	writer := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintln(writer, "NAME\tOLD\tNEW\tRISK\tCATEGORY\tDETAILS")

	for _, res := range results {
		risk, category, details := "-", "-", "OK"
		switch {
		case res.Error != nil:
			details = res.Error.Error()
		case res.Report != nil:
			risk = fmt.Sprintf("%.1f", res.Report.RiskScore)
			category = string(res.Report.RiskCategory)
			if res.Report.Degraded {
				details = "degraded"
			}
		}
		row := fmt.Sprintf("%s\t%s\t%s\t%s\t%s\t%s", res.Name, res.Pair.OldVersion, res.Pair.NewVersion, risk, category, details)
		fmt.Fprintln(writer, row)
	}

	writer.Flush()
	return buf.String()
}
