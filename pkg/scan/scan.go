// Package scan runs one verification scan: resolve the vulnerabilities of
// the old version, collect diff and probe evidence, fuse verdicts and
// aggregate risk into a ScanReport.
package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/patchverify/patchverify/pkg/differ"
	"github.com/patchverify/patchverify/pkg/history"
	"github.com/patchverify/patchverify/pkg/metrics"
	"github.com/patchverify/patchverify/pkg/notify"
	"github.com/patchverify/patchverify/pkg/probe"
	"github.com/patchverify/patchverify/pkg/resolver"
	"github.com/patchverify/patchverify/pkg/risk"
	"github.com/patchverify/patchverify/pkg/sandbox"
	"github.com/patchverify/patchverify/pkg/source"
	"github.com/patchverify/patchverify/pkg/types"
	"github.com/patchverify/patchverify/pkg/verdict"
	"github.com/patchverify/patchverify/pkg/version"
)

// Resolver finds the vulnerabilities affecting a package version.
type Resolver interface {
	Resolve(ctx context.Context, req resolver.Request) (*resolver.Resolution, error)
}

// Scanner wires the producers, the verdict engine and the report sinks.
// Only Resolver is required; missing producers yield absent evidence and
// missing sinks are skipped.
type Scanner struct {
	Resolver   Resolver
	Fetcher    source.Fetcher
	Identifier source.Identifier
	Installer  probe.Installer
	Harness    *probe.Harness
	Engine     *verdict.Engine
	Risk       *risk.Aggregator
	Store      history.Store
	Notifier   *notify.Dispatcher
	Metrics    *metrics.Metrics
}

var (
	now   = time.Now
	newID = uuid.NewString
)

type diffResult struct {
	evidence map[string]types.Evidence
	note     string
}

type installResult struct {
	old, new *sandbox.InstallHandle
	notes    []string
}

// Run scans pair. It fails only when the pair cannot be identified or the
// caller cancels ctx; every other failure degrades the report.
func (s *Scanner) Run(ctx context.Context, pair types.PackageVersionPair, opts types.ScanOptions) (*types.ScanReport, error) {
	opts = opts.WithDefaults()
	started := now()
	pair.Ecosystem = version.Canonical(pair.Ecosystem)
	logger := log.WithField("package", pair.String())

	if err := s.identify(ctx, pair, opts); err != nil {
		if ctx.Err() != nil {
			return nil, canceled(ctx)
		}
		return nil, err
	}

	scanCtx, cancel := context.WithTimeout(ctx, opts.Timeouts.Scan)
	defer cancel()

	records, notes, err := s.resolve(ctx, scanCtx, pair, opts)
	if err != nil {
		return nil, err
	}
	logger.Infof("assessing %d vulnerabilities", len(records))

	verdicts := make([]types.Verdict, len(records))
	if len(records) > 0 {
		diffF := start(func() (diffResult, error) {
			return s.diff(scanCtx, pair, records, opts.Timeouts.Fetch), nil
		})
		var installF *future[installResult]
		probeReason := "probing disabled"
		switch {
		case !opts.Probe:
		case s.Installer == nil || s.Harness == nil:
			probeReason = "no probe harness configured"
		default:
			installF = start(func() (installResult, error) {
				return s.install(scanCtx, pair, opts.Timeouts.Fetch), nil
			})
		}
		defer func() {
			cancel()
			diffF.settle()
			if installF != nil {
				ir, _ := installF.settle()
				ir.old.Cleanup()
				ir.new.Cleanup()
			}
		}()

		harness := s.harness(opts)
		engine := s.engine()
		var g errgroup.Group
		g.SetLimit(opts.Workers)
		for i, rec := range records {
			g.Go(func() error {
				diffEv := waitDiff(scanCtx, diffF, rec)
				probeEv := types.Evidence(types.Absent{Kind: types.KindProbe, Reason: probeReason})
				if installF != nil {
					probeEv = types.Absent{Kind: types.KindProbe, Reason: "scan budget exhausted"}
					if ir, err := installF.wait(scanCtx); err == nil {
						probeEv = harness.Probe(scanCtx, rec, ir.old, ir.new)
					}
				}
				s.Metrics.ObserveProbe(probeEv)
				verdicts[i] = engine.Fuse(rec, diffEv, probeEv)
				return nil
			})
		}
		_ = g.Wait()

		if ctx.Err() != nil {
			return nil, canceled(ctx)
		}
		if dr, err := diffF.wait(scanCtx); err == nil && dr.note != "" {
			notes = append(notes, dr.note)
		}
		if installF != nil {
			if ir, err := installF.wait(scanCtx); err == nil {
				notes = append(notes, ir.notes...)
			}
		}
	}
	if ctx.Err() != nil {
		return nil, canceled(ctx)
	}
	if scanCtx.Err() != nil {
		notes = append(notes, fmt.Sprintf("scan budget of %s exhausted", opts.Timeouts.Scan))
	}

	agg := s.Risk
	if agg == nil {
		agg = risk.NewAggregator()
	}
	score, category := agg.Aggregate(verdicts, records)
	report := &types.ScanReport{
		ScanID:             newID(),
		PackageVersionPair: pair,
		Verdicts:           verdicts,
		RiskScore:          score,
		RiskCategory:       category,
		Degraded:           len(notes) > 0,
		Degradation:        notes,
		Timestamp:          now().UTC(),
	}

	logger.WithFields(log.Fields{
		"scan":     report.ScanID,
		"risk":     report.RiskScore,
		"category": report.RiskCategory,
		"degraded": report.Degraded,
	}).Info("scan complete")

	s.Metrics.ObserveScan(report, now().Sub(started))
	if s.Store != nil {
		if err := s.Store.Append(ctx, report); err != nil {
			logger.Warnf("recording scan %s: %v", report.ScanID, err)
		}
	}
	s.Notifier.Dispatch(report)
	return report, nil
}

func canceled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", types.ErrScanCanceled, ctx.Err())
}

// identify rejects pairs that cannot name a real package version.
func (s *Scanner) identify(ctx context.Context, pair types.PackageVersionPair, opts types.ScanOptions) error {
	cmp, err := version.ForEcosystem(pair.Ecosystem)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrUnsupportedEcosystem, err)
	}
	if pair.Package == "" {
		return fmt.Errorf("%w: empty package name", types.ErrUnknownPackage)
	}
	for _, v := range []string{pair.OldVersion, pair.NewVersion} {
		if !cmp.IsValid(v) {
			return fmt.Errorf("%w: %q is not a valid %s version", types.ErrInvalidVersion, v, pair.Ecosystem)
		}
	}
	if s.Identifier == nil {
		return nil
	}

	ictx, cancel := context.WithTimeout(ctx, opts.Timeouts.Resolve)
	defer cancel()
	if err := s.Identifier.Identify(ictx, pair.Ecosystem, pair.Package); err != nil {
		if errors.Is(err, types.ErrUnknownPackage) {
			return err
		}
		log.Warnf("could not confirm %s exists in %s: %v", pair.Package, pair.Ecosystem, err)
	}
	return nil
}

func (s *Scanner) resolve(parent, ctx context.Context, pair types.PackageVersionPair, opts types.ScanOptions) ([]types.VulnerabilityRecord, []string, error) {
	if s.Resolver == nil {
		return nil, []string{"no vulnerability sources configured"}, nil
	}

	rctx, cancel := context.WithTimeout(ctx, opts.Timeouts.Resolve)
	defer cancel()
	res, err := s.Resolver.Resolve(rctx, resolver.Request{
		Pair:        pair,
		Credentials: opts.Credentials,
		Retry:       opts.Retry,
		Repo:        opts.Repo,
	})
	switch {
	case parent.Err() != nil:
		return nil, nil, canceled(parent)
	case errors.Is(err, types.ErrInvalidVersion), errors.Is(err, types.ErrUnsupportedEcosystem):
		return nil, nil, err
	case err != nil:
		log.Warnf("vulnerability resolution failed: %v", err)
		return nil, []string{fmt.Sprintf("resolver: %v", err)}, nil
	}
	return res.Records, append([]string(nil), res.Notes...), nil
}

// diff fetches both trees, compares them and releases them.
func (s *Scanner) diff(ctx context.Context, pair types.PackageVersionPair, records []types.VulnerabilityRecord, timeout time.Duration) diffResult {
	if s.Fetcher == nil {
		return diffResult{evidence: differ.Unavailable(records, "no source fetcher configured")}
	}

	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var oldTree, newTree *source.Tree
	g, gctx := errgroup.WithContext(fctx)
	g.Go(func() error {
		t, err := s.Fetcher.Fetch(gctx, pair.Ecosystem, pair.Package, pair.OldVersion)
		oldTree = t
		return err
	})
	g.Go(func() error {
		t, err := s.Fetcher.Fetch(gctx, pair.Ecosystem, pair.Package, pair.NewVersion)
		newTree = t
		return err
	})
	err := g.Wait()
	defer oldTree.Cleanup()
	defer newTree.Cleanup()

	if err == nil {
		var d *differ.TreeDiff
		if d, err = differ.Analyze(fctx, oldTree, newTree); err == nil {
			return diffResult{evidence: differ.Evidence(d, records)}
		}
	}
	reason := fmt.Sprintf("source unavailable: %v", err)
	log.Warn(reason)
	return diffResult{evidence: differ.Unavailable(records, reason), note: reason}
}

// install prepares both versions for probing. A failed side is left nil.
func (s *Scanner) install(ctx context.Context, pair types.PackageVersionPair, timeout time.Duration) installResult {
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var res installResult
	var oldErr, newErr error
	var g errgroup.Group
	g.Go(func() error {
		res.old, oldErr = s.Installer.Install(ictx, pair.Ecosystem, pair.Package, pair.OldVersion)
		return nil
	})
	g.Go(func() error {
		res.new, newErr = s.Installer.Install(ictx, pair.Ecosystem, pair.Package, pair.NewVersion)
		return nil
	})
	_ = g.Wait()

	for _, err := range []error{oldErr, newErr} {
		switch {
		case err == nil:
		case errors.Is(err, probe.ErrNoInstaller):
			log.Debugf("probing skipped: %v", err)
		default:
			log.Warnf("install for probing failed: %v", err)
			res.notes = append(res.notes, fmt.Sprintf("install unavailable: %v", err))
		}
	}
	return res
}

func waitDiff(ctx context.Context, f *future[diffResult], rec types.VulnerabilityRecord) types.Evidence {
	dr, err := f.wait(ctx)
	if err != nil {
		return types.Absent{Kind: types.KindDiff, Reason: "scan budget exhausted"}
	}
	if ev, ok := dr.evidence[rec.ID]; ok {
		return ev
	}
	return types.Absent{Kind: types.KindDiff, Reason: "no diff evidence"}
}

func (s *Scanner) harness(opts types.ScanOptions) *probe.Harness {
	if s.Harness == nil {
		return nil
	}
	h := *s.Harness
	h.Limits.Timeout = opts.Timeouts.Probe
	return &h
}

func (s *Scanner) engine() *verdict.Engine {
	if s.Engine != nil {
		return s.Engine
	}
	return verdict.NewEngine(verdict.DefaultPolicy())
}
