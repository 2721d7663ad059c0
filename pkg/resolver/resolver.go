// Package resolver turns raw vulnerability feeds into the records that
// affect the old version of an upgrade, annotated with whether upstream
// data claims the new version is fixed.
package resolver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/patchverify/patchverify/pkg/promise"
	"github.com/patchverify/patchverify/pkg/types"
	"github.com/patchverify/patchverify/pkg/version"
	"github.com/patchverify/patchverify/pkg/vulndb"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const releaseNotesSource = "release-notes"

// PromiseSource yields fix promises from upstream release notes.
type PromiseSource interface {
	Promises(ctx context.Context, token, repo, pkg, newVersion string) ([]promise.Promise, error)
}

// Resolver queries every client and merges their feeds.
type Resolver struct {
	Clients  []vulndb.Client
	Promises PromiseSource
	Cache    *Cache
}

// Request carries the per-scan inputs of Resolve.
type Request struct {
	Pair        types.PackageVersionPair
	Credentials types.Credentials
	Retry       types.RetryPolicy
	// Repo is the optional owner/name used for release notes.
	Repo string
}

// Resolution is the resolver output for one scan.
type Resolution struct {
	Records  []types.VulnerabilityRecord
	Degraded bool
	// Notes explain each degradation.
	Notes []string
}

// New returns a resolver over clients, in priority order.
func New(cache *Cache, promises PromiseSource, clients ...vulndb.Client) *Resolver {
	return &Resolver{Clients: clients, Promises: promises, Cache: cache}
}

type sourceResult struct {
	feed     *vulndb.Feed
	degraded string
}

// Resolve returns the records affecting the old version in discovery order.
// Source failures degrade the result; only an unusable pair or a canceled
// context is an error.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Resolution, error) {
	cmp, err := version.ForEcosystem(req.Pair.Ecosystem)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrUnsupportedEcosystem, err)
	}
	for _, v := range []string{req.Pair.OldVersion, req.Pair.NewVersion} {
		if !cmp.IsValid(v) {
			return nil, fmt.Errorf("%w: %q is not a valid %s version", types.ErrInvalidVersion, v, req.Pair.Ecosystem)
		}
	}

	q := vulndb.Query{Ecosystem: req.Pair.Ecosystem, Package: req.Pair.Package, Credentials: req.Credentials}
	results := make([]sourceResult, len(r.Clients))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range r.Clients {
		g.Go(func() error {
			results[i] = r.lookup(gctx, c, q, req.Retry)
			return nil
		})
	}
	var promises []promise.Promise
	if r.Promises != nil {
		g.Go(func() error {
			p, err := r.Promises.Promises(gctx, req.Credentials.GitHubToken, req.Repo, req.Pair.Package, req.Pair.NewVersion)
			if err != nil {
				log.Infof("release notes unavailable for %s %s: %v", req.Pair.Package, req.Pair.NewVersion, err)
				return nil
			}
			promises = p
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Resolution{}
	var raw []vulndb.RawRecord
	for _, sr := range results {
		if sr.degraded != "" {
			res.Degraded = true
			res.Notes = append(res.Notes, sr.degraded)
		}
		if sr.feed != nil {
			raw = append(raw, sr.feed.Records...)
		}
	}

	for _, m := range mergeRecords(raw) {
		rec, ok := evaluate(cmp, m, req.Pair)
		if ok {
			res.Records = append(res.Records, rec)
		}
	}
	res.Records = applyPromises(res.Records, promises)

	log.WithFields(log.Fields{
		"package":  req.Pair.Package,
		"records":  len(res.Records),
		"degraded": res.Degraded,
	}).Info("resolved vulnerabilities")
	return res, nil
}

// lookup queries one client with retries and falls back to the cache.
func (r *Resolver) lookup(ctx context.Context, c vulndb.Client, q vulndb.Query, policy types.RetryPolicy) sourceResult {
	logger := log.WithField("source", c.Name())
	var feed *vulndb.Feed
	op := func() error {
		f, err := c.Lookup(ctx, q)
		if err != nil {
			if !vulndb.IsTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		feed = f
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Debugf("lookup failed, retrying in %v: %v", wait, err)
	}

	err := backoff.RetryNotify(op, newBackOff(ctx, policy), notify)
	if err == nil {
		if r.Cache != nil {
			r.Cache.Put(ctx, q.Ecosystem, q.Package, feed)
		}
		return sourceResult{feed: feed}
	}
	if ctx.Err() != nil {
		return sourceResult{}
	}

	logger.Warnf("lookup failed after retries: %v", err)
	if r.Cache != nil {
		if cached, ok := r.Cache.Get(ctx, q.Ecosystem, q.Package, c.Name()); ok {
			logger.Warnf("using cached feed from %s", cached.FetchedAt.Format(time.RFC3339))
			return sourceResult{
				feed:     cached,
				degraded: fmt.Sprintf("%s: unavailable, using cached feed from %s", c.Name(), cached.FetchedAt.Format(time.RFC3339)),
			}
		}
	}
	return sourceResult{degraded: fmt.Sprintf("%s: unavailable and no cached feed: %v", c.Name(), err)}
}

// newBackOff builds the retry schedule. MaxAttempts counts the first try.
func newBackOff(ctx context.Context, p types.RetryPolicy) backoff.BackOff {
	if p.MaxAttempts <= 0 {
		p = types.DefaultRetryPolicy()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)
}

// evaluate applies the affected predicate. Records without range data are
// kept since the source reported them for this package.
func evaluate(cmp version.VersionComparer, m *merged, pair types.PackageVersionPair) (types.VulnerabilityRecord, bool) {
	raw := m.rec
	rec := types.VulnerabilityRecord{
		ID:            raw.ID,
		Aliases:       raw.Aliases,
		Summary:       raw.Summary,
		Description:   raw.Details,
		Severity:      raw.Severity,
		SeverityKnown: raw.SeverityKnown,
		References:    raw.References,
		Paths:         raw.Paths,
		Affected:      raw.Affected,
		Sources:       m.sources,
	}
	if rec.Description == "" {
		rec.Description = raw.Summary
	}
	if !rec.SeverityKnown {
		rec.Severity = types.DefaultSeverity
	}

	if !raw.Affected.Known() {
		rec.AffectsOld = true
		return rec, true
	}
	if !raw.Affected.Contains(cmp, pair.OldVersion) {
		log.Debugf("%s does not affect %s", raw.ID, pair.OldVersion)
		return types.VulnerabilityRecord{}, false
	}
	rec.AffectsOld = true
	rec.RangeKnown = true
	rec.ClaimedFixed = raw.Affected.ClaimsFixed(cmp, pair.OldVersion, pair.NewVersion)
	return rec, true
}

// applyPromises annotates records with release-note bug classes and adds a
// stub record for every promised CVE no database reported.
func applyPromises(records []types.VulnerabilityRecord, promises []promise.Promise) []types.VulnerabilityRecord {
	byID := map[string]int{}
	for i, r := range records {
		byID[strings.ToUpper(r.ID)] = i
		for _, a := range r.Aliases {
			byID[strings.ToUpper(a)] = i
		}
	}
	bugFixes := 0
	for _, p := range promises {
		if p.Kind != promise.KindCVE {
			bugFixes++
			continue
		}
		if i, ok := byID[p.ID]; ok {
			if p.BugClass != "" {
				records[i].BugClasses = appendUnique(records[i].BugClasses, p.BugClass)
			}
			records[i].Sources = appendUnique(records[i].Sources, releaseNotesSource)
			continue
		}
		rec := types.VulnerabilityRecord{
			ID:           p.ID,
			Summary:      p.Description,
			Description:  p.Description,
			Severity:     types.DefaultSeverity,
			AffectsOld:   true,
			ClaimedFixed: true,
			Sources:      []string{releaseNotesSource},
		}
		if p.BugClass != "" {
			rec.BugClasses = []string{p.BugClass}
		}
		byID[p.ID] = len(records)
		records = append(records, rec)
	}
	if bugFixes > 0 {
		log.Infof("release notes promise %d bug fixes without CVE identifiers", bugFixes)
	}
	return records
}
