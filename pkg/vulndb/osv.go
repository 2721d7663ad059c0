package vulndb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/patchverify/patchverify/pkg/types"
	"github.com/patchverify/patchverify/pkg/version"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const (
	osvSource     = "osv"
	osvDefaultURL = "https://api.osv.dev"
	osvMaxPages   = 20
)

// OSVClient queries the OSV.dev v1 API.
type OSVClient struct {
	HTTPClient *http.Client
	BaseURL    string
	cb         *gobreaker.CircuitBreaker
}

// NewOSVClient returns a client for baseURL, or api.osv.dev when empty.
func NewOSVClient(baseURL string) *OSVClient {
	if baseURL == "" {
		baseURL = osvDefaultURL
	}
	return &OSVClient{
		HTTPClient: newHTTPClient(),
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		cb:         newBreaker(osvSource),
	}
}

func (c *OSVClient) Name() string { return osvSource }

type osvQuery struct {
	Package   osvPackage `json:"package"`
	PageToken string     `json:"page_token,omitempty"`
}

type osvPackage struct {
	Name      string `json:"name"`
	Ecosystem string `json:"ecosystem"`
}

type osvResponse struct {
	Vulns         []osvVuln `json:"vulns"`
	NextPageToken string    `json:"next_page_token"`
}

type osvVuln struct {
	ID         string    `json:"id"`
	Aliases    []string  `json:"aliases"`
	Summary    string    `json:"summary"`
	Details    string    `json:"details"`
	Published  time.Time `json:"published"`
	References []struct {
		Type string `json:"type"`
		URL  string `json:"url"`
	} `json:"references"`
	Severity []struct {
		Type  string `json:"type"`
		Score string `json:"score"`
	} `json:"severity"`
	DatabaseSpecific struct {
		Severity string `json:"severity"`
	} `json:"database_specific"`
	Affected []osvAffected `json:"affected"`
}

type osvAffected struct {
	Package  osvPackage `json:"package"`
	Versions []string   `json:"versions"`
	Ranges   []struct {
		Type   string `json:"type"`
		Events []struct {
			Introduced   string `json:"introduced,omitempty"`
			Fixed        string `json:"fixed,omitempty"`
			LastAffected string `json:"last_affected,omitempty"`
			Limit        string `json:"limit,omitempty"`
		} `json:"events"`
	} `json:"ranges"`
	EcosystemSpecific struct {
		Imports []struct {
			Path    string   `json:"path"`
			Symbols []string `json:"symbols"`
		} `json:"imports"`
		AffectedFunctions []string `json:"affected_functions"`
	} `json:"ecosystem_specific"`
}

// Lookup returns every OSV vulnerability recorded for the package.
func (c *OSVClient) Lookup(ctx context.Context, q Query) (*Feed, error) {
	feed := &Feed{Source: osvSource, FetchedAt: now().UTC()}
	query := osvQuery{Package: osvPackage{Name: q.Package, Ecosystem: version.Canonical(q.Ecosystem)}}

	for page := 0; page < osvMaxPages; page++ {
		body, err := json.Marshal(query)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal OSV query: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/query", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create OSV request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		log.Debugf("OSV: querying %s for %s/%s (page %d)", req.URL, query.Package.Ecosystem, q.Package, page)

		raw, err := do(c.cb, c.HTTPClient, osvSource, req)
		if err != nil {
			return nil, err
		}
		var resp osvResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, &types.ResolutionError{Source: osvSource, Err: fmt.Errorf("failed to decode OSV response: %w", err)}
		}
		for i := range resp.Vulns {
			if rec, ok := convertOSV(&resp.Vulns[i], q, osvSource); ok {
				feed.Records = append(feed.Records, rec)
			}
		}
		if resp.NextPageToken == "" {
			return feed, nil
		}
		query.PageToken = resp.NextPageToken
	}
	log.Warnf("OSV: stopped paging after %d pages for %s", osvMaxPages, q.Package)
	return feed, nil
}

// convertOSV keeps only the affected entries for the queried package.
func convertOSV(v *osvVuln, q Query, source string) (RawRecord, bool) {
	rec := RawRecord{
		ID:        v.ID,
		Aliases:   v.Aliases,
		Summary:   v.Summary,
		Details:   v.Details,
		Published: v.Published,
		Source:    source,
	}
	for _, r := range v.References {
		if r.URL != "" {
			rec.References = append(rec.References, r.URL)
		}
	}

	matched := false
	for _, a := range v.Affected {
		if !samePackage(q.Ecosystem, a.Package.Name, q.Package) || !sameEcosystem(a.Package.Ecosystem, q.Ecosystem) {
			continue
		}
		matched = true
		rec.Affected.Versions = append(rec.Affected.Versions, a.Versions...)
		for _, r := range a.Ranges {
			if r.Type != "ECOSYSTEM" && r.Type != "SEMVER" {
				continue
			}
			var cur *version.Range
			for _, e := range r.Events {
				switch {
				case e.Introduced != "":
					if cur != nil {
						rec.Affected.Ranges = append(rec.Affected.Ranges, *cur)
					}
					cur = &version.Range{Introduced: e.Introduced}
				case e.Fixed != "":
					if cur == nil {
						cur = &version.Range{}
					}
					cur.Fixed = e.Fixed
					rec.Affected.Ranges = append(rec.Affected.Ranges, *cur)
					cur = nil
				case e.LastAffected != "":
					if cur == nil {
						cur = &version.Range{}
					}
					cur.LastAffected = e.LastAffected
					rec.Affected.Ranges = append(rec.Affected.Ranges, *cur)
					cur = nil
				}
			}
			if cur != nil {
				rec.Affected.Ranges = append(rec.Affected.Ranges, *cur)
			}
		}
		for _, imp := range a.EcosystemSpecific.Imports {
			rec.Paths = append(rec.Paths, imp.Path)
			rec.Paths = append(rec.Paths, imp.Symbols...)
		}
		rec.Paths = append(rec.Paths, a.EcosystemSpecific.AffectedFunctions...)
	}
	if !matched {
		return RawRecord{}, false
	}

	for _, s := range v.Severity {
		if score, err := strconv.ParseFloat(s.Score, 64); err == nil {
			rec.Severity, rec.SeverityKnown, rec.SeverityFromScore = score, true, true
			break
		}
		if score, ok := cvss3BaseScore(s.Score); ok {
			rec.Severity, rec.SeverityKnown, rec.SeverityFromScore = score, true, true
			break
		}
	}
	if !rec.SeverityKnown {
		if score, ok := types.SeverityLabel(v.DatabaseSpecific.Severity); ok {
			rec.Severity, rec.SeverityKnown = score, true
		}
	}
	return rec, true
}

func sameEcosystem(a, b string) bool {
	return strings.EqualFold(version.Canonical(a), version.Canonical(b)) ||
		strings.HasPrefix(strings.ToLower(a), strings.ToLower(version.Canonical(b))+":")
}

// samePackage compares names; PyPI treats '-', '_' and '.' as equivalent.
func samePackage(ecosystem, a, b string) bool {
	if strings.EqualFold(version.Canonical(ecosystem), version.PyPI) {
		return normalizePyPI(a) == normalizePyPI(b)
	}
	return a == b
}

func normalizePyPI(name string) string {
	r := strings.NewReplacer("_", "-", ".", "-")
	return strings.ToLower(r.Replace(name))
}
