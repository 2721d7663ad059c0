package vulndb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/patchverify/patchverify/pkg/types"
	"github.com/patchverify/patchverify/pkg/version"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const (
	nvdSource     = "nvd"
	nvdDefaultURL = "https://services.nvd.nist.gov/rest/json/cves/2.0"
	nvdPageSize   = 200
	nvdMaxPages   = 10
)

// NVDClient queries the NVD CVE API 2.0 by keyword and keeps only CVEs
// with a vulnerable CPE match whose product is the package.
type NVDClient struct {
	HTTPClient *http.Client
	BaseURL    string
	APIKey     string
	cb         *gobreaker.CircuitBreaker
}

// NewNVDClient returns a client for baseURL, or the public NVD API when empty.
func NewNVDClient(baseURL, apiKey string) *NVDClient {
	if baseURL == "" {
		baseURL = nvdDefaultURL
	}
	return &NVDClient{
		HTTPClient: newHTTPClient(),
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		APIKey:     apiKey,
		cb:         newBreaker(nvdSource),
	}
}

func (c *NVDClient) Name() string { return nvdSource }

type nvdResponse struct {
	ResultsPerPage  int `json:"resultsPerPage"`
	StartIndex      int `json:"startIndex"`
	TotalResults    int `json:"totalResults"`
	Vulnerabilities []struct {
		CVE nvdCVE `json:"cve"`
	} `json:"vulnerabilities"`
}

type nvdCVE struct {
	ID           string    `json:"id"`
	Published    string    `json:"published"`
	Descriptions []nvdLang `json:"descriptions"`
	References   []struct {
		URL string `json:"url"`
	} `json:"references"`
	Metrics struct {
		V31 []nvdMetric `json:"cvssMetricV31"`
		V30 []nvdMetric `json:"cvssMetricV30"`
		V2  []nvdMetric `json:"cvssMetricV2"`
	} `json:"metrics"`
	Configurations []struct {
		Nodes []struct {
			CPEMatch []nvdCPEMatch `json:"cpeMatch"`
		} `json:"nodes"`
	} `json:"configurations"`
}

type nvdLang struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type nvdMetric struct {
	CVSSData struct {
		BaseScore float64 `json:"baseScore"`
	} `json:"cvssData"`
}

type nvdCPEMatch struct {
	Vulnerable            bool   `json:"vulnerable"`
	Criteria              string `json:"criteria"`
	VersionStartIncluding string `json:"versionStartIncluding"`
	VersionStartExcluding string `json:"versionStartExcluding"`
	VersionEndIncluding   string `json:"versionEndIncluding"`
	VersionEndExcluding   string `json:"versionEndExcluding"`
}

// Lookup pages through keyword results for the package.
func (c *NVDClient) Lookup(ctx context.Context, q Query) (*Feed, error) {
	feed := &Feed{Source: nvdSource, FetchedAt: now().UTC()}
	apiKey := c.APIKey
	if q.Credentials.NVDAPIKey != "" {
		apiKey = q.Credentials.NVDAPIKey
	}

	start := 0
	for page := 0; page < nvdMaxPages; page++ {
		params := url.Values{}
		params.Set("keywordSearch", q.Package)
		params.Set("resultsPerPage", strconv.Itoa(nvdPageSize))
		params.Set("startIndex", strconv.Itoa(start))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"?"+params.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create NVD request: %w", err)
		}
		if apiKey != "" {
			req.Header.Set("apiKey", apiKey)
		}
		log.Debugf("NVD: querying %s", req.URL)

		raw, err := do(c.cb, c.HTTPClient, nvdSource, req)
		if err != nil {
			return nil, err
		}
		var resp nvdResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, &types.ResolutionError{Source: nvdSource, Err: fmt.Errorf("failed to decode NVD response: %w", err)}
		}
		for i := range resp.Vulnerabilities {
			if rec, ok := convertNVD(&resp.Vulnerabilities[i].CVE, q); ok {
				feed.Records = append(feed.Records, rec)
			}
		}
		start += len(resp.Vulnerabilities)
		if len(resp.Vulnerabilities) == 0 || start >= resp.TotalResults {
			return feed, nil
		}
	}
	log.Warnf("NVD: stopped paging after %d pages for %s", nvdMaxPages, q.Package)
	return feed, nil
}

func convertNVD(cve *nvdCVE, q Query) (RawRecord, bool) {
	rec := RawRecord{ID: cve.ID, Source: nvdSource}
	for _, d := range cve.Descriptions {
		if d.Lang == "en" {
			rec.Details = d.Value
			break
		}
	}
	for _, r := range cve.References {
		rec.References = append(rec.References, r.URL)
	}
	if t, err := time.Parse("2006-01-02T15:04:05.000", cve.Published); err == nil {
		rec.Published = t.UTC()
	}

	matched := false
	product := cpeName(q.Package)
	for _, cfg := range cve.Configurations {
		for _, node := range cfg.Nodes {
			for _, m := range node.CPEMatch {
				if !m.Vulnerable {
					continue
				}
				fields := strings.Split(m.Criteria, ":")
				// cpe:2.3:part:vendor:product:version:...
				if len(fields) < 6 || cpeName(fields[4]) != product {
					continue
				}
				matched = true
				r := version.Range{}
				switch {
				case m.VersionStartIncluding != "":
					r.Introduced = m.VersionStartIncluding
				case m.VersionStartExcluding != "":
					r.Introduced, r.IntroducedExclusive = m.VersionStartExcluding, true
				}
				switch {
				case m.VersionEndExcluding != "":
					r.Fixed = m.VersionEndExcluding
				case m.VersionEndIncluding != "":
					r.LastAffected = m.VersionEndIncluding
				}
				if r != (version.Range{}) {
					rec.Affected.Ranges = append(rec.Affected.Ranges, r)
				} else if v := fields[5]; v != "*" && v != "-" {
					rec.Affected.Versions = append(rec.Affected.Versions, strings.ReplaceAll(v, "\\", ""))
				}
			}
		}
	}
	if !matched {
		return RawRecord{}, false
	}

	for _, metrics := range [][]nvdMetric{cve.Metrics.V31, cve.Metrics.V30, cve.Metrics.V2} {
		if len(metrics) > 0 {
			rec.Severity, rec.SeverityKnown, rec.SeverityFromScore = metrics[0].CVSSData.BaseScore, true, true
			break
		}
	}
	return rec, true
}

// cpeName lowercases and folds '-' to '_' the way CPE product names are written.
func cpeName(s string) string {
	if i := strings.LastIndex(s, "/"); i != -1 {
		s = s[i+1:]
	}
	return strings.ToLower(strings.ReplaceAll(s, "-", "_"))
}
