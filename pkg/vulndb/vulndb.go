// Package vulndb retrieves raw vulnerability feeds from OSV.dev, the NVD
// and local OSV document directories.
package vulndb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/patchverify/patchverify/pkg/types"
	"github.com/patchverify/patchverify/pkg/version"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Query selects the package whose feed is wanted.
type Query struct {
	Ecosystem   string
	Package     string
	Credentials types.Credentials
}

// RawRecord is one vulnerability as reported by a single source, before
// range matching and merging.
type RawRecord struct {
	ID            string   `json:"id"`
	Aliases       []string `json:"aliases,omitempty"`
	Summary       string   `json:"summary,omitempty"`
	Details       string   `json:"details,omitempty"`
	Severity      float64  `json:"severity,omitempty"`
	SeverityKnown bool     `json:"severity_known,omitempty"`
	// SeverityFromScore is set when Severity came from a numeric or CVSS
	// score rather than a qualitative label.
	SeverityFromScore bool             `json:"severity_from_score,omitempty"`
	Affected          version.Affected `json:"affected"`
	References        []string         `json:"references,omitempty"`
	Paths             []string         `json:"paths,omitempty"`
	Published         time.Time        `json:"published,omitempty"`
	Source            string           `json:"source"`
}

// Feed is everything one source knows about a package.
type Feed struct {
	Source    string      `json:"source"`
	Records   []RawRecord `json:"records"`
	FetchedAt time.Time   `json:"fetched_at"`
}

// Client looks up the raw feed for a package.
type Client interface {
	Name() string
	Lookup(ctx context.Context, q Query) (*Feed, error)
}

var now = time.Now

const maxBodyBytes = 32 << 20

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 5,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Permanent failures (bad request, not found) say nothing about
		// the health of the service.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warnf("circuit breaker %s changed from %v to %v", name, from, to)
		},
	})
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var resErr *types.ResolutionError
	if errors.As(err, &resErr) {
		return resErr.Transient
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	return false
}

// do runs req through the breaker and returns the body of a 200 response.
// 429, 5xx and transport errors are transient; other statuses are not.
func do(cb *gobreaker.CircuitBreaker, client *http.Client, source string, req *http.Request) ([]byte, error) {
	result, err := cb.Execute(func() (interface{}, error) {
		resp, err := client.Do(req)
		if err != nil {
			if ctxErr := req.Context().Err(); ctxErr != nil {
				return nil, &types.ResolutionError{Source: source, Err: ctxErr}
			}
			return nil, &types.ResolutionError{Source: source, Transient: true, Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			transient := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
			return nil, &types.ResolutionError{
				Source:    source,
				Transient: transient,
				Err:       fmt.Errorf("%s returned status %d: %s", req.URL.Redacted(), resp.StatusCode, string(snippet)),
			}
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, &types.ResolutionError{Source: source, Transient: true, Err: fmt.Errorf("reading response body: %w", err)}
		}
		return body, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &types.ResolutionError{Source: source, Transient: true, Err: err}
		}
		return nil, err
	}
	body, ok := result.([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected response type %T from %s", result, source)
	}
	return body, nil
}
