package types

import (
	"time"
)

// RetryPolicy configures exponential backoff for vulnerability database calls.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	// Jitter is the randomization factor in [0,1].
	Jitter   float64
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns 4 attempts starting at 500ms, doubling, 20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2,
		Jitter:      0.2,
		MaxDelay:    10 * time.Second,
	}
}

// Credentials are passed through to external clients untouched.
type Credentials struct {
	GitHubToken string
	NVDAPIKey   string
}

// Timeouts are the scan budget and the per-operation sub-budgets.
type Timeouts struct {
	Scan    time.Duration
	Resolve time.Duration
	Fetch   time.Duration
	Probe   time.Duration
}

// DefaultTimeouts returns the budgets used when none are configured.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Scan:    10 * time.Minute,
		Resolve: 2 * time.Minute,
		Fetch:   3 * time.Minute,
		Probe:   5 * time.Second,
	}
}

// ScanOptions configures one scan.
type ScanOptions struct {
	Probe       bool
	Credentials Credentials
	Timeouts    Timeouts
	Retry       RetryPolicy
	Workers     int

	// Repo is an optional owner/name of the upstream repository used to read release notes.
	Repo string
}

// DefaultScanOptions enables probing with default budgets.
func DefaultScanOptions() ScanOptions {
	return ScanOptions{
		Probe:    true,
		Timeouts: DefaultTimeouts(),
		Retry:    DefaultRetryPolicy(),
		Workers:  4,
	}
}

// WithDefaults fills zero fields from the defaults.
func (o ScanOptions) WithDefaults() ScanOptions {
	d := DefaultScanOptions()
	if o.Timeouts.Scan <= 0 {
		o.Timeouts.Scan = d.Timeouts.Scan
	}
	if o.Timeouts.Resolve <= 0 {
		o.Timeouts.Resolve = d.Timeouts.Resolve
	}
	if o.Timeouts.Fetch <= 0 {
		o.Timeouts.Fetch = d.Timeouts.Fetch
	}
	if o.Timeouts.Probe <= 0 {
		o.Timeouts.Probe = d.Timeouts.Probe
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = d.Retry
	}
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	return o
}
