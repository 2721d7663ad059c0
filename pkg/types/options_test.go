package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScanOptionsWithDefaults(t *testing.T) {
	t.Run("Zero value gets defaults", func(t *testing.T) {
		opts := ScanOptions{}.WithDefaults()

		assert.Equal(t, DefaultTimeouts(), opts.Timeouts)
		assert.Equal(t, DefaultRetryPolicy(), opts.Retry)
		assert.Equal(t, 4, opts.Workers)
		assert.False(t, opts.Probe, "probe flag is never defaulted on")
	})

	t.Run("Explicit values kept", func(t *testing.T) {
		opts := ScanOptions{
			Probe:    true,
			Timeouts: Timeouts{Scan: time.Minute, Probe: 2 * time.Second},
			Retry:    RetryPolicy{MaxAttempts: 1},
			Workers:  16,
		}.WithDefaults()

		assert.Equal(t, time.Minute, opts.Timeouts.Scan)
		assert.Equal(t, 2*time.Second, opts.Timeouts.Probe)
		assert.Equal(t, DefaultTimeouts().Fetch, opts.Timeouts.Fetch)
		assert.Equal(t, 1, opts.Retry.MaxAttempts)
		assert.Equal(t, 16, opts.Workers)
	})
}

func TestPackageVersionPairString(t *testing.T) {
	p := PackageVersionPair{Ecosystem: "PyPI", Package: "requests", OldVersion: "2.25.0", NewVersion: "2.31.0"}
	assert.Equal(t, "PyPI/requests@2.25.0->2.31.0", p.String())
}
