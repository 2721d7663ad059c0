package types

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownPackage indicates the package does not exist in its ecosystem registry.
	ErrUnknownPackage = errors.New("unknown package")
	// ErrInvalidVersion indicates a version string does not parse under the ecosystem's scheme.
	ErrInvalidVersion = errors.New("invalid version")
	// ErrUnsupportedEcosystem indicates no version scheme is known for the ecosystem.
	ErrUnsupportedEcosystem = errors.New("unsupported ecosystem")
	// ErrScanCanceled is returned when the caller cancels a scan.
	ErrScanCanceled = errors.New("scan canceled")
)

// ResolutionError is a vulnerability database failure.
type ResolutionError struct {
	Source    string
	Transient bool
	Err       error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolving from %s: %v", e.Source, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// FetchError is a failure to obtain a source tree or install.
type FetchError struct {
	Package string
	Version string
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s@%s: %v", e.Package, e.Version, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ProbeError is a sandbox failure, timeout or crash while probing.
type ProbeError struct {
	VulnID string
	Err    error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probing %s: %v", e.VulnID, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }
