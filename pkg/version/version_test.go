package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForEcosystem(t *testing.T) {
	tests := []struct {
		name      string
		ecosystem string
		wantErr   bool
	}{
		{"pypi", "PyPI", false},
		{"npm lowercase", "npm", false},
		{"alias python", "python", false},
		{"debian release suffix", "Debian:12", false},
		{"alpine release suffix", "Alpine:v3.19", false},
		{"rocky", "Rocky Linux", false},
		{"unknown", "cobol", true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ForEcosystem(tt.ecosystem)
			if tt.wantErr {
				var unsupported *ErrUnsupportedEcosystem
				assert.ErrorAs(t, err, &unsupported)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestCanonical(t *testing.T) {
	assert.Equal(t, PyPI, Canonical("pypi"))
	assert.Equal(t, NPM, Canonical("nodejs"))
	assert.Equal(t, Debian, Canonical("debian:11"))
	assert.Equal(t, "cobol", Canonical("cobol"))
}

func TestLessThan(t *testing.T) {
	tests := []struct {
		ecosystem string
		v1, v2    string
		want      bool
	}{
		{PyPI, "1.0.0", "1.0.1", true},
		{PyPI, "2.0rc1", "2.0", true},
		{PyPI, "2.0", "2.0rc1", false},
		{NPM, "4.17.15", "4.17.21", true},
		{NPM, "v1.2.3", "1.2.4", true},
		{NPM, "1.2.3-beta.1", "1.2.3", true},
		{Go, "v0.3.7", "v0.3.8", true},
		{Go, "1.2.0", "v1.10.0", true},
		{Maven, "2.13.4", "2.13.4.2", true},
		{Maven, "2.13.4.2", "2.13.4.10", true},
		{Maven, "2.0-rc1", "2.0", true},
		{NuGet, "13.0.1", "13.0.3", true},
		{Debian, "1.1.1n-0+deb11u4", "1.1.1n-0+deb11u5", true},
		{Debian, "1:2.0", "2.0", false},
		{Alpine, "3.0.8-r0", "3.0.8-r1", true},
		{RedHat, "1.1.1k-7.el8", "1.1.1k-9.el8", true},
		{CratesIO, "0.10.0", "0.9.9", false},
	}
	for _, tt := range tests {
		t.Run(tt.ecosystem+"/"+tt.v1+"<"+tt.v2, func(t *testing.T) {
			cmp, err := ForEcosystem(tt.ecosystem)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cmp.LessThan(tt.v1, tt.v2))
		})
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		ecosystem string
		v         string
		want      bool
	}{
		{PyPI, "1.0.post1", true},
		{PyPI, "not a version", false},
		{NPM, "1.2.3", true},
		{NPM, "latest", false},
		{Go, "v1.2.3", true},
		{Go, "latest", false},
		{Maven, "2.13.4.2", true},
		{Maven, "abc", false},
		{RedHat, "1.2-3.el9", true},
		{RedHat, "el9", false},
	}
	for _, tt := range tests {
		t.Run(tt.ecosystem+"/"+tt.v, func(t *testing.T) {
			cmp, err := ForEcosystem(tt.ecosystem)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cmp.IsValid(tt.v))
		})
	}
}

func TestEqual(t *testing.T) {
	cmp, err := ForEcosystem(PyPI)
	require.NoError(t, err)
	assert.True(t, cmp.Equal("1.0", "1.0.0"))
	assert.False(t, cmp.Equal("1.0", "1.0.1"))
}
