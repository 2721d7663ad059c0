package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAffectedContains(t *testing.T) {
	cmp, err := ForEcosystem(NPM)
	require.NoError(t, err)

	tests := []struct {
		name     string
		affected Affected
		version  string
		want     bool
	}{
		{
			name:     "inside introduced/fixed",
			affected: Affected{Ranges: []Range{{Introduced: "0", Fixed: "4.17.21"}}},
			version:  "4.17.15",
			want:     true,
		},
		{
			name:     "fixed bound is exclusive",
			affected: Affected{Ranges: []Range{{Introduced: "0", Fixed: "4.17.21"}}},
			version:  "4.17.21",
			want:     false,
		},
		{
			name:     "below introduced",
			affected: Affected{Ranges: []Range{{Introduced: "2.0.0", Fixed: "2.3.0"}}},
			version:  "1.9.0",
			want:     false,
		},
		{
			name:     "introduced exclusive",
			affected: Affected{Ranges: []Range{{Introduced: "2.0.0", IntroducedExclusive: true, Fixed: "2.3.0"}}},
			version:  "2.0.0",
			want:     false,
		},
		{
			name:     "last affected is inclusive",
			affected: Affected{Ranges: []Range{{LastAffected: "1.5.0"}}},
			version:  "1.5.0",
			want:     true,
		},
		{
			name:     "open ended",
			affected: Affected{Ranges: []Range{{Introduced: "1.0.0"}}},
			version:  "9.9.9",
			want:     true,
		},
		{
			name:     "explicit version list",
			affected: Affected{Versions: []string{"1.0.1", "1.0.2"}},
			version:  "1.0.2",
			want:     true,
		},
		{
			name:     "second range matches",
			affected: Affected{Ranges: []Range{{Introduced: "1.0.0", Fixed: "1.0.5"}, {Introduced: "2.0.0", Fixed: "2.0.3"}}},
			version:  "2.0.1",
			want:     true,
		},
		{
			name:     "unparsable bound skipped",
			affected: Affected{Ranges: []Range{{Introduced: "garbage", Fixed: "2.0.0"}}},
			version:  "1.0.0",
			want:     false,
		},
		{
			name:     "no data",
			affected: Affected{},
			version:  "1.0.0",
			want:     false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.affected.Contains(cmp, tt.version))
		})
	}
}

func TestAffectedClaimsFixed(t *testing.T) {
	cmp, err := ForEcosystem(PyPI)
	require.NoError(t, err)

	tests := []struct {
		name     string
		affected Affected
		old, new string
		want     bool
	}{
		{"new past fixed", Affected{Ranges: []Range{{Introduced: "0", Fixed: "2.31.0"}}}, "2.25.0", "2.31.0", true},
		{"new still inside", Affected{Ranges: []Range{{Introduced: "0", Fixed: "2.31.0"}}}, "2.25.0", "2.30.0", false},
		{"no range data", Affected{}, "1.0", "2.0", false},
		{
			name:     "new reaches fixed bound but hits a later range",
			affected: Affected{Ranges: []Range{{Introduced: "1.0", Fixed: "1.5"}, {Introduced: "1.5.1", Fixed: "1.9"}}},
			old:      "1.2",
			new:      "1.6",
			want:     true,
		},
		{"last affected only", Affected{Ranges: []Range{{LastAffected: "3.0"}}}, "2.0", "3.1", true},
		{"invalid new", Affected{Ranges: []Range{{Fixed: "2.0"}}}, "1.0", "???", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.affected.ClaimsFixed(cmp, tt.old, tt.new))
		})
	}
}

func TestAffectedSpecificity(t *testing.T) {
	bounded := Affected{Ranges: []Range{{Introduced: "1.0", Fixed: "1.2"}}}
	fixedOnly := Affected{Ranges: []Range{{Fixed: "1.2"}}}
	lastOnly := Affected{Ranges: []Range{{LastAffected: "1.2"}}}
	withVersions := Affected{Ranges: bounded.Ranges, Versions: []string{"1.0", "1.1"}}

	assert.Zero(t, Affected{}.Specificity())
	assert.Greater(t, bounded.Specificity(), fixedOnly.Specificity())
	assert.Greater(t, fixedOnly.Specificity(), lastOnly.Specificity())
	assert.Greater(t, withVersions.Specificity(), bounded.Specificity())
}

func TestFixedVersions(t *testing.T) {
	a := Affected{Ranges: []Range{{Fixed: "1.2"}, {Fixed: "2.1"}, {Fixed: "1.2"}, {LastAffected: "3.0"}}}
	assert.Equal(t, []string{"1.2", "2.1"}, a.FixedVersions())
}
