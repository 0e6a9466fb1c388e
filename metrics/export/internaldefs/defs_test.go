package internaldefs

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefinitionsAreUniqueAndPrefixed(t *testing.T) {
	seen := map[string]bool{}
	ids := map[uint16]bool{}
	for _, d := range CounterDefs {
		assert.True(t, strings.HasPrefix(d.Name, "dwayauth_"), d.Name)
		assert.True(t, strings.HasSuffix(d.Name, "_total"), d.Name)
		assert.False(t, seen[d.Name], "duplicate name %s", d.Name)
		assert.False(t, ids[uint16(d.ID)], "duplicate id for %s", d.Name)
		seen[d.Name] = true
		ids[uint16(d.ID)] = true
	}
	for _, d := range HistogramDefs {
		assert.False(t, ids[uint16(d.ID)], "histogram %s reuses a counter id", d.Name)
	}
	assert.Len(t, HistogramBoundSuffix, len(HistogramBounds))
}

func TestCumulativeBuckets(t *testing.T) {
	raw := NormalizeBuckets([]uint64{1, 2, 0, 3})
	assert.Equal(t, [8]uint64{1, 3, 3, 6, 6, 6, 6, 6}, CumulativeBuckets(raw))
	assert.Equal(t, [8]uint64{}, NormalizeBuckets(nil))
}
