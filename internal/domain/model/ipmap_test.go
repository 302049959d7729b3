package model

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	require.NoError(t, err)
	return p
}

func TestCompareOverlap(t *testing.T) {
	tests := []struct {
		a, b string
		want Overlap
	}{
		{"10.0.0.0/8", "10.0.0.0/8", OverlapIdentical},
		{"10.1.0.0/16", "10.0.0.0/8", OverlapAInB},
		{"10.0.0.0/8", "10.1.0.0/16", OverlapBInA},
		{"10.0.0.0/8", "192.168.0.0/16", OverlapNone},
		{"10.0.0.5/32", "10.0.0.0/24", OverlapAInB},
	}
	for _, tc := range tests {
		got := CompareOverlap(mustPrefix(t, tc.a), mustPrefix(t, tc.b))
		assert.Equal(t, tc.want, got, "%s vs %s", tc.a, tc.b)
	}
}

func TestIPMapLookup(t *testing.T) {
	m, err := NewIPMap(map[string]IPMapping{
		"198.51.100.0/24": {IP: netip.MustParseAddr("192.0.2.5"), Helo: "masked.example"},
	})
	require.NoError(t, err)

	r, ok := m.Lookup(netip.MustParseAddr("198.51.100.77"))
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("192.0.2.5"), r.IP)
	assert.Equal(t, "masked.example", r.Helo)

	_, ok = m.Lookup(netip.MustParseAddr("203.0.113.1"))
	assert.False(t, ok)
}

func TestIPMapLowestKeyWins(t *testing.T) {
	// Two overlapping prefixes match the same peer; the rule under the
	// lowest key in sorted order decides.
	m, err := NewIPMap(map[string]IPMapping{
		"10.0.0.0/8":  {Helo: "wide.example"},
		"10.0.0.0/24": {Helo: "narrow.example"},
	})
	require.NoError(t, err)

	r, ok := m.Lookup(netip.MustParseAddr("10.0.0.9"))
	require.True(t, ok)
	assert.Equal(t, "narrow.example", r.Helo, `"10.0.0.0/24" sorts before "10.0.0.0/8"`)
}

func TestIPMapBareAddressKey(t *testing.T) {
	m, err := NewIPMap(map[string]IPMapping{
		"192.0.2.1": {Helo: "single.example"},
	})
	require.NoError(t, err)

	_, ok := m.Lookup(netip.MustParseAddr("192.0.2.2"))
	assert.False(t, ok)
	r, ok := m.Lookup(netip.MustParseAddr("192.0.2.1"))
	require.True(t, ok)
	assert.Equal(t, "single.example", r.Helo)
}

func TestIPMapBadPrefix(t *testing.T) {
	_, err := NewIPMap(map[string]IPMapping{"not-a-prefix": {}})
	assert.Error(t, err)
}
