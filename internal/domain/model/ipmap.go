package model

import (
	"fmt"
	"net/netip"
	"sort"
)

// Overlap classifies how two prefixes relate.
type Overlap int

const (
	OverlapNone Overlap = iota
	OverlapAInB
	OverlapBInA
	OverlapPartial
	OverlapIdentical
)

// CompareOverlap classifies the relation of prefix a to prefix b.
func CompareOverlap(a, b netip.Prefix) Overlap {
	a, b = a.Masked(), b.Masked()
	switch {
	case a == b:
		return OverlapIdentical
	case b.Contains(a.Addr()) && a.Bits() >= b.Bits():
		return OverlapAInB
	case a.Contains(b.Addr()) && b.Bits() >= a.Bits():
		return OverlapBInA
	case a.Contains(b.Addr()) || b.Contains(a.Addr()):
		return OverlapPartial
	}
	return OverlapNone
}

// IPMapping rewrites the peer identity of connections arriving from a
// prefix: the effective IP, the effective HELO name, or both.
type IPMapping struct {
	Prefix netip.Prefix
	IP     netip.Addr // zero value = leave the IP alone
	Helo   string     // "" = leave the HELO alone
}

// IPMap is the ordered set of remap rules. Rules are kept sorted by
// their textual prefix key so that overlapping entries resolve
// deterministically: the lowest key in sorted order wins.
type IPMap struct {
	rules []IPMapping
}

// NewIPMap builds the map from the config representation
// (prefix string -> mapping).
func NewIPMap(raw map[string]IPMapping) (*IPMap, error) {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	m := &IPMap{rules: make([]IPMapping, 0, len(raw))}
	for _, k := range keys {
		p, err := netip.ParsePrefix(k)
		if err != nil {
			// accept bare addresses as host prefixes
			a, aerr := netip.ParseAddr(k)
			if aerr != nil {
				return nil, fmt.Errorf("ip_map: bad prefix %q: %w", k, err)
			}
			p = netip.PrefixFrom(a, a.BitLen())
		}
		r := raw[k]
		r.Prefix = p
		m.rules = append(m.rules, r)
	}
	return m, nil
}

// Lookup finds the first rule whose prefix overlaps the peer address in
// any way. The peer is treated as a host prefix, so any of the four
// overlap classes counts as a match.
func (m *IPMap) Lookup(peer netip.Addr) (IPMapping, bool) {
	if m == nil {
		return IPMapping{}, false
	}
	host := netip.PrefixFrom(peer, peer.BitLen())
	for _, r := range m.rules {
		if CompareOverlap(host, r.Prefix) != OverlapNone {
			return r, true
		}
	}
	return IPMapping{}, false
}
