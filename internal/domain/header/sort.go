package header

import "sort"

// Sorter resolves the comparison function for fragments sharing a
// handler key. The registry implements it by scanning loaded handlers
// for one that claims the key.
type Sorter interface {
	// FragmentCmp returns the comparator a loaded handler declared for
	// key, or nil when no handler claims it.
	FragmentCmp(key string) func(a, b string) int
}

// SortFragments orders fragments for emission and drops duplicates.
// Fragments sharing a key are ordered by the owning handler's
// comparator when one is declared; everything else sorts lexically on
// the string form. The sort is stable, and at most one fragment per
// (key, identifier) pair survives.
func SortFragments(frags []Fragment, sorter Sorter) []Fragment {
	out := make([]Fragment, len(frags))
	copy(out, frags)

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Key() == b.Key() && sorter != nil {
			if cmp := sorter.FragmentCmp(a.Key()); cmp != nil {
				return cmp(a.String(), b.String()) < 0
			}
		}
		return a.String() < b.String()
	})

	type identKey struct{ key, ident string }
	seen := make(map[identKey]struct{}, len(out))
	dedup := out[:0]
	for _, f := range out {
		k := identKey{f.Key(), f.Identifier()}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		dedup = append(dedup, f)
	}
	return dedup
}
