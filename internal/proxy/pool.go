package proxy

import (
	"slices"
	"time"
)

// Pool is the collection of known proxies, unique by Identity.
type Pool []Proxy

// Batch is an ordered group of proxies handed out together.
type Batch []Proxy

// IsDuplicate reports whether a proxy with the identity of candidate is
// already in pool. Timestamps are ignored.
func IsDuplicate(candidate Proxy, pool []Proxy) bool {
	id := candidate.Identity()
	for _, p := range pool {
		if p.Identity() == id {
			return true
		}
	}
	return false
}

// Clean returns the entries of pool discovered no more than maxAge before
// now. Entries without a timestamp are dropped. pool is not modified.
func Clean(pool Pool, maxAge time.Duration, now time.Time) Pool {
	kept := make(Pool, 0, len(pool))
	for _, p := range pool {
		if p.Timestamp.IsZero() || now.Sub(p.Timestamp) > maxAge {
			continue
		}
		kept = append(kept, p)
	}
	return kept
}

// Merge folds freshly fetched candidates into pool, stamping them with now.
//
// A candidate with an unknown identity is appended and reported in added. A
// candidate whose identity is already pooled replaces the pooled record, which
// refreshes its age. Duplicate identities already present in pool collapse to
// the most recently discovered record. pool is not modified.
func Merge(pool Pool, candidates []Proxy, now time.Time) (merged Pool, added []Proxy) {
	merged = make(Pool, 0, len(pool)+len(candidates))
	index := make(map[Identity]int, len(pool)+len(candidates))

	for _, p := range pool {
		id := p.Identity()
		if i, ok := index[id]; ok {
			if p.Timestamp.After(merged[i].Timestamp) {
				merged[i] = p
			}
			continue
		}
		index[id] = len(merged)
		merged = append(merged, p)
	}

	for _, c := range candidates {
		c = c.Stamped(now)
		id := c.Identity()
		if i, ok := index[id]; ok {
			merged[i] = c
			continue
		}
		index[id] = len(merged)
		merged = append(merged, c)
		added = append(added, c)
	}

	return merged, added
}

// NewestFirst returns a copy of proxies ordered by discovery time, newest
// first. Proxies discovered at the same time keep their relative order.
func NewestFirst(proxies []Proxy) []Proxy {
	sorted := slices.Clone(proxies)
	slices.SortStableFunc(sorted, func(a, b Proxy) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	return sorted
}

// Newest returns at most n of the most recently discovered proxies.
func Newest(proxies []Proxy, n int) []Proxy {
	sorted := NewestFirst(proxies)
	if n >= 0 && len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}
