package acquire

import "github.com/alvmarrod/image-weaver/internal/search"

// DomainLimiter caps how many candidates one registrable domain may place at
// the front of a ranking. A limit of 0 disables the cap.
type DomainLimiter struct {
	maxPerDomain int
	counts       map[string]int
}

// NewDomainLimiter creates a limiter for one ranking pass
func NewDomainLimiter(maxPerDomain int) *DomainLimiter {
	return &DomainLimiter{
		maxPerDomain: maxPerDomain,
		counts:       make(map[string]int),
	}
}

// CanAdd reports whether another candidate from host fits under the cap.
// Does NOT modify state - use Add() to register the candidate
func (dl *DomainLimiter) CanAdd(host string) bool {
	if dl.maxPerDomain <= 0 {
		return true
	}
	return dl.counts[RegistrableDomain(host)] < dl.maxPerDomain
}

// Add registers a candidate from host.
// Returns true if added, false if the domain is already at the cap
func (dl *DomainLimiter) Add(host string) bool {
	if !dl.CanAdd(host) {
		return false
	}
	dl.counts[RegistrableDomain(host)]++
	return true
}

// Diversify keeps the ranked order but moves candidates beyond the per-domain
// cap behind every candidate within it.
func (dl *DomainLimiter) Diversify(ranked []search.Candidate) []search.Candidate {
	if dl.maxPerDomain <= 0 {
		return ranked
	}
	head := make([]search.Candidate, 0, len(ranked))
	var tail []search.Candidate
	for _, c := range ranked {
		host, _ := ExtractDomain(c.URL)
		if dl.Add(host) {
			head = append(head, c)
		} else {
			tail = append(tail, c)
		}
	}
	return append(head, tail...)
}
