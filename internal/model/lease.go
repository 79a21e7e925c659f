package model

import "time"

// MaxLeases bounds the lease set of a record. Normally a record carries at
// most one lease; duplicates only appear transiently when an expired lease is
// reclaimed while its original holder is still finishing.
const MaxLeases = 4

// Lease is a worker's time-stamped claim on a record.
type Lease struct {
	ID    string    `json:"id"`
	Start time.Time `json:"start"`
}

// LeaseSet is a small fixed-capacity set of leases keyed by worker id.
// Order is preserved so that in-place replacement is deterministic.
type LeaseSet []Lease

// Len returns the number of active leases.
func (s LeaseSet) Len() int { return len(s) }

// Has reports whether workerID holds a lease.
func (s LeaseSet) Has(workerID string) bool {
	for _, l := range s {
		if l.ID == workerID {
			return true
		}
	}
	return false
}

// Add appends l unless the worker already holds a lease or the set is full.
func (s LeaseSet) Add(l Lease) (LeaseSet, bool) {
	if s.Has(l.ID) || len(s) >= MaxLeases {
		return s, false
	}
	out := make(LeaseSet, len(s), len(s)+1)
	copy(out, s)
	return append(out, l), true
}

// Remove drops every lease held by workerID.
func (s LeaseSet) Remove(workerID string) (LeaseSet, bool) {
	out := make(LeaseSet, 0, len(s))
	removed := false
	for _, l := range s {
		if l.ID == workerID {
			removed = true
			continue
		}
		out = append(out, l)
	}
	return out, removed
}

// Oldest returns the lease with the earliest start.
func (s LeaseSet) Oldest() (Lease, int, bool) {
	if len(s) == 0 {
		return Lease{}, -1, false
	}
	idx := 0
	for i, l := range s {
		if l.Start.Before(s[idx].Start) {
			idx = i
		}
	}
	return s[idx], idx, true
}

// ReplaceExpired overwrites the oldest lease in place with l when that lease
// started before threshold. Only one lease is reclaimed per call.
func (s LeaseSet) ReplaceExpired(l Lease, threshold time.Time) (LeaseSet, bool) {
	oldest, idx, ok := s.Oldest()
	if !ok || !oldest.Start.Before(threshold) {
		return s, false
	}
	out := make(LeaseSet, len(s))
	copy(out, s)
	out[idx] = l
	return out, true
}

// leaseColumns derives the query columns mirrored from a lease set.
func leaseColumns(s LeaseSet) (int, *time.Time) {
	oldest, _, ok := s.Oldest()
	if !ok {
		return 0, nil
	}
	start := oldest.Start
	return len(s), &start
}
