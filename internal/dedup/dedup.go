// Package dedup suppresses accidental replays of requests.
//
// DESIGN: Two independent tables with different jobs:
//   - correlation ids guard against the transport redelivering the same
//     message: an id, once seen, is never processed twice.
//   - prompt fingerprints guard against an upstream caller firing the
//     same plain-text prompt repeatedly within a short window without
//     distinct ids.
//
// Both tables are bounded (oldest-evicted) and owned exclusively by the
// Suppressor; callers interact only through ShouldProcess.
package dedup

import (
	"strings"
	"time"
)

// Default tunables. The two-second window absorbs legitimate rapid
// duplicate calls from upstream tooling while still catching accidental
// double-sends.
const (
	DefaultCapacity = 100
	DefaultWindow   = 2 * time.Second
	DefaultExpiry   = 60 * time.Second
)

// Store is the bounded-size dedup state capability. Implementations
// need no internal locking: the Suppressor is only ever driven from the
// read loop, so mutations follow arrival order.
type Store interface {
	// MarkCorrelation records the id and reports whether it was already
	// present. Inserting over capacity evicts the oldest id.
	MarkCorrelation(id string) (seen bool)

	// LastSighting returns when the fingerprint was last recorded.
	LastSighting(fingerprint string) (time.Time, bool)

	// RecordSighting stores the fingerprint timestamp, evicting the
	// oldest entry when over capacity.
	RecordSighting(fingerprint string, at time.Time)

	// PurgeBefore drops fingerprint entries last seen before the cutoff.
	PurgeBefore(cutoff time.Time)
}

// BoundedStore is the in-memory Store used in production.
type BoundedStore struct {
	capacity int

	idOrder []string
	idSet   map[string]struct{}

	promptOrder []string
	prompts     map[string]time.Time
}

// NewBoundedStore creates a store holding at most capacity entries per
// table.
func NewBoundedStore(capacity int) *BoundedStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &BoundedStore{
		capacity: capacity,
		idSet:    make(map[string]struct{}, capacity),
		prompts:  make(map[string]time.Time, capacity),
	}
}

func (s *BoundedStore) MarkCorrelation(id string) bool {
	if _, ok := s.idSet[id]; ok {
		return true
	}
	if len(s.idOrder) >= s.capacity {
		oldest := s.idOrder[0]
		s.idOrder = s.idOrder[1:]
		delete(s.idSet, oldest)
	}
	s.idOrder = append(s.idOrder, id)
	s.idSet[id] = struct{}{}
	return false
}

func (s *BoundedStore) LastSighting(fingerprint string) (time.Time, bool) {
	at, ok := s.prompts[fingerprint]
	return at, ok
}

func (s *BoundedStore) RecordSighting(fingerprint string, at time.Time) {
	if _, ok := s.prompts[fingerprint]; !ok {
		if len(s.promptOrder) >= s.capacity {
			oldest := s.promptOrder[0]
			s.promptOrder = s.promptOrder[1:]
			delete(s.prompts, oldest)
		}
		s.promptOrder = append(s.promptOrder, fingerprint)
	}
	s.prompts[fingerprint] = at
}

func (s *BoundedStore) PurgeBefore(cutoff time.Time) {
	if len(s.prompts) == 0 {
		return
	}
	kept := s.promptOrder[:0]
	for _, fp := range s.promptOrder {
		if at, ok := s.prompts[fp]; ok && at.Before(cutoff) {
			delete(s.prompts, fp)
			continue
		}
		kept = append(kept, fp)
	}
	s.promptOrder = kept
}

// Suppressor decides whether a normalized request should be processed.
type Suppressor struct {
	store  Store
	window time.Duration
	expiry time.Duration
	now    func() time.Time
}

// Option configures a Suppressor.
type Option func(*Suppressor)

// WithClock injects a clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Suppressor) { s.now = now }
}

// WithStore injects a Store implementation.
func WithStore(store Store) Option {
	return func(s *Suppressor) { s.store = store }
}

// New creates a Suppressor with the given prompt window and expiry.
// Zero durations fall back to the defaults.
func New(window, expiry time.Duration, opts ...Option) *Suppressor {
	if window <= 0 {
		window = DefaultWindow
	}
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	s := &Suppressor{
		store:  NewBoundedStore(DefaultCapacity),
		window: window,
		expiry: expiry,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ShouldProcess reports whether the request is fresh. The correlation-id
// check runs first and unconditionally; the fingerprint check is skipped
// for explicit retries and for requests without a prompt.
func (s *Suppressor) ShouldProcess(correlationID, prompt string, isRetry bool) bool {
	if s.store.MarkCorrelation(correlationID) {
		return false
	}

	fingerprint := Fingerprint(prompt)
	if fingerprint == "" || isRetry {
		return true
	}

	now := s.now()
	s.store.PurgeBefore(now.Add(-s.expiry))

	if last, ok := s.store.LastSighting(fingerprint); ok && now.Sub(last) < s.window {
		return false
	}
	s.store.RecordSighting(fingerprint, now)
	return true
}

// Fingerprint normalizes prompt text into a dedup key.
func Fingerprint(prompt string) string {
	return strings.ToLower(strings.TrimSpace(prompt))
}
