package geofence

import (
	"sync"
	"time"
)

// WorkerState is the last accepted position and zone set for one worker.
type WorkerState struct {
	Zones      map[string]struct{}
	Lat, Lng   float64
	CapturedAt time.Time
	Seen       bool
}

type memberEntry struct {
	mu    sync.Mutex
	state WorkerState
}

// MembershipStore keeps per-worker state. Updates for the same worker run one at a time;
// different workers never contend beyond the map lookup.
type MembershipStore struct {
	mu      sync.Mutex
	entries map[string]*memberEntry
}

func NewMembershipStore() *MembershipStore {
	return &MembershipStore{entries: map[string]*memberEntry{}}
}

func (s *MembershipStore) entry(workerID string) *memberEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[workerID]
	if !ok {
		e = &memberEntry{state: WorkerState{Zones: map[string]struct{}{}}}
		s.entries[workerID] = e
	}
	return e
}

// Update runs fn with exclusive access to the worker's state.
func (s *MembershipStore) Update(workerID string, fn func(st *WorkerState)) {
	e := s.entry(workerID)
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.state)
}

// Get returns a copy of the worker's state.
func (s *MembershipStore) Get(workerID string) (WorkerState, bool) {
	s.mu.Lock()
	e, ok := s.entries[workerID]
	s.mu.Unlock()
	if !ok {
		return WorkerState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := e.state
	cp.Zones = make(map[string]struct{}, len(e.state.Zones))
	for z := range e.state.Zones {
		cp.Zones[z] = struct{}{}
	}
	return cp, cp.Seen
}

// Forget drops the worker's state; its next sample becomes a new baseline.
func (s *MembershipStore) Forget(workerID string) {
	s.mu.Lock()
	delete(s.entries, workerID)
	s.mu.Unlock()
}

func (s *MembershipStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
