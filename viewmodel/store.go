package viewmodel

import (
	"sync"
	"time"

	"github.com/mjasion/balena-home/agrosmart/bridge"
	"github.com/mjasion/balena-home/agrosmart/pump"
	"github.com/mjasion/balena-home/agrosmart/reconcile"
)

// ConnectionStatus reflects the outcome of the latest sensor poll
type ConnectionStatus string

const (
	Connected    ConnectionStatus = "Connected"
	Disconnected ConnectionStatus = "Disconnected"
)

// Snapshot is one immutable version of everything observers can read
type Snapshot struct {
	Version        uint64                    `json:"version"`
	Sensor         reconcile.SensorReading   `json:"sensor"`
	Recommendation reconcile.Recommendation  `json:"recommendation"`
	Pump           pump.State                `json:"pump"`
	Connection     ConnectionStatus          `json:"connection"`
	History        []reconcile.SensorReading `json:"history"`
	Weather        *bridge.Weather           `json:"weather"`
	UpdatedAt      time.Time                 `json:"updatedAt"`
}

// Initial returns the snapshot shown before the first poll completes
func Initial(sensor reconcile.SensorReading) Snapshot {
	return Snapshot{
		Sensor:         sensor,
		Recommendation: reconcile.PendingRecommendation(),
		Pump:           pump.InitialState(),
		Connection:     Disconnected,
	}
}

// Store holds the current snapshot and fans new versions out to subscribers
type Store struct {
	mu      sync.RWMutex
	current Snapshot
	subs    map[int]chan Snapshot
	nextID  int
	now     func() time.Time
}

// NewStore creates a store seeded with initial
func NewStore(initial Snapshot) *Store {
	initial.Version = 0
	return &Store{
		current: initial,
		subs:    make(map[int]chan Snapshot),
		now:     time.Now,
	}
}

// Snapshot returns the current snapshot
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update applies fn to a copy of the current snapshot and publishes the result as the
// next version. fn must replace fields wholesale rather than mutate shared slices.
func (s *Store) Update(fn func(*Snapshot)) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current
	fn(&next)
	next.Version = s.current.Version + 1
	next.UpdatedAt = s.now()
	s.current = next

	for _, ch := range s.subs {
		offer(ch, next)
	}
	return next
}

// Subscribe returns a channel receiving every new snapshot and a cancel function.
// A slow subscriber only misses intermediate versions; the newest one is always delivered.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan Snapshot, 1)
	s.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// offer delivers snap, replacing an undelivered older snapshot if needed.
// Callers hold s.mu, so there is a single sender per channel.
func offer(ch chan Snapshot, snap Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}
