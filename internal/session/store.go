package session

import (
	"context"
	"sync"
	"time"

	"agency-portal-backend/internal/domain"
)

// State is an immutable snapshot of the store.
type State struct {
	Session *domain.Session
	User    *domain.UserView
	Loading bool
	Version uint64
}

// Ticket authorizes one versioned write. Event tickets come from ObserveEvent,
// action tickets from BeginAction.
type Ticket struct {
	seq   uint64
	epoch uint64
	event bool
}

// Seq is the ticket's position in the store's monotonic sequence.
func (t Ticket) Seq() uint64 { return t.seq }

// Store is the single writable location for session, user view and loading.
//
// Writes are compare-and-set against the sequence of issued tickets:
//   - an event write lands only while its ticket is the latest observed event;
//   - an action write lands only when no event is pending, the epoch (last
//     applied event) is unchanged since BeginAction, and no newer action has
//     landed.
type Store struct {
	mu       sync.Mutex
	session  *domain.Session
	user     *domain.UserView
	inflight int
	idle     chan struct{}
	version  uint64
	closed   bool

	seq        uint64
	eventSeq   uint64
	epoch      uint64
	lastAction uint64

	received uint64
	arrived  chan struct{}

	watchers map[int]chan State
	nextID   int
}

func NewStore() *Store {
	idle := make(chan struct{})
	close(idle)
	return &Store{
		idle:     idle,
		arrived:  make(chan struct{}),
		watchers: make(map[int]chan State),
	}
}

func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Acquire marks a session-affecting operation in flight. The returned release
// is idempotent; callers defer it so loading resets on every path.
func (s *Store) Acquire() (release func()) {
	s.mu.Lock()
	s.inflight++
	if s.inflight == 1 {
		s.idle = make(chan struct{})
		s.publishLocked()
	}
	s.mu.Unlock()

	var once sync.Once
	return func() { once.Do(s.release) }
}

func (s *Store) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight--
	if s.inflight == 0 {
		close(s.idle)
		s.publishLocked()
	}
}

// Receive records that the listener has taken up a lifecycle event and holds
// loading until the returned release runs.
func (s *Store) Receive() (release func()) {
	release = s.Acquire()
	s.mu.Lock()
	s.received++
	if !s.closed {
		close(s.arrived)
		s.arrived = make(chan struct{})
	}
	s.mu.Unlock()
	return release
}

// Received is the number of lifecycle events taken up so far.
func (s *Store) Received() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// AwaitReceived blocks until more than mark events have been taken up. It
// reports false when timeout elapses, ctx is done or the store is closed.
func (s *Store) AwaitReceived(ctx context.Context, mark uint64, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		s.mu.Lock()
		if s.received > mark {
			s.mu.Unlock()
			return true
		}
		if s.closed {
			s.mu.Unlock()
			return false
		}
		arrived := s.arrived
		s.mu.Unlock()

		select {
		case <-arrived:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// ObserveEvent issues a ticket for a newly observed lifecycle event. Every
// ticket issued before it, event or action, is superseded.
func (s *Store) ObserveEvent() Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.eventSeq = s.seq
	return Ticket{seq: s.seq, epoch: s.epoch, event: true}
}

// BeginAction issues an action ticket together with the session it is based on.
func (s *Store) BeginAction() (Ticket, *domain.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return Ticket{seq: s.seq, epoch: s.epoch}, s.session
}

// Apply replaces session and user view if t is still current.
func (s *Store) Apply(t Ticket, session *domain.Session, user *domain.UserView) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acceptLocked(t) {
		return false
	}
	s.session = session
	s.user = user
	s.commitLocked(t)
	return true
}

// Merge shallow-merges a normalized profile update into the current user view.
// It follows the action acceptance rule and is idempotent for a given update.
func (s *Store) Merge(t Ticket, update domain.ProfileUpdate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acceptLocked(t) || s.user == nil {
		return false
	}
	update = update.Normalize()
	merged := *s.user
	if update.FullName != nil {
		merged.Name = *update.FullName
	}
	if update.Phone != nil {
		merged.Phone = update.Phone
	}
	if update.Company != nil {
		merged.Company = update.Company
	}
	s.user = &merged
	s.commitLocked(t)
	return true
}

// Clear drops session and user view through an event ticket so that every
// in-flight build is superseded. It reports whether a session was present;
// an already empty store with nothing pending is left untouched.
func (s *Store) Clear() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	had := s.session != nil
	if !had && s.user == nil && s.eventSeq == s.epoch {
		return false
	}
	s.seq++
	s.eventSeq = s.seq
	t := Ticket{seq: s.seq, event: true}
	s.session = nil
	s.user = nil
	s.commitLocked(t)
	return had
}

// Close rejects every later write. Snapshot and loading keep working.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.arrived)
}

// Subscribe streams snapshots after each accepted write and loading flip.
// When the buffer is full the oldest pending snapshot is dropped.
func (s *Store) Subscribe(buffer int) (<-chan State, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan State, buffer)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
		})
	}
}

// WaitIdle blocks until no operation is in flight.
func (s *Store) WaitIdle(ctx context.Context) (State, error) {
	for {
		s.mu.Lock()
		if s.inflight == 0 {
			st := s.snapshotLocked()
			s.mu.Unlock()
			return st, nil
		}
		idle := s.idle
		s.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return s.Snapshot(), ctx.Err()
		}
	}
}

func (s *Store) acceptLocked(t Ticket) bool {
	if s.closed || t.seq == 0 {
		return false
	}
	if t.event {
		return t.seq == s.eventSeq
	}
	return s.eventSeq == s.epoch && t.epoch == s.epoch && t.seq > s.lastAction
}

func (s *Store) commitLocked(t Ticket) {
	if t.event {
		s.epoch = t.seq
	} else {
		s.lastAction = t.seq
	}
	s.version++
	s.publishLocked()
}

func (s *Store) snapshotLocked() State {
	return State{
		Session: s.session,
		User:    s.user,
		Loading: s.inflight > 0,
		Version: s.version,
	}
}

// publishLocked never blocks: watcher channels are drained of their oldest
// entry when full.
func (s *Store) publishLocked() {
	st := s.snapshotLocked()
	for _, ch := range s.watchers {
		select {
		case ch <- st:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}
