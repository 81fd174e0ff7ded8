// Package orderbook holds the single authoritative order book for the
// selected pair.
package orderbook

import (
	"sync"
	"time"

	"depthview/internal/depth"
	"depthview/models"
)

// Binding identifies one pair activation. Writes carrying a Binding from an
// earlier activation are discarded.
type Binding struct {
	Pair  models.TradingPair
	Epoch uint64
}

type Store struct {
	mu    sync.RWMutex
	state models.BookState

	subMu  sync.Mutex
	subs   map[int]chan struct{}
	nextID int

	now func() time.Time
}

func NewStore() *Store {
	return &Store{
		state: models.BookState{Status: models.StatusDisconnected},
		subs:  make(map[int]chan struct{}),
		now:   time.Now,
	}
}

// SelectPair makes pair current and clears everything that belonged to the
// previous one.
func (s *Store) SelectPair(pair models.TradingPair) Binding {
	s.mu.Lock()
	s.state.Epoch++
	s.state.Pair = pair
	s.state.Bids = nil
	s.state.Asks = nil
	s.state.LastUpdateID = nil
	s.state.Error = nil
	b := Binding{Pair: pair, Epoch: s.state.Epoch}
	s.commitLocked()
	s.mu.Unlock()

	s.notify()
	return b
}

// Current returns the Binding of the active pair.
func (s *Store) Current() Binding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Binding{Pair: s.state.Pair, Epoch: s.state.Epoch}
}

// CommitSnapshot installs the initial book for b.
func (s *Store) CommitSnapshot(b Binding, snap *models.DepthSnapshot) bool {
	return s.replaceBook(b, snap)
}

// ApplyUpdate replaces the book with a stream update for b.
func (s *Store) ApplyUpdate(b Binding, snap *models.DepthSnapshot) bool {
	return s.replaceBook(b, snap)
}

func (s *Store) replaceBook(b Binding, snap *models.DepthSnapshot) bool {
	if snap == nil {
		return false
	}
	return s.mutate(b, func(st *models.BookState) {
		st.Bids = depth.SortBids(snap.Bids)
		st.Asks = depth.SortAsks(snap.Asks)
		id := snap.LastUpdateID
		st.LastUpdateID = &id
		st.Error = nil
	})
}

func (s *Store) SetStatus(b Binding, status models.ConnectionStatus) bool {
	return s.mutate(b, func(st *models.BookState) {
		st.Status = status
	})
}

func (s *Store) SetError(b Binding, msg string) bool {
	return s.mutate(b, func(st *models.BookState) {
		st.Error = &msg
	})
}

func (s *Store) ClearError(b Binding) bool {
	return s.mutate(b, func(st *models.BookState) {
		st.Error = nil
	})
}

func (s *Store) mutate(b Binding, fn func(*models.BookState)) bool {
	s.mu.Lock()
	if b.Epoch != s.state.Epoch || b.Pair != s.state.Pair {
		s.mu.Unlock()
		return false
	}
	fn(&s.state)
	s.commitLocked()
	s.mu.Unlock()

	s.notify()
	return true
}

func (s *Store) commitLocked() {
	s.state.Version++
	s.state.UpdatedAt = s.now()
}

// State returns a deep copy of the current state.
func (s *Store) State() models.BookState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := s.state
	st.Bids = append([]models.Order(nil), s.state.Bids...)
	st.Asks = append([]models.Order(nil), s.state.Asks...)
	if s.state.LastUpdateID != nil {
		id := *s.state.LastUpdateID
		st.LastUpdateID = &id
	}
	if s.state.Error != nil {
		msg := *s.state.Error
		st.Error = &msg
	}
	return st
}

// Subscribe returns a channel that receives a signal after committed
// changes. Signals coalesce; a slow reader sees one pending wake-up.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
