package client

import (
	"slices"
	"sync"
	"time"

	"github.com/rubiojr/chirper/pkg/core"
)

// Store is the in-memory notification list a client renders, most recent
// first, with its unread counter.
type Store struct {
	mu     sync.Mutex
	items  []core.Notification
	unread int
	now    func() time.Time
}

func NewStore() *Store {
	return &Store{now: time.Now}
}

// Add prepends n. Pushed notifications are not deduplicated; a missing id
// or timestamp is filled in locally.
func (s *Store) Add(n core.Notification) core.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if n.ID == 0 {
		n.ID = now.UnixMilli()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now.UTC()
	}
	s.items = slices.Insert(s.items, 0, n)
	if !n.IsRead {
		s.unread++
	}
	return n
}

// Replace swaps the list for one fetched from the REST API and recomputes
// the unread counter.
func (s *Store) Replace(list []core.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = slices.Clone(list)
	s.unread = 0
	for _, n := range s.items {
		if !n.IsRead {
			s.unread++
		}
	}
}

func (s *Store) Items() []core.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.items)
}

func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// MarkAsRead marks every entry with id as read and reports whether any
// was unread.
func (s *Store) MarkAsRead(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for i := range s.items {
		if s.items[i].ID == id && !s.items[i].IsRead {
			s.items[i].IsRead = true
			s.unread--
			changed = true
		}
	}
	return changed
}

func (s *Store) MarkAllAsRead() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.items {
		s.items[i].IsRead = true
	}
	s.unread = 0
}

// Remove drops the entries with id, adjusting the unread counter.
func (s *Store) Remove(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := false
	s.items = slices.DeleteFunc(s.items, func(n core.Notification) bool {
		if n.ID != id {
			return false
		}
		if !n.IsRead {
			s.unread--
		}
		removed = true
		return true
	})
	return removed
}
