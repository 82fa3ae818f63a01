package persistent

import (
	"context"
	"sync"
)

// MemoryStore is a Store held in memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string][]*Entry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]*Entry)}
}

func copyEntry(e *Entry) *Entry {
	c := *e
	c.Buddy = append([]byte(nil), e.Buddy...)
	c.SealedBy = append([]byte(nil), e.SealedBy...)
	c.Request = append([]byte(nil), e.Request...)
	if e.Reply != nil {
		c.Reply = append([]byte(nil), e.Reply...)
	}
	return &c
}

// AddEntry implements Store.
func (s *MemoryStore) AddEntry(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := string(e.Buddy)
	next := int64(1)
	for _, other := range s.entries[key] {
		if other.ID >= next {
			next = other.ID + 1
		}
	}
	e.ID = next
	s.entries[key] = append(s.entries[key], copyEntry(e))
	return nil
}

// Entries implements Store.
func (s *MemoryStore) Entries(_ context.Context, buddy []byte, queue Queue) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Entry
	for _, e := range s.entries[string(buddy)] {
		if e.Queue == queue {
			out = append(out, copyEntry(e))
		}
	}
	return out, nil
}

// MoveEntry implements Store.
func (s *MemoryStore) MoveEntry(_ context.Context, buddy []byte, id int64, queue Queue, reply []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.entries[string(buddy)]
	for i, e := range list {
		if e.ID == id {
			moved := copyEntry(e)
			moved.Queue = queue
			moved.Reply = append([]byte(nil), reply...)
			// a moved entry goes to the back of its new list
			list = append(list[:i], list[i+1:]...)
			s.entries[string(buddy)] = append(list, moved)
			return nil
		}
	}
	return ErrNotFound
}

// DeleteEntry implements Store.
func (s *MemoryStore) DeleteEntry(_ context.Context, buddy []byte, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := string(buddy)
	list := s.entries[key]
	for i, e := range list {
		if e.ID == id {
			list = append(list[:i], list[i+1:]...)
			if len(list) == 0 {
				delete(s.entries, key)
			} else {
				s.entries[key] = list
			}
			return nil
		}
	}
	return ErrNotFound
}

// DeleteBuddy implements Store.
func (s *MemoryStore) DeleteBuddy(_ context.Context, buddy []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, string(buddy))
	return nil
}

// PendingBuddies implements Store.
func (s *MemoryStore) PendingBuddies(_ context.Context) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out [][]byte
	for key, list := range s.entries {
		for _, e := range list {
			if e.Queue == QueueMessages || e.Queue == QueuePendingSuccess {
				out = append(out, []byte(key))
				break
			}
		}
	}
	return out, nil
}
