package dht

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/buddynet/crypto"
)

// DefaultMemoryReplicas are the simulated contacts a MemoryStore write reaches.
var DefaultMemoryReplicas = []Contact{
	{Address: "10.0.0.1:6881"},
	{Address: "10.0.0.2:6881"},
	{Address: "[fd00::3]:6881"},
}

// MemoryConfig configures a MemoryStore.
type MemoryConfig struct {
	// Replicas receive ValueWritten events for every write.
	Replicas []Contact
	// DiversifyThreshold is the number of writes to one key within
	// DiversifyWindow after which writes report Diversified. Zero disables it.
	DiversifyThreshold int
	DiversifyWindow    time.Duration
	// MaxValueSize rejects larger values. Zero means unlimited.
	MaxValueSize int
	TimeProvider crypto.TimeProvider
}

type memoryEntry struct {
	data    []byte
	created time.Time
	source  Contact
}

// MemoryStore is an in-process Store shared by the nodes that hold a view
// of it. Each key keeps one value per writer.
type MemoryStore struct {
	config MemoryConfig
	tp     crypto.TimeProvider

	mu     sync.RWMutex
	items  map[string]map[string]memoryEntry
	writes map[string][]time.Time
	total  int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(config MemoryConfig) *MemoryStore {
	if config.Replicas == nil {
		config.Replicas = DefaultMemoryReplicas
	}
	if config.DiversifyWindow == 0 {
		config.DiversifyWindow = time.Hour
	}
	return &MemoryStore{
		config: config,
		tp:     crypto.OrDefault(config.TimeProvider),
		items:  make(map[string]map[string]memoryEntry),
		writes: make(map[string][]time.Time),
	}
}

// View returns a Store that writes as origin.
func (s *MemoryStore) View(origin Contact) Store {
	return &memoryView{store: s, origin: origin}
}

// Put stores value as if origin had written it at created. It does not
// count as a write.
func (s *MemoryStore) Put(key []byte, origin Contact, data []byte, created time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(string(key), origin, data, created)
}

func (s *MemoryStore) putLocked(key string, origin Contact, data []byte, created time.Time) {
	values, ok := s.items[key]
	if !ok {
		values = make(map[string]memoryEntry)
		s.items[key] = values
	}
	values[origin.Address] = memoryEntry{
		data:    append([]byte(nil), data...),
		created: created,
		source:  origin,
	}
}

// Writes returns the number of writes performed through views.
func (s *MemoryStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}

// Values returns the values stored under key, oldest first.
func (s *MemoryStore) Values(key []byte) []Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.valuesLocked(string(key))
}

func (s *MemoryStore) valuesLocked(key string) []Value {
	values := make([]Value, 0, len(s.items[key]))
	for _, e := range s.items[key] {
		values = append(values, Value{
			Data:    append([]byte(nil), e.data...),
			Created: e.created,
			Source:  e.source,
		})
	}
	sort.Slice(values, func(i, j int) bool {
		return values[i].Created.Before(values[j].Created)
	})
	return values
}

// write stores the value and reports whether the key is now diversified.
func (s *MemoryStore) write(key string, origin Contact, data []byte) (bool, error) {
	if s.config.MaxValueSize > 0 && len(data) > s.config.MaxValueSize {
		return false, fmt.Errorf("%w: %d > %d", ErrValueTooLarge, len(data), s.config.MaxValueSize)
	}

	now := s.tp.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.putLocked(key, origin, data, now)
	s.total++

	if s.config.DiversifyThreshold <= 0 {
		return false, nil
	}

	recent := s.writes[key][:0]
	for _, at := range s.writes[key] {
		if now.Sub(at) < s.config.DiversifyWindow {
			recent = append(recent, at)
		}
	}
	recent = append(recent, now)
	s.writes[key] = recent
	return len(recent) > s.config.DiversifyThreshold, nil
}

func (s *MemoryStore) remove(key string, origin Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if values, ok := s.items[key]; ok {
		delete(values, origin.Address)
		if len(values) == 0 {
			delete(s.items, key)
		}
	}
}

// Write implements Store as the default local origin.
func (s *MemoryStore) Write(ctx context.Context, key, value []byte) (<-chan WriteEvent, error) {
	return s.View(Contact{Address: "local"}).Write(ctx, key, value)
}

// Read implements Store.
func (s *MemoryStore) Read(ctx context.Context, key []byte, timeout time.Duration) (<-chan Value, error) {
	return s.View(Contact{Address: "local"}).Read(ctx, key, timeout)
}

// Delete implements Store as the default local origin.
func (s *MemoryStore) Delete(ctx context.Context, key []byte, contacts []Contact) error {
	return s.View(Contact{Address: "local"}).Delete(ctx, key, contacts)
}

type memoryView struct {
	store  *MemoryStore
	origin Contact
}

func (v *memoryView) Write(ctx context.Context, key, value []byte) (<-chan WriteEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	diversified, err := v.store.write(string(key), v.origin, value)
	if err != nil {
		return nil, err
	}

	replicas := v.store.config.Replicas
	events := make(chan WriteEvent, len(replicas)+2)
	for _, c := range replicas {
		events <- WriteEvent{Kind: ValueWritten, Contact: c}
	}
	if diversified {
		logrus.WithFields(logrus.Fields{
			"function": "MemoryStore.Write",
			"origin":   v.origin.Address,
		}).Debug("Write diversified")
		events <- WriteEvent{Kind: Diversified}
	}
	events <- WriteEvent{Kind: Complete}
	close(events)
	return events, nil
}

func (v *memoryView) Read(ctx context.Context, key []byte, timeout time.Duration) (<-chan Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	values := v.store.Values(key)
	out := make(chan Value, len(values))
	for _, val := range values {
		out <- val
	}
	close(out)
	return out, nil
}

func (v *memoryView) Delete(ctx context.Context, key []byte, contacts []Contact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.store.remove(string(key), v.origin)
	return nil
}
