package state

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/anicoll/hass-automation/pkg/entity"
)

var (
	ErrNotFound          = errors.New("entity not found")
	ErrAttributeNotFound = errors.New("attribute not found")
	ErrClosed            = errors.New("state store closed")
)

type Source string

const (
	SourceLocal     Source = "local"
	SourceTransport Source = "transport"
)

// Change describes one committed mutation of the store.
type Change struct {
	Namespace string
	EntityID  string
	Old       entity.Record
	New       entity.Record
	Existed   bool
	Deleted   bool
	Source    Source
	Time      time.Time
}

// Observer is notified after a mutation has been committed. Observers are
// called outside of any store lock.
type Observer interface {
	StateChanged(ctx context.Context, change Change)
}

// Store holds namespace -> entity id -> record. Every namespace partition has
// its own lock and every entity its own write lock.
type Store struct {
	mu         sync.RWMutex
	partitions map[string]*partition
	observers  []Observer
	logger     *zap.Logger
	closed     bool
}

type partition struct {
	mu       sync.RWMutex
	entities map[string]entity.Record
	locks    sync.Map // entity id -> *sync.Mutex
}

func New(opts ...func(*Store)) *Store {
	s := &Store{
		partitions: make(map[string]*partition),
		logger:     zap.L(), // returns the global logger.
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// partition returns the partition for namespace, creating it when missing.
// It fails with ErrClosed once the store has been closed.
func (s *Store) partition(namespace string) (*partition, error) {
	s.mu.RLock()
	p, ok := s.partitions[namespace]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return p, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if p, ok = s.partitions[namespace]; ok {
		return p, nil
	}
	p = &partition{entities: make(map[string]entity.Record)}
	s.partitions[namespace] = p
	return p, nil
}

func (s *Store) lookup(namespace string) (*partition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.partitions[namespace]
	return p, ok
}

// lockEntity acquires the write lock of id. A lock dropped by a concurrent
// Remove while this caller waited on it is discarded and a fresh one taken.
func (p *partition) lockEntity(id string) *sync.Mutex {
	for {
		v, _ := p.locks.LoadOrStore(id, &sync.Mutex{})
		l := v.(*sync.Mutex)
		l.Lock()
		if cur, ok := p.locks.Load(id); ok && cur == l {
			return l
		}
		l.Unlock()
	}
}

// forgetEntity drops the write lock of id. The caller must hold it.
func (p *partition) forgetEntity(id string) {
	p.locks.Delete(id)
}

func (p *partition) get(id string) (entity.Record, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.entities[id]
	if !ok {
		return entity.Record{}, false
	}
	return rec.Clone(), true
}

func (p *partition) set(id string, rec entity.Record) {
	p.mu.Lock()
	p.entities[id] = rec.Clone()
	p.mu.Unlock()
}

func (p *partition) snapshot(keep func(id string) bool) map[string]entity.Record {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]entity.Record, len(p.entities))
	for id, rec := range p.entities {
		if keep == nil || keep(id) {
			out[id] = rec.Clone()
		}
	}
	return out
}

// All returns a copy of every record held for namespace.
func (s *Store) All(namespace string) map[string]entity.Record {
	p, ok := s.lookup(namespace)
	if !ok {
		return map[string]entity.Record{}
	}
	return p.snapshot(nil)
}

// Domain returns a copy of the records whose device type equals deviceType.
func (s *Store) Domain(namespace, deviceType string) map[string]entity.Record {
	p, ok := s.lookup(namespace)
	if !ok {
		return map[string]entity.Record{}
	}
	prefix := deviceType + "."
	return p.snapshot(func(id string) bool {
		return strings.HasPrefix(id, prefix)
	})
}

func (s *Store) Get(namespace, id string) (entity.Record, error) {
	p, ok := s.lookup(namespace)
	if !ok {
		return entity.Record{}, fmt.Errorf("%w: %s/%s", ErrNotFound, namespace, id)
	}
	rec, ok := p.get(id)
	if !ok {
		return entity.Record{}, fmt.Errorf("%w: %s/%s", ErrNotFound, namespace, id)
	}
	return rec, nil
}

func (s *Store) Attribute(namespace, id, key string) (any, error) {
	rec, err := s.Get(namespace, id)
	if err != nil {
		return nil, err
	}
	v, ok := rec.Attribute(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrAttributeNotFound, key, id)
	}
	return v, nil
}

func (s *Store) Exists(namespace, id string) bool {
	p, ok := s.lookup(namespace)
	if !ok {
		return false
	}
	_, ok = p.get(id)
	return ok
}

// Namespaces lists the namespaces that currently hold a partition.
func (s *Store) Namespaces() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := lo.Keys(s.partitions)
	slices.Sort(names)
	return names
}

// Update runs fn while holding the write lock of (namespace, id). The record
// returned by fn is committed only when fn succeeds and ctx is still live.
func (s *Store) Update(ctx context.Context, namespace, id string, fn func(ctx context.Context, current entity.Record, exists bool) (entity.Record, error)) (entity.Record, error) {
	if err := entity.Validate(id); err != nil {
		return entity.Record{}, err
	}
	p, err := s.partition(namespace)
	if err != nil {
		return entity.Record{}, err
	}
	lock := p.lockEntity(id)

	old, existed := p.get(id)
	current := old
	if !existed {
		current = entity.NewRecord()
	}

	next, err := fn(ctx, current.Clone(), existed)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		if !existed {
			p.forgetEntity(id)
		}
		lock.Unlock()
		return entity.Record{}, err
	}
	next = next.Clone()
	p.set(id, next)
	lock.Unlock()

	s.notify(ctx, Change{
		Namespace: namespace,
		EntityID:  id,
		Old:       old,
		New:       next.Clone(),
		Existed:   existed,
		Source:    SourceLocal,
		Time:      time.Now(),
	})
	return next.Clone(), nil
}

// Replace overwrites a record with a transport-reported one.
func (s *Store) Replace(ctx context.Context, namespace, id string, rec entity.Record) error {
	if err := entity.Validate(id); err != nil {
		return err
	}
	p, err := s.partition(namespace)
	if err != nil {
		return err
	}
	lock := p.lockEntity(id)
	old, existed := p.get(id)
	rec = rec.Clone()
	p.set(id, rec)
	lock.Unlock()

	s.notify(ctx, Change{
		Namespace: namespace,
		EntityID:  id,
		Old:       old,
		New:       rec.Clone(),
		Existed:   existed,
		Source:    SourceTransport,
		Time:      time.Now(),
	})
	return nil
}

// Remove drops a record after the transport reported its deletion.
func (s *Store) Remove(ctx context.Context, namespace, id string) error {
	p, ok := s.lookup(namespace)
	if !ok {
		return nil
	}
	lock := p.lockEntity(id)
	old, existed := p.get(id)
	if existed {
		p.mu.Lock()
		delete(p.entities, id)
		p.mu.Unlock()
	}
	p.forgetEntity(id)
	lock.Unlock()

	if existed {
		s.notify(ctx, Change{
			Namespace: namespace,
			EntityID:  id,
			Old:       old,
			Existed:   true,
			Deleted:   true,
			Source:    SourceTransport,
			Time:      time.Now(),
		})
	}
	return nil
}

// Load replaces the whole partition with a full sync from the transport.
// Malformed ids are skipped.
func (s *Store) Load(ctx context.Context, namespace string, records map[string]entity.Record) error {
	p, err := s.partition(namespace)
	if err != nil {
		return err
	}
	next := make(map[string]entity.Record, len(records))
	for id, rec := range records {
		if err := entity.Validate(id); err != nil {
			s.logger.Warn("skipping entity with malformed id", zap.String("namespace", namespace), zap.String("entity_id", id))
			continue
		}
		next[id] = rec.Clone()
	}

	p.mu.Lock()
	previous := p.entities
	p.entities = next
	p.mu.Unlock()
	for id := range previous {
		if _, ok := next[id]; !ok {
			lock := p.lockEntity(id)
			p.forgetEntity(id)
			lock.Unlock()
		}
	}

	now := time.Now()
	for id, rec := range next {
		old, existed := previous[id]
		s.notify(ctx, Change{
			Namespace: namespace,
			EntityID:  id,
			Old:       old,
			New:       rec.Clone(),
			Existed:   existed,
			Source:    SourceTransport,
			Time:      now,
		})
	}
	s.logger.Debug("loaded namespace state", zap.String("namespace", namespace), zap.Int("count", len(next)))
	return nil
}

func (s *Store) notify(ctx context.Context, change Change) {
	for _, o := range s.observers {
		o.StateChanged(ctx, change)
	}
}

// Close drops every partition. Later writes fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	clear(s.partitions)
	return nil
}
