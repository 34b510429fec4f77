package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/anicoll/hass-automation/internal/pkg/contxt"
	"github.com/anicoll/hass-automation/pkg/state"
	"go.uber.org/zap"
)

var errAlreadyRegistered = errors.New("publisher already registered")

const (
	defaultBufferSize    = 1024
	defaultBatchSize     = 100
	defaultFlushInterval = 2 * time.Second
	shutdownTimeout      = 5 * time.Second
)

type Publisher interface {
	// Write persists a batch of committed state changes.
	Write(ctx context.Context, changes []state.Change) error
}

// Registry fans committed store changes out to the registered publishers.
// Changes that do not alter an entity are dropped.
type Registry struct {
	mu            sync.RWMutex
	publishers    map[string]Publisher
	entities      sync.Map
	queue         chan state.Change
	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger
}

func NewRegistry(opts ...func(*Registry)) *Registry {
	r := &Registry{
		publishers:    map[string]Publisher{},
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		logger:        zap.L(),
	}
	bufferSize := defaultBufferSize
	for _, o := range opts {
		o(r)
	}
	if r.batchSize > bufferSize {
		bufferSize = r.batchSize
	}
	r.queue = make(chan state.Change, bufferSize)
	return r
}

func WithBatchSize(n int) func(*Registry) {
	return func(r *Registry) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithFlushInterval(d time.Duration) func(*Registry) {
	return func(r *Registry) {
		if d > 0 {
			r.flushInterval = d
		}
	}
}

func WithLogger(logger *zap.Logger) func(*Registry) {
	return func(r *Registry) {
		r.logger = logger
	}
}

func (r *Registry) RegisterPublisher(name string, publisher Publisher) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.publishers[name]; ok {
		return errAlreadyRegistered
	}
	r.publishers[name] = publisher
	return nil
}

// StateChanged queues a change for the next flush. It never blocks the store;
// when the queue is full the change is dropped.
func (r *Registry) StateChanged(_ context.Context, change state.Change) {
	if !r.shouldUpdate(change) {
		return
	}
	select {
	case r.queue <- change:
	default:
		r.logger.Warn("history queue full, dropping change", zap.String("namespace", change.Namespace), zap.String("entity_id", change.EntityID))
	}
}

// Run flushes queued changes until ctx is done, then drains the queue.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]state.Change, 0, r.batchSize)
	for {
		select {
		case <-ctx.Done():
			batch = r.drain(batch)
			flushCtx, cancel := contxt.Detach(ctx, shutdownTimeout)
			r.PublishData(flushCtx, batch)
			cancel()
			return nil
		case change := <-r.queue:
			batch = append(batch, change)
			if len(batch) >= r.batchSize {
				r.PublishData(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.PublishData(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

func (r *Registry) drain(batch []state.Change) []state.Change {
	for {
		select {
		case change := <-r.queue:
			batch = append(batch, change)
		default:
			return batch
		}
	}
}

// PublishData writes changes to every publisher. A failing publisher does not
// stop the others.
func (r *Registry) PublishData(ctx context.Context, changes []state.Change) {
	if len(changes) == 0 {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, publisher := range r.publishers {
		if err := publisher.Write(ctx, changes); err != nil {
			r.logger.Error("failed to publish data", zap.Error(err), zap.String("publisher", name))
			continue
		}
		r.logger.Debug("published changes", zap.Int("count", len(changes)), zap.String("publisher", name))
	}
}

func (r *Registry) shouldUpdate(change state.Change) bool {
	key := change.Namespace + "/" + change.EntityID
	if change.Deleted {
		r.entities.Delete(key)
		return true
	}
	fingerprint, err := json.Marshal(change.New)
	if err != nil {
		return true
	}
	old, exists := r.entities.Swap(key, string(fingerprint))
	if exists && old.(string) == string(fingerprint) {
		return false
	}
	if !exists {
		r.logger.Debug("tracking entity", zap.String("namespace", change.Namespace), zap.String("entity_id", change.EntityID))
	}
	return true
}
