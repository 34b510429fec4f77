// Package hass is the facade automation code uses to read and change entity
// state on one or more hubs and to invoke hub services.
//
// Every call is scoped to a namespace. A namespace names one hub connection
// (a Transport) and one partition of the shared state.Store. Calls use the
// facade default namespace unless InNamespace overrides it.
package hass

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/anicoll/hass-automation/pkg/dispatch"
	"github.com/anicoll/hass-automation/pkg/entity"
	"github.com/anicoll/hass-automation/pkg/guard"
	"github.com/anicoll/hass-automation/pkg/state"
)

const DefaultNamespace = "hass"

var ErrUnknownNamespace = guard.ErrUnknownNamespace

// Transport is the per-namespace connection to a hub.
type Transport interface {
	IsReceiving() bool
	PushState(ctx context.Context, entityID string, rec entity.Record) error
	Endpoint() dispatch.Endpoint
}

type Dispatcher interface {
	CallService(ctx context.Context, ep dispatch.Endpoint, domain, action string, payload map[string]any) (any, error)
	FireEvent(ctx context.Context, ep dispatch.Endpoint, event string, payload map[string]any) (any, error)
}

// Result is the decoded hub answer to an action. Skipped is set when the call
// was not sent because the namespace transport was not receiving.
type Result struct {
	Body    any
	Skipped bool
}

// Skipped is returned by guarded actions while the hub is disconnected.
var Skipped = Result{Skipped: true}

type Hass struct {
	name       string
	mu         sync.RWMutex
	namespace  string
	transports map[string]Transport
	store      *state.Store
	dispatcher Dispatcher
	guard      *guard.Guard
	logger     *zap.Logger
}

func New(store *state.Store, opts ...func(*Hass)) *Hass {
	h := &Hass{
		name:       "hass",
		namespace:  DefaultNamespace,
		transports: make(map[string]Transport),
		store:      store,
		logger:     zap.L(), // returns the global logger.
	}
	for _, o := range opts {
		o(h)
	}
	if h.dispatcher == nil {
		h.dispatcher = dispatch.New(h.logger)
	}
	h.logger = h.logger.With(zap.String("app", h.name))
	h.guard = guard.New(func(namespace string) (guard.Receiver, error) {
		return h.transport(namespace)
	}, h.logger)
	return h
}

func WithTransport(namespace string, t Transport) func(*Hass) {
	return func(h *Hass) {
		h.transports[namespace] = t
	}
}

func WithDefaultNamespace(namespace string) func(*Hass) {
	return func(h *Hass) {
		h.namespace = namespace
	}
}

func WithDispatcher(d Dispatcher) func(*Hass) {
	return func(h *Hass) {
		h.dispatcher = d
	}
}

// WithName sets the app name attached to every log line.
func WithName(name string) func(*Hass) {
	return func(h *Hass) {
		h.name = name
	}
}

func WithLogger(logger *zap.Logger) func(*Hass) {
	return func(h *Hass) {
		h.logger = logger
	}
}

// AddTransport registers or replaces the transport of namespace.
func (h *Hass) AddTransport(namespace string, t Transport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transports[namespace] = t
}

func (h *Hass) SetNamespace(namespace string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.namespace = namespace
}

func (h *Hass) Namespace() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.namespace
}

func (h *Hass) Name() string {
	return h.name
}

func (h *Hass) transport(namespace string) (Transport, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.transports[namespace]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNamespace, namespace)
	}
	return t, nil
}

// resolve picks the namespace of a call. The override is consumed here and
// never reaches a payload.
func (h *Hass) resolve(opts []Option) (string, callOptions) {
	co := newCallOptions(opts)
	if co.namespace != "" {
		return co.namespace, co
	}
	return h.Namespace(), co
}
