package hass

import (
	"context"
	"sync"

	"github.com/anicoll/hass-automation/pkg/dispatch"
	"github.com/anicoll/hass-automation/pkg/entity"
)

// MockTransport is a hand-rolled Transport for tests.
type MockTransport struct {
	mu            sync.Mutex
	receiving     bool
	endpoint      dispatch.Endpoint
	PushStateFunc func(ctx context.Context, entityID string, rec entity.Record) error
	pushed        []entity.Record
}

func (m *MockTransport) IsReceiving() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.receiving
}

func (m *MockTransport) setReceiving(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receiving = v
}

func (m *MockTransport) PushState(ctx context.Context, entityID string, rec entity.Record) error {
	if m.PushStateFunc != nil {
		if err := m.PushStateFunc(ctx, entityID, rec); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushed = append(m.pushed, rec)
	return nil
}

func (m *MockTransport) Endpoint() dispatch.Endpoint {
	return m.endpoint
}

type serviceCall struct {
	endpoint dispatch.Endpoint
	domain   string
	action   string
	event    string
	payload  map[string]any
}

// MockDispatcher records every dispatched call.
type MockDispatcher struct {
	mu    sync.Mutex
	calls []serviceCall
	Err   error
	Body  any
}

func (m *MockDispatcher) CallService(_ context.Context, ep dispatch.Endpoint, domain, action string, payload map[string]any) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, serviceCall{endpoint: ep, domain: domain, action: action, payload: payload})
	return m.Body, m.Err
}

func (m *MockDispatcher) FireEvent(_ context.Context, ep dispatch.Endpoint, event string, payload map[string]any) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, serviceCall{endpoint: ep, event: event, payload: payload})
	return m.Body, m.Err
}

func (m *MockDispatcher) all() []serviceCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]serviceCall(nil), m.calls...)
}
