package cmd

import (
	"context"
	"sync"
	"time"

	"github.com/anicoll/hass-automation/pkg/dispatch"
	"github.com/anicoll/hass-automation/pkg/entity"
	"github.com/anicoll/hass-automation/pkg/state"
)

// MockTransport is a mock implementation of the Transport interface.
type MockTransport struct {
	RunFunc       func(ctx context.Context) error
	PushStateFunc func(ctx context.Context, id string, rec entity.Record) error
	Receiving     bool
	Ep            dispatch.Endpoint
	ReadyCh       chan struct{}
}

func (m *MockTransport) Run(ctx context.Context) error {
	if m.RunFunc != nil {
		return m.RunFunc(ctx)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (m *MockTransport) Ready() <-chan struct{} {
	if m.ReadyCh == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return m.ReadyCh
}

func (m *MockTransport) IsReceiving() bool {
	return m.Receiving
}

func (m *MockTransport) PushState(ctx context.Context, id string, rec entity.Record) error {
	if m.PushStateFunc != nil {
		return m.PushStateFunc(ctx, id, rec)
	}
	return nil
}

func (m *MockTransport) Endpoint() dispatch.Endpoint {
	return m.Ep
}

// MockHistory is a mock implementation of the History interface.
type MockHistory struct {
	mu          sync.Mutex
	WriteFunc   func(ctx context.Context, changes []state.Change) error
	CleanupFunc func(ctx context.Context, retention time.Duration) (int64, error)
	written     []state.Change
	cleanups    int
}

func (m *MockHistory) Write(ctx context.Context, changes []state.Change) error {
	m.mu.Lock()
	m.written = append(m.written, changes...)
	m.mu.Unlock()
	if m.WriteFunc != nil {
		return m.WriteFunc(ctx, changes)
	}
	return nil
}

func (m *MockHistory) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	m.mu.Lock()
	m.cleanups++
	m.mu.Unlock()
	if m.CleanupFunc != nil {
		return m.CleanupFunc(ctx, retention)
	}
	return 0, nil
}

func (m *MockHistory) counts() (written, cleanups int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.written), m.cleanups
}
