package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/anicoll/hass-automation/internal/pkg/config"
	"github.com/anicoll/hass-automation/internal/pkg/model"
	"github.com/anicoll/hass-automation/internal/pkg/mqtt"
	"github.com/anicoll/hass-automation/internal/pkg/publisher"
	"github.com/anicoll/hass-automation/internal/pkg/transport"
	"github.com/anicoll/hass-automation/pkg/dispatch"
	"github.com/anicoll/hass-automation/pkg/entity"
	"github.com/anicoll/hass-automation/pkg/state"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zaptest"
)

func testConfig() *config.Config {
	return &config.Config{
		CleanupSchedule:  "0 3 * * *",
		HistoryRetention: time.Hour,
	}
}

// TestRun_ContextCancellation tests that run() exits when the context is cancelled.
func TestRun_ContextCancellation(t *testing.T) {
	t.Parallel()
	logger := zaptest.NewLogger(t)

	transports := map[string]Transport{"hass": &MockTransport{}}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- run(ctx, testConfig(), transports, nil, nil, logger) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not exit")
	}
}

// TestRun_TransportError tests that a failing namespace stops run().
func TestRun_TransportError(t *testing.T) {
	t.Parallel()
	logger := zaptest.NewLogger(t)

	transports := map[string]Transport{
		"hass":     &MockTransport{},
		"upstairs": &MockTransport{RunFunc: func(context.Context) error {
			return transport.ErrAuthInvalid
		}},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, testConfig(), transports, nil, nil, logger)
	assert.ErrorIs(t, err, transport.ErrAuthInvalid)
	assert.ErrorContains(t, err, "upstairs")
}

// TestRun_CleanupFailure tests that the initial history cleanup error is returned.
func TestRun_CleanupFailure(t *testing.T) {
	t.Parallel()
	logger := zaptest.NewLogger(t)
	errDB := errors.New("db down")

	history := &MockHistory{CleanupFunc: func(context.Context, time.Duration) (int64, error) {
		return 0, errDB
	}}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, testConfig(), map[string]Transport{}, nil, history, logger)
	assert.ErrorIs(t, err, errDB)
}

// TestRun_RecordsHistory tests that store changes reach the history publisher.
func TestRun_RecordsHistory(t *testing.T) {
	t.Parallel()
	logger := zaptest.NewLogger(t)

	history := &MockHistory{}
	registry := publisher.NewRegistry(publisher.WithLogger(logger), publisher.WithBatchSize(1))
	require.NoError(t, registry.RegisterPublisher("postgres", history))
	store := state.New(state.WithObserver(registry))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, testConfig(), map[string]Transport{}, registry, history, logger) }()

	require.NoError(t, store.Load(ctx, "hass", map[string]entity.Record{
		"light.kitchen": {State: "on"},
	}))
	assert.Eventually(t, func() bool {
		written, cleanups := history.counts()
		return written == 1 && cleanups == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestCronDbCleanup_BadSchedule(t *testing.T) {
	err := cronDbCleanup(context.Background(), &MockHistory{}, "not a schedule", time.Hour, make(chan error, 1))
	assert.Error(t, err)
}

func TestParsePairs(t *testing.T) {
	tests := map[string]struct {
		pairs   []string
		want    map[string]any
		wantErr bool
	}{
		"empty":       {pairs: nil, want: map[string]any{}},
		"string":      {pairs: []string{"color=red"}, want: map[string]any{"color": "red"}},
		"number":      {pairs: []string{"brightness=200"}, want: map[string]any{"brightness": float64(200)}},
		"bool":        {pairs: []string{"flash=true"}, want: map[string]any{"flash": true}},
		"json list":   {pairs: []string{"rgb=[1,2,3]"}, want: map[string]any{"rgb": []any{float64(1), float64(2), float64(3)}}},
		"equals in":   {pairs: []string{"expr=a=b"}, want: map[string]any{"expr": "a=b"}},
		"empty value": {pairs: []string{"k="}, want: map[string]any{"k": ""}},
		"missing sep": {pairs: []string{"brightness"}, wantErr: true},
		"missing key": {pairs: []string{"=1"}, wantErr: true},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := parsePairs(tt.pairs)
			if tt.wantErr {
				assert.ErrorIs(t, err, errMalformedPair)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWaitReady(t *testing.T) {
	ready := &MockTransport{}
	assert.NoError(t, waitReady(context.Background(), ready, time.Second))

	never := &MockTransport{ReadyCh: make(chan struct{})}
	assert.ErrorIs(t, waitReady(context.Background(), never, 10*time.Millisecond), errSyncTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, waitReady(ctx, never, time.Second), context.Canceled)
}

func TestNewTransports(t *testing.T) {
	cfg := &config.Config{
		AppName: "test",
		Namespaces: map[string]*config.NamespaceConfig{
			"hass":   {Kind: config.KindHub, BaseURL: "http://hub.local:8123", AccessKey: "k", Timeout: time.Second},
			"broker": {Kind: config.KindMqtt, MqttHost: "tcp://broker:1883", TopicPrefix: "home", BaseURL: "http://hub.local:8123"},
		},
	}
	transports, err := newTransports(cfg, state.New(), dispatch.New(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.Len(t, transports, 2)

	assert.IsType(t, &transport.Hub{}, transports["hass"])
	assert.IsType(t, &mqtt.Transport{}, transports["broker"])
	assert.Equal(t, "k", transports["hass"].Endpoint().AccessKey)
	assert.Equal(t, "http://hub.local:8123", transports["broker"].Endpoint().BaseURL)
	assert.False(t, transports["hass"].IsReceiving())

	cfg.Namespaces["odd"] = &config.NamespaceConfig{Kind: "carrier-pigeon"}
	_, err = newTransports(cfg, state.New(), dispatch.New(zaptest.NewLogger(t)))
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

// fakeHub serves the websocket sync and records service calls.
type fakeHub struct {
	mu    sync.Mutex
	calls []string
	body  map[string]any
}

func (f *fakeHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/websocket" {
		f.serveWebsocket(w, r)
		return
	}
	data, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.calls = append(f.calls, r.URL.Path)
	f.body = map[string]any{}
	_ = json.Unmarshal(data, &f.body)
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`[]`))
}

func (f *fakeHub) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	_ = conn.WriteJSON(model.Message{Type: model.AuthRequired})
	if err := conn.ReadJSON(&model.AuthRequest{}); err != nil {
		return
	}
	_ = conn.WriteJSON(model.Message{Type: model.AuthOK})
	for {
		cmd := model.Command{}
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		result := json.RawMessage(`null`)
		if cmd.Type == model.GetStates {
			result, _ = json.Marshal([]model.State{
				{EntityID: "light.kitchen", State: "off", Attributes: map[string]any{"friendly_name": "Kitchen"}},
				{EntityID: "switch.pump", State: "on"},
			})
		}
		_ = conn.WriteJSON(model.Message{ID: cmd.ID, Type: model.Result, Success: true, Result: result})
	}
}

func testApp(out *bytes.Buffer) *cli.App {
	dataFlag := &cli.StringSliceFlag{Name: "data"}
	return &cli.App{
		Name:      "hass-automation",
		Writer:    out,
		ErrWriter: io.Discard,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "namespace"},
			&cli.StringFlag{Name: "hass-url"},
			&cli.StringFlag{Name: "hass-key"},
		},
		Commands: []*cli.Command{
			{Name: "state", Action: StateCommand},
			{Name: "turn-on", Flags: []cli.Flag{dataFlag}, Action: TurnOnCommand},
			{Name: "call-service", Flags: []cli.Flag{dataFlag}, Action: CallServiceCommand},
		},
	}
}

func TestCommands_AgainstHub(t *testing.T) {
	fake := &fakeHub{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	t.Setenv("NAMESPACES_FILE", "")
	t.Setenv("DEFAULT_NAMESPACE", "hass")
	t.Setenv("LOG_LEVEL", "ERROR")
	t.Setenv("SYNC_TIMEOUT", "5s")

	out := &bytes.Buffer{}
	err := testApp(out).Run([]string{"hass-automation", "--hass-url", srv.URL, "--hass-key", "secret", "state", "light"})
	require.NoError(t, err)
	got := map[string]map[string]any{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Contains(t, got, "light.kitchen")
	assert.NotContains(t, got, "switch.pump")

	out.Reset()
	err = testApp(out).Run([]string{"hass-automation", "--hass-url", srv.URL, "turn-on", "--data", "brightness=200", "light.kitchen"})
	require.NoError(t, err)

	fake.mu.Lock()
	assert.Equal(t, []string{"/api/services/homeassistant/turn_on"}, fake.calls)
	assert.Equal(t, map[string]any{"entity_id": "light.kitchen", "brightness": float64(200)}, fake.body)
	fake.mu.Unlock()

	err = testApp(out).Run([]string{"hass-automation", "--hass-url", srv.URL, "call-service", "light"})
	assert.ErrorIs(t, err, dispatch.ErrInvalidServiceName)

	err = testApp(out).Run([]string{"hass-automation", "--hass-url", srv.URL, "--namespace", "nowhere", "state"})
	assert.Error(t, err)
}
