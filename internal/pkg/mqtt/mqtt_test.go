package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/anicoll/hass-automation/internal/pkg/model"
	"github.com/anicoll/hass-automation/pkg/dispatch"
	"github.com/anicoll/hass-automation/pkg/entity"
	"github.com/anicoll/hass-automation/pkg/state"
	paho_mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type MockToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *MockToken {
	done := make(chan struct{})
	close(done)
	return &MockToken{done: done, err: err}
}

func (m *MockToken) Wait() bool {
	<-m.done
	return true
}

func (m *MockToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-m.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (m *MockToken) Done() <-chan struct{} { return m.done }

func (m *MockToken) Error() error { return m.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type MockClient struct {
	ConnectFunc   func() paho_mqtt.Token
	PublishFunc   func(topic string, qos byte, retained bool, payload interface{}) paho_mqtt.Token
	SubscribeFunc func(topic string, qos byte, callback paho_mqtt.MessageHandler) paho_mqtt.Token
	open          bool
	disconnected  bool
	published     []published
	handler       paho_mqtt.MessageHandler
}

func (m *MockClient) Connect() paho_mqtt.Token {
	if m.ConnectFunc != nil {
		return m.ConnectFunc()
	}
	m.open = true
	return completedToken(nil)
}

func (m *MockClient) Disconnect(uint) {
	m.open = false
	m.disconnected = true
}

func (m *MockClient) IsConnectionOpen() bool { return m.open }

func (m *MockClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho_mqtt.Token {
	m.published = append(m.published, published{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	if m.PublishFunc != nil {
		return m.PublishFunc(topic, qos, retained, payload)
	}
	return completedToken(nil)
}

func (m *MockClient) Subscribe(topic string, qos byte, callback paho_mqtt.MessageHandler) paho_mqtt.Token {
	m.handler = callback
	if m.SubscribeFunc != nil {
		return m.SubscribeFunc(topic, qos, callback)
	}
	return completedToken(nil)
}

type MockMessage struct {
	topic   string
	payload []byte
}

func (m *MockMessage) Duplicate() bool   { return false }
func (m *MockMessage) Qos() byte         { return qos }
func (m *MockMessage) Retained() bool    { return true }
func (m *MockMessage) Topic() string     { return m.topic }
func (m *MockMessage) MessageID() uint16 { return 1 }
func (m *MockMessage) Payload() []byte   { return m.payload }
func (m *MockMessage) Ack()              {}

func newTransport(t *testing.T, c *MockClient, store *state.Store) *Transport {
	t.Helper()
	return New("mqtt", Config{Prefix: "home/"}, store,
		WithClient(c),
		WithLogger(zaptest.NewLogger(t)),
		WithEndpoint(dispatch.Endpoint{BaseURL: "http://hub.local"}),
	)
}

func TestTransport_Topics(t *testing.T) {
	tr := newTransport(t, &MockClient{}, state.New())

	topic, err := tr.Topic("light.kitchen")
	require.NoError(t, err)
	assert.Equal(t, "home/light/kitchen/state", topic)

	_, err = tr.Topic("kitchen")
	assert.ErrorIs(t, err, entity.ErrMalformedID)

	tests := map[string]struct {
		topic   string
		want    string
		wantErr bool
	}{
		"state topic":       {topic: "home/light/kitchen/state", want: "light.kitchen"},
		"other prefix":      {topic: "away/light/kitchen/state", wantErr: true},
		"not a state":       {topic: "home/light/kitchen/config", wantErr: true},
		"too deep":          {topic: "home/a/b/c/state", wantErr: true},
		"dotted name":       {topic: "home/light/a.b/state", wantErr: true},
		"empty device type": {topic: "home//kitchen/state", wantErr: true},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := tr.EntityID(tt.topic)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransport_ReceivingLifecycle(t *testing.T) {
	c := &MockClient{}
	tr := newTransport(t, c, state.New())
	assert.False(t, tr.IsReceiving())

	require.NoError(t, tr.Connect())
	assert.False(t, tr.IsReceiving(), "connected but not subscribed")

	tr.onConnect()
	assert.True(t, tr.IsReceiving())
	select {
	case <-tr.Ready():
	default:
		t.Fatal("ready not closed after subscribe")
	}

	tr.onConnectionLost(errors.New("broker went away"))
	assert.False(t, tr.IsReceiving())
}

func TestTransport_SubscribeFailure(t *testing.T) {
	c := &MockClient{SubscribeFunc: func(string, byte, paho_mqtt.MessageHandler) paho_mqtt.Token {
		return completedToken(errors.New("not authorised"))
	}}
	tr := newTransport(t, c, state.New())
	require.NoError(t, tr.Connect())
	tr.onConnect()
	assert.False(t, tr.IsReceiving())
	select {
	case <-tr.Ready():
		t.Fatal("ready closed without a subscription")
	default:
	}
}

func TestTransport_ConnectTimeout(t *testing.T) {
	c := &MockClient{ConnectFunc: func() paho_mqtt.Token {
		return &MockToken{done: make(chan struct{})}
	}}
	tr := newTransport(t, c, state.New())
	if testing.Short() {
		t.Skip("waits for the connect timeout")
	}
	assert.ErrorIs(t, tr.Connect(), ErrTimeout)
}

func TestTransport_OnMessage(t *testing.T) {
	store := state.New()
	c := &MockClient{}
	tr := newTransport(t, c, store)
	require.NoError(t, tr.Connect())
	tr.onConnect()
	require.NotNil(t, c.handler)

	payload, err := json.Marshal(model.StateMessage{State: "on", Attributes: map[string]any{"brightness": float64(10)}})
	require.NoError(t, err)
	c.handler(nil, &MockMessage{topic: "home/light/kitchen/state", payload: payload})

	rec, err := store.Get("mqtt", "light.kitchen")
	require.NoError(t, err)
	assert.Equal(t, "on", rec.State)
	assert.Equal(t, float64(10), rec.Attributes["brightness"])

	c.handler(nil, &MockMessage{topic: "home/light/kitchen/state", payload: []byte("{not json")})
	rec, err = store.Get("mqtt", "light.kitchen")
	require.NoError(t, err)
	assert.Equal(t, "on", rec.State)

	c.handler(nil, &MockMessage{topic: "home/light/kitchen/state"})
	assert.False(t, store.Exists("mqtt", "light.kitchen"))

	c.handler(nil, &MockMessage{topic: "home/garbage", payload: payload})
	assert.Empty(t, store.All("mqtt"))
}

func TestTransport_PushState(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := map[string]struct {
		id      string
		token   func() paho_mqtt.Token
		ctx     func() (context.Context, context.CancelFunc)
		wantErr error
		wantPub int
	}{
		"published": {
			id:      "switch.pump",
			wantPub: 1,
		},
		"malformed id": {
			id:      "pump",
			wantErr: entity.ErrMalformedID,
		},
		"broker error": {
			id:      "switch.pump",
			token:   func() paho_mqtt.Token { return completedToken(ErrTimeout) },
			wantErr: ErrTimeout,
			wantPub: 1,
		},
		"cancelled": {
			id:    "switch.pump",
			token: func() paho_mqtt.Token { return &MockToken{done: make(chan struct{})} },
			ctx: func() (context.Context, context.CancelFunc) {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx, cancel
			},
			wantErr: context.Canceled,
			wantPub: 1,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			c := &MockClient{}
			if tt.token != nil {
				c.PublishFunc = func(string, byte, bool, interface{}) paho_mqtt.Token { return tt.token() }
			}
			tr := newTransport(t, c, state.New())
			tr.now = func() time.Time { return now }

			ctx, cancel := context.Background(), context.CancelFunc(func() {})
			if tt.ctx != nil {
				ctx, cancel = tt.ctx()
			}
			defer cancel()

			err := tr.PushState(ctx, tt.id, entity.Record{State: "on", Attributes: map[string]any{"a": "b"}})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			require.Len(t, c.published, tt.wantPub)
			if tt.wantPub == 0 {
				return
			}
			pub := c.published[0]
			assert.Equal(t, "home/switch/pump/state", pub.topic)
			assert.Equal(t, byte(1), pub.qos)
			assert.True(t, pub.retained)
			assert.JSONEq(t, `{"state":"on","attributes":{"a":"b"},"timestamp":"2024-01-02T03:04:05Z"}`, string(pub.payload))
		})
	}
}

func TestTransport_RunDisconnects(t *testing.T) {
	c := &MockClient{}
	tr := newTransport(t, c, state.New())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, tr.Run(ctx), context.Canceled)
	assert.True(t, c.disconnected)
	assert.Equal(t, dispatch.Endpoint{BaseURL: "http://hub.local"}, tr.Endpoint())
}
