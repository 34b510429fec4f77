package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anicoll/hass-automation/internal/pkg/model"
	"github.com/anicoll/hass-automation/pkg/dispatch"
	"github.com/anicoll/hass-automation/pkg/entity"
	paho_mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	qos         = 1
	waitTimeout = 5 * time.Second
)

var (
	ErrTimeout        = errors.New("mqtt operation timed out")
	ErrMalformedTopic = errors.New("malformed state topic")
)

type client interface {
	Connect() paho_mqtt.Token
	Disconnect(quiesce uint)
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) paho_mqtt.Token
	Subscribe(topic string, qos byte, callback paho_mqtt.MessageHandler) paho_mqtt.Token
}

type stateStore interface {
	Replace(ctx context.Context, namespace, id string, rec entity.Record) error
	Remove(ctx context.Context, namespace, id string) error
}

type Config struct {
	Host     string
	Username string
	Password string
	ClientID string
	Prefix   string
}

// Transport backs a namespace with retained state topics on an MQTT broker.
type Transport struct {
	namespace  string
	prefix     string
	client     client
	store      stateStore
	endpoint   dispatch.Endpoint
	logger     *zap.Logger
	subscribed atomic.Bool
	ready      chan struct{}
	readyOnce  sync.Once
	ctx        context.Context
	now        func() time.Time
}

func New(namespace string, cfg Config, store stateStore, opts ...func(*Transport)) *Transport {
	t := &Transport{
		namespace: namespace,
		prefix:    strings.TrimSuffix(cfg.Prefix, "/"),
		store:     store,
		logger:    zap.L(),
		ready:     make(chan struct{}),
		ctx:       context.Background(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	t.logger = t.logger.With(zap.String("namespace", namespace))
	if t.client == nil {
		t.client = paho_mqtt.NewClient(t.clientOptions(cfg))
	}
	return t
}

func WithClient(c client) func(*Transport) {
	return func(t *Transport) {
		t.client = c
	}
}

func WithEndpoint(ep dispatch.Endpoint) func(*Transport) {
	return func(t *Transport) {
		t.endpoint = ep
	}
}

func WithLogger(logger *zap.Logger) func(*Transport) {
	return func(t *Transport) {
		t.logger = logger
	}
}

func (t *Transport) clientOptions(cfg Config) *paho_mqtt.ClientOptions {
	opts := paho_mqtt.NewClientOptions()
	opts.AddBroker(cfg.Host)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	// handlers write to the store, which may be locked by a PushState waiting
	// for its own ack.
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(func(paho_mqtt.Client) { t.onConnect() })
	opts.SetConnectionLostHandler(func(_ paho_mqtt.Client, err error) { t.onConnectionLost(err) })
	return opts
}

func wait(token paho_mqtt.Token) error {
	if !token.WaitTimeout(waitTimeout) {
		return ErrTimeout
	}
	return token.Error()
}

func (t *Transport) Connect() error {
	return wait(t.client.Connect())
}

// Run connects and keeps the session open until ctx is done. Reconnects are
// handled by the client.
func (t *Transport) Run(ctx context.Context) error {
	t.ctx = ctx
	if err := t.Connect(); err != nil {
		return err
	}
	<-ctx.Done()
	t.subscribed.Store(false)
	t.client.Disconnect(250)
	return ctx.Err()
}

func (t *Transport) onConnect() {
	t.logger.Info("connected to broker")
	if err := t.subscribe(); err != nil {
		t.logger.Error("failed to subscribe", zap.Error(err))
	}
}

func (t *Transport) onConnectionLost(err error) {
	t.subscribed.Store(false)
	t.logger.Warn("lost broker connection", zap.Error(err))
}

func (t *Transport) subscribe() error {
	topic := t.prefix + "/+/+/state"
	if err := wait(t.client.Subscribe(topic, qos, t.onMessage)); err != nil {
		return err
	}
	t.subscribed.Store(true)
	t.readyOnce.Do(func() { close(t.ready) })
	t.logger.Debug("subscribed", zap.String("topic", topic))
	return nil
}

func (t *Transport) IsReceiving() bool {
	return t.subscribed.Load() && t.client.IsConnectionOpen()
}

// Ready is closed after the first successful subscription.
func (t *Transport) Ready() <-chan struct{} {
	return t.ready
}

func (t *Transport) Endpoint() dispatch.Endpoint {
	return t.endpoint
}

func (t *Transport) Topic(id string) (string, error) {
	deviceType, name, err := entity.Split(id)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/%s/state", t.prefix, deviceType, name), nil
}

// EntityID maps a state topic back to its entity id.
func (t *Transport) EntityID(topic string) (string, error) {
	rest, ok := strings.CutPrefix(topic, t.prefix+"/")
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMalformedTopic, topic)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "state" {
		return "", fmt.Errorf("%w: %s", ErrMalformedTopic, topic)
	}
	id := parts[0] + "." + parts[1]
	if err := entity.Validate(id); err != nil {
		return "", err
	}
	return id, nil
}

func (t *Transport) PushState(ctx context.Context, id string, rec entity.Record) error {
	topic, err := t.Topic(id)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(model.NewStateMessage(rec, t.now()))
	if err != nil {
		return err
	}
	token := t.client.Publish(topic, qos, true, payload)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
		return token.Error()
	case <-time.After(waitTimeout):
		return ErrTimeout
	}
}

func (t *Transport) onMessage(_ paho_mqtt.Client, msg paho_mqtt.Message) {
	id, err := t.EntityID(msg.Topic())
	if err != nil {
		t.logger.Warn("ignoring message", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}
	// an empty retained payload clears the entity
	if len(msg.Payload()) == 0 {
		if err := t.store.Remove(t.ctx, t.namespace, id); err != nil {
			t.logger.Warn("failed to remove entity", zap.String("entity_id", id), zap.Error(err))
		}
		return
	}
	payload := model.StateMessage{}
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		t.logger.Warn("ignoring undecodable state", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}
	if err := t.store.Replace(t.ctx, t.namespace, id, payload.Record()); err != nil {
		t.logger.Warn("failed to apply state", zap.String("entity_id", id), zap.Error(err))
	}
}
