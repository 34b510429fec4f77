package transport

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anicoll/hass-automation/internal/pkg/model"
	"github.com/anicoll/hass-automation/pkg/dispatch"
	"github.com/anicoll/hass-automation/pkg/entity"
	"github.com/anicoll/hass-automation/pkg/sockets"
	"go.uber.org/zap"
)

const (
	maxMessageSize = 16 << 20
	pingInterval   = 30 * time.Second
	websocketPath  = "/api/websocket"
	defaultRedial  = 5 * time.Second
)

var (
	ErrAuthInvalid   = errors.New("hub rejected access key")
	ErrMessageTooBig = errors.New("buffered message exceeds limit")
)

type poster interface {
	Post(ctx context.Context, ep dispatch.Endpoint, path string, body any) (any, error)
}

type stateStore interface {
	Replace(ctx context.Context, namespace, id string, rec entity.Record) error
	Remove(ctx context.Context, namespace, id string) error
	Load(ctx context.Context, namespace string, records map[string]entity.Record) error
}

// Hub keeps one namespace of the store in sync with a hub over its websocket
// API and pushes local writes back through the REST API.
type Hub struct {
	namespace      string
	endpoint       dispatch.Endpoint
	store          stateStore
	poster         poster
	logger         *zap.Logger
	reconnectDelay time.Duration
	receiving      atomic.Bool
	ready          chan struct{}
	readyOnce      sync.Once
}

func NewHub(namespace string, ep dispatch.Endpoint, store stateStore, poster poster, opts ...func(*Hub)) *Hub {
	h := &Hub{
		namespace:      namespace,
		endpoint:       ep,
		store:          store,
		poster:         poster,
		logger:         zap.L(), // returns the global logger.
		reconnectDelay: defaultRedial,
		ready:          make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	h.logger = h.logger.With(zap.String("namespace", namespace))
	return h
}

func WithReconnectDelay(d time.Duration) func(*Hub) {
	return func(h *Hub) {
		if d > 0 {
			h.reconnectDelay = d
		}
	}
}

func WithLogger(logger *zap.Logger) func(*Hub) {
	return func(h *Hub) {
		h.logger = logger
	}
}

func (h *Hub) IsReceiving() bool {
	return h.receiving.Load()
}

func (h *Hub) Endpoint() dispatch.Endpoint {
	return h.endpoint
}

// Ready is closed once the first full state sync has been loaded.
func (h *Hub) Ready() <-chan struct{} {
	return h.ready
}

func (h *Hub) PushState(ctx context.Context, id string, rec entity.Record) error {
	_, err := h.poster.Post(ctx, h.endpoint, dispatch.StatePath(id), rec)
	return err
}

// Run connects to the hub and redials after every failure until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	for {
		err := h.session(ctx)
		h.receiving.Store(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthInvalid) {
			return err
		}
		h.logger.Warn("hub connection lost", zap.Error(err), zap.Duration("retry_in", h.reconnectDelay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.reconnectDelay):
		}
	}
}

// WebsocketURL derives the websocket address from the REST base url.
func WebsocketURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += websocketPath
	return u.String(), nil
}

func (h *Hub) socketOptions(s *session) ([]func(*sockets.Conn), error) {
	opts := []func(*sockets.Conn){
		sockets.OnMessage(s.onMessage),
		sockets.OnError(s.fail),
		sockets.WithMaxMessageSize(maxMessageSize),
		sockets.WithPingInterval(pingInterval),
	}
	if !h.endpoint.TLSVerify {
		opts = append(opts, sockets.InsecureSkipVerify())
	}
	if h.endpoint.CertPath != "" {
		pem, err := os.ReadFile(h.endpoint.CertPath)
		if err != nil {
			return nil, fmt.Errorf("reading cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", h.endpoint.CertPath)
		}
		opts = append(opts, sockets.WithRootCAs(pool))
	}
	return opts, nil
}

func (h *Hub) session(ctx context.Context) error {
	u, err := WebsocketURL(h.endpoint.BaseURL)
	if err != nil {
		return err
	}
	s := &session{
		hub:    h,
		ctx:    ctx,
		failed: make(chan error, 1),
	}
	opts, err := h.socketOptions(s)
	if err != nil {
		return err
	}
	conn := sockets.New(opts...)

	h.logger.Debug("connecting to", zap.String("url", u))
	if err := conn.Dial(ctx, u); err != nil {
		return err
	}
	defer conn.Close()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-s.failed:
		return err
	}
}

// session holds the per connection state. Messages arrive on a single reader
// goroutine so the buffer and request ids need no locking.
type session struct {
	hub         *Hub
	ctx         context.Context
	failed      chan error
	storedData  []byte
	lastID      int64
	getStatesID int64
	subscribeID int64
}

func (s *session) fail(err error) {
	s.hub.receiving.Store(false)
	select {
	case s.failed <- err:
	default:
	}
}

func (s *session) nextID() int64 {
	s.lastID++
	return s.lastID
}

func (s *session) send(c sockets.Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.fail(err)
		return
	}
	if err := c.Send(sockets.Msg{Body: data}); err != nil {
		s.fail(err)
	}
}

// unmarshal reports true when data is not yet a complete json document.
func (s *session) unmarshal(data []byte) (*model.Message, bool) {
	msg := model.Message{}
	if err := json.Unmarshal(data, &msg); err != nil {
		var serr *json.SyntaxError
		if errors.As(err, &serr) && serr.Offset >= int64(len(data)) {
			return nil, true
		}
		s.hub.logger.Warn("dropping undecodable message", zap.Error(err))
		return nil, false
	}
	return &msg, false
}

func (s *session) onMessage(data []byte, c sockets.Connection) {
	if len(s.storedData) > 0 {
		data = append(s.storedData, data...)
	}
	msg, partial := s.unmarshal(data)
	if partial {
		if len(data) > maxMessageSize {
			s.storedData = nil
			s.fail(ErrMessageTooBig)
			return
		}
		s.storedData = data
		return
	}
	s.storedData = nil
	if msg == nil {
		return
	}

	logger := s.hub.logger
	logger.Debug("received message", zap.Stringer("type", msg.Type), zap.Int64("id", msg.ID))
	switch msg.Type {
	case model.AuthRequired:
		s.send(c, model.AuthRequest{Type: model.Auth, AccessToken: s.hub.endpoint.AccessKey})
	case model.AuthInvalid:
		s.fail(fmt.Errorf("%w: %s", ErrAuthInvalid, msg.Message))
	case model.AuthOK:
		s.hub.receiving.Store(true)
		logger.Info("connected to hub", zap.String("version", msg.Version))
		s.getStatesID = s.nextID()
		s.send(c, model.Command{ID: s.getStatesID, Type: model.GetStates})
		s.subscribeID = s.nextID()
		s.send(c, model.SubscribeEventsRequest{
			Command:   model.Command{ID: s.subscribeID, Type: model.SubscribeEvents},
			EventType: model.StateChanged,
		})
	case model.Result:
		s.handleResult(msg)
	case model.EventMessage:
		s.handleEvent(msg)
	}
}

func (s *session) handleResult(msg *model.Message) {
	logger := s.hub.logger
	if !msg.Success {
		if msg.Error != nil {
			logger.Error("hub command failed", zap.Int64("id", msg.ID), zap.Error(msg.Error))
		}
		return
	}
	switch msg.ID {
	case s.getStatesID:
		states := []model.State{}
		if err := json.Unmarshal(msg.Result, &states); err != nil {
			s.fail(fmt.Errorf("decoding states: %w", err))
			return
		}
		if err := s.hub.store.Load(s.ctx, s.hub.namespace, model.Records(states)); err != nil {
			s.fail(err)
			return
		}
		logger.Info("synced hub state", zap.Int("entities", len(states)))
		s.hub.readyOnce.Do(func() { close(s.hub.ready) })
	case s.subscribeID:
		logger.Debug("subscribed to state changes")
	}
}

func (s *session) handleEvent(msg *model.Message) {
	if msg.Event == nil || msg.Event.EventType != model.StateChanged {
		return
	}
	data := model.StateChangedData{}
	if err := json.Unmarshal(msg.Event.Data, &data); err != nil {
		s.hub.logger.Warn("dropping undecodable state change", zap.Error(err))
		return
	}
	var err error
	if data.NewState == nil {
		err = s.hub.store.Remove(s.ctx, s.hub.namespace, data.EntityID)
	} else {
		err = s.hub.store.Replace(s.ctx, s.hub.namespace, data.EntityID, data.NewState.Record())
	}
	if err != nil {
		s.hub.logger.Warn("failed to apply state change", zap.String("entity_id", data.EntityID), zap.Error(err))
	}
}
