package sockets

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrClosed = errors.New("closed connection")

type Connection interface {
	Dial(ctx context.Context, url string) error
	Send(msg Msg) error
	IsConnected() bool
	io.Closer
}

// Conn is an event driven websocket client. Messages are delivered in order on
// a single reader goroutine; writes are serialised.
type Conn struct {
	ws               *websocket.Conn
	writeMu          sync.Mutex
	stateMu          sync.RWMutex
	sslSkipVerify    bool
	rootCAs          *x509.CertPool
	closed           bool
	pingInterval     time.Duration
	handshakeTimeout time.Duration
	maxMessageSize   int64
	onError          func(err error)
	onMessage        func([]byte, Connection)
	onConnected      func(Connection)
	done             chan struct{}
}

func New(opts ...func(*Conn)) *Conn {
	c := &Conn{
		closed:           true,
		handshakeTimeout: 15 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Msg is the message structure.
type Msg struct {
	Body []byte
}

// Close closes the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.close()
}

func (c *Conn) close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return c.ws.Close()
}

func (c *Conn) IsConnected() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return !c.closed
}

func (c *Conn) Send(msg Msg) error {
	if !c.IsConnected() {
		return ErrClosed
	}
	c.writeMu.Lock()
	err := c.ws.WriteMessage(websocket.TextMessage, msg.Body)
	c.writeMu.Unlock()
	if err != nil {
		c.fail(err)
		return err
	}
	return nil
}

func (c *Conn) Dial(ctx context.Context, url string) error {
	dialer := &websocket.Dialer{
		HandshakeTimeout: c.handshakeTimeout,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: c.sslSkipVerify,
			RootCAs:            c.rootCAs,
		},
	}
	conn, res, err := dialer.DialContext(ctx, url, nil)
	if res != nil && res.Body != nil {
		_ = res.Body.Close()
	}
	if err != nil {
		return err
	}
	if c.maxMessageSize > 0 {
		conn.SetReadLimit(c.maxMessageSize)
	}

	c.stateMu.Lock()
	c.ws = conn
	c.closed = false
	c.done = make(chan struct{})
	done := c.done
	c.stateMu.Unlock()

	if c.onConnected != nil {
		c.onConnected(c)
	}
	go c.readLoop(conn)
	c.setupPing(done)
	return nil
}

func (c *Conn) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		if c.onMessage != nil {
			c.onMessage(msg, c)
		}
	}
}

// fail closes the connection and reports err once, unless the connection was
// already closed on purpose.
func (c *Conn) fail(err error) {
	c.stateMu.Lock()
	wasOpen := !c.closed
	_ = c.close()
	c.stateMu.Unlock()
	if wasOpen && c.onError != nil {
		c.onError(err)
	}
}

func (c *Conn) setupPing(done chan struct{}) {
	if c.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.pingInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.pingInterval))
			c.writeMu.Unlock()
			if err != nil {
				c.fail(err)
				return
			}
		}
	}()
}
