package sockets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(msg) == "bye" {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConn_DialSendReceive(t *testing.T) {
	srv := echoServer(t)

	received := make(chan string, 1)
	var connected bool
	c := New(
		OnConnected(func(Connection) { connected = true }),
		OnMessage(func(b []byte, _ Connection) { received <- string(b) }),
		WithPingInterval(50*time.Millisecond),
	)
	require.NoError(t, c.Dial(context.Background(), wsURL(srv)))
	defer c.Close()

	assert.True(t, connected)
	assert.True(t, c.IsConnected())
	require.NoError(t, c.Send(Msg{Body: []byte("hello")}))

	select {
	case msg := <-received:
		assert.Equal(t, "hello", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no echo received")
	}
}

func TestConn_ServerCloseReportsError(t *testing.T) {
	srv := echoServer(t)

	errs := make(chan error, 1)
	c := New(OnError(func(err error) { errs <- err }))
	require.NoError(t, c.Dial(context.Background(), wsURL(srv)))
	require.NoError(t, c.Send(Msg{Body: []byte("bye")}))

	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("no error reported")
	}
	assert.False(t, c.IsConnected())
	assert.ErrorIs(t, c.Send(Msg{Body: []byte("late")}), ErrClosed)
}

func TestConn_CloseIsQuiet(t *testing.T) {
	srv := echoServer(t)

	var mu sync.Mutex
	var reported []error
	c := New(OnError(func(err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	}))
	require.NoError(t, c.Dial(context.Background(), wsURL(srv)))

	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	assert.False(t, c.IsConnected())

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, reported)
}

func TestConn_DialFailure(t *testing.T) {
	tests := map[string]struct {
		url string
	}{
		"refused":    {url: "ws://127.0.0.1:1/api/websocket"},
		"not a ws":   {url: "http://127.0.0.1:1"},
		"bad scheme": {url: "ftp://example"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			c := New(WithHandshakeTimeout(time.Second))
			assert.Error(t, c.Dial(context.Background(), tt.url))
			assert.False(t, c.IsConnected())
		})
	}
}
