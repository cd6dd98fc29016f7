package wslink

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chargepoint/internal/ocpptype"
)

func echoServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{Subprotocols: []string{"ocpp2.0.1"}}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + httpURL[len("http"):]
}

func TestConnectSendReceiveRoundTrip(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	received := make(chan string, 1)
	link := New(Config{URL: wsURL(srv.URL)}, Callbacks{
		OnMessage: func(raw []byte) { received <- string(raw) },
	})

	require.NoError(t, link.Connect(context.Background()))
	assert.Equal(t, Connected, link.State())

	require.NoError(t, link.Send(`[2,"id","Heartbeat",{}]`))

	select {
	case msg := <-received:
		assert.Equal(t, `[2,"id","Heartbeat",{}]`, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed frame")
	}

	require.NoError(t, link.Close(websocket.CloseNormalClosure, "done"))
}

func TestConnectFailureReportsFailedCallback(t *testing.T) {
	failed := make(chan ocpptype.ConnectFailReason, 1)
	link := New(Config{URL: "ws://127.0.0.1:1/unreachable"}, Callbacks{
		OnFailed: func(reason ocpptype.ConnectFailReason) { failed <- reason },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := link.Connect(ctx)
	require.Error(t, err)
	assert.Equal(t, Disconnected, link.State())

	select {
	case reason := <-failed:
		assert.Equal(t, ocpptype.FailUnreachableNetwork, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("OnFailed was never called")
	}
}

func TestSendBeforeConnectFails(t *testing.T) {
	link := New(Config{URL: "ws://example.invalid"}, Callbacks{})
	err := link.Send("hello")
	assert.Error(t, err)
}

func TestServerCloseTriggersDisconnectedAndClosedCallbacks(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		conn.Close()
	}))
	defer srv.Close()

	disconnected := make(chan struct{}, 1)
	closed := make(chan ocpptype.CloseReason, 1)
	link := New(Config{URL: wsURL(srv.URL)}, Callbacks{
		OnDisconnected: func() { disconnected <- struct{}{} },
		OnClosed:       func(reason ocpptype.CloseReason) { closed <- reason },
	})

	require.NoError(t, link.Connect(context.Background()))

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnected was never called")
	}
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("OnClosed was never called")
	}
	assert.Equal(t, Disconnected, link.State())
}
