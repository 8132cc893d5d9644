package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"clicktocall/internal/core/domain"
	"clicktocall/pkg/circuitbreaker"
	apperrors "clicktocall/pkg/errors"
	"clicktocall/pkg/retry"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type capturingHandler struct {
	mu       sync.Mutex
	messages []domain.CallMessage
	callIDs  []domain.CallID
	err      error
}

func (c *capturingHandler) HandleIncoming(ctx context.Context, callID domain.CallID, msg domain.CallMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	c.callIDs = append(c.callIDs, callID)
	return c.err
}

func (c *capturingHandler) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func testMessage() domain.CallMessage {
	return domain.CallMessage{
		Type:       domain.MessageOffer,
		FromUserID: 1,
		ToUserID:   2,
		Payload:    json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	}
}

func TestDecodeEvent(t *testing.T) {
	data, err := EncodeEvent("call-1", testMessage())
	require.NoError(t, err)

	callID, msg, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, domain.CallID("call-1"), callID)
	assert.Equal(t, domain.MessageOffer, msg.Type)
	assert.Equal(t, domain.UserID(2), msg.ToUserID)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(msg.Payload))
}

func TestDecodeEvent_EmbeddedObject(t *testing.T) {
	data := []byte(`{"type":"call","call_id":"abc","message":{"type":"end","from_user_id":3,"to_user_id":4,"data":null}}`)

	callID, msg, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, domain.CallID("abc"), callID)
	assert.Equal(t, domain.MessageEnd, msg.Type)
}

func TestDecodeEvent_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{`},
		{"missing call id", `{"type":"call","message":{"type":"end","from_user_id":3,"to_user_id":4}}`},
		{"bad call id", `{"type":"call","call_id":"a b","message":{"type":"end","from_user_id":3,"to_user_id":4}}`},
		{"unknown message type", `{"type":"call","call_id":"a","message":{"type":"ring","from_user_id":3,"to_user_id":4}}`},
		{"missing sender", `{"type":"call","call_id":"a","message":{"type":"end","to_user_id":4}}`},
		{"malformed message", `{"type":"call","call_id":"a","message":"{"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeEvent([]byte(tt.data))
			assert.Error(t, err)
		})
	}

	_, _, err := DecodeEvent([]byte(`{"type":"presence"}`))
	assert.ErrorIs(t, err, errNotCallEvent)
}

func newTestChannel(t *testing.T, serverURL string) *HTTPChannel {
	t.Helper()
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = 2
	retryCfg.InitialDelay = time.Millisecond
	retryCfg.MaxDelay = 5 * time.Millisecond

	cbCfg := circuitbreaker.DefaultConfig()
	cbCfg.FailureThreshold = 10

	ch, err := NewHTTPChannel(HTTPChannelConfig{
		BaseURL:        serverURL,
		Endpoint:       "/json/calls/message",
		SessionHeader:  "Authorization",
		SessionToken:   "Basic dGVzdA==",
		Timeout:        time.Second,
		Retry:          retryCfg,
		CircuitBreaker: cbCfg,
	}, nil, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return ch
}

func TestHTTPChannel_SendPostsForm(t *testing.T) {
	var got url.Values
	var header http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/json/calls/message", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		got = r.PostForm
		header = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"msg":"","result":"success","url":""}`)
	}))
	defer server.Close()

	ch := newTestChannel(t, server.URL)
	require.NoError(t, ch.Send(context.Background(), "call-1", testMessage()))

	assert.Equal(t, "call", got.Get("message_type"))
	assert.Equal(t, "call-1", got.Get("call_id"))
	assert.Equal(t, "Basic dGVzdA==", header.Get("Authorization"))
	assert.Equal(t, "application/x-www-form-urlencoded", header.Get("Content-Type"))

	var msg domain.CallMessage
	require.NoError(t, json.Unmarshal([]byte(got.Get("message")), &msg))
	assert.Equal(t, testMessage().Type, msg.Type)
	assert.Equal(t, domain.UserID(1), msg.FromUserID)
	assert.Equal(t, domain.UserID(2), msg.ToUserID)
	assert.Contains(t, got.Get("message"), `"data":{"type":"offer"`)
}

func TestHTTPChannel_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		io.WriteString(w, `{"msg":"","result":"success","url":""}`)
	}))
	defer server.Close()

	ch := newTestChannel(t, server.URL)
	require.NoError(t, ch.Send(context.Background(), "call-1", testMessage()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPChannel_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"msg":"bad","result":"error"}`)
	}))
	defer server.Close()

	ch := newTestChannel(t, server.URL)
	err := ch.Send(context.Background(), "call-1", testMessage())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSignaling))
	assert.ErrorIs(t, err, domain.ErrSignaling)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
}

func TestHTTPChannel_ValidatesResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing url", `{"msg":"","result":"success"}`},
		{"missing msg", `{"result":"success","url":""}`},
		{"not success", `{"msg":"nope","result":"error","url":""}`},
		{"not json", `<html>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				io.WriteString(w, tt.body)
			}))
			defer server.Close()

			ch := newTestChannel(t, server.URL)
			err := ch.Send(context.Background(), "call-1", testMessage())
			assert.Error(t, err)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestHTTPChannel_BreakerOpensAfterFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cbCfg := circuitbreaker.DefaultConfig()
	cbCfg.FailureThreshold = 2
	cbCfg.Timeout = time.Minute
	retryCfg := retry.DefaultConfig()
	retryCfg.Enabled = false

	ch, err := NewHTTPChannel(HTTPChannelConfig{
		BaseURL:        server.URL,
		Endpoint:       "/json/calls/message",
		Timeout:        time.Second,
		Retry:          retryCfg,
		CircuitBreaker: cbCfg,
	}, nil, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		assert.Error(t, ch.Send(context.Background(), "call-1", testMessage()))
	}
	assert.Equal(t, circuitbreaker.StateOpen, ch.BreakerState())
	stats := ch.BreakerStats()
	assert.Equal(t, circuitbreaker.StateOpen, stats.State)
	assert.False(t, stats.LastFailureTime.IsZero())

	err = ch.Send(context.Background(), "call-1", testMessage())
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWebSocketInbox_DeliversCallEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var token atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token.Store(r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		data, _ := EncodeEvent("call-7", testMessage())
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"presence","user_id":1}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"call","call_id":"x","message":"{"}`))
		conn.WriteMessage(websocket.TextMessage, data)

		// hold the connection until the client leaves
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	inbox := NewWebSocketInbox(WebSocketInboxConfig{
		URL:           "ws" + server.URL[len("http"):],
		SessionHeader: "Authorization",
		SessionToken:  "Basic dGVzdA==",
		PingInterval:  50 * time.Millisecond,
		ReconnectMin:  10 * time.Millisecond,
		ReconnectMax:  50 * time.Millisecond,
	}, zaptest.NewLogger(t).Sugar())

	handler := &capturingHandler{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- inbox.Run(ctx, handler) }()

	require.Eventually(t, func() bool { return handler.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.CallID("call-7"), handler.callIDs[0])
	assert.Equal(t, domain.MessageOffer, handler.messages[0].Type)
	assert.Equal(t, "Basic dGVzdA==", token.Load())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("inbox did not stop")
	}
}

func TestWebSocketInbox_Reconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var connections atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := connections.Add(1)
		msg := testMessage()
		msg.FromUserID = domain.UserID(n)
		data, _ := EncodeEvent("call-1", msg)
		conn.WriteMessage(websocket.TextMessage, data)
		// drop the connection straight away
		conn.Close()
	}))
	defer server.Close()

	inbox := NewWebSocketInbox(WebSocketInboxConfig{
		URL:          "ws" + server.URL[len("http"):],
		ReconnectMin: 5 * time.Millisecond,
		ReconnectMax: 20 * time.Millisecond,
	}, zaptest.NewLogger(t).Sugar())

	handler := &capturingHandler{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- inbox.Run(ctx, handler) }()

	require.Eventually(t, func() bool { return connections.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, inbox.Close())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("inbox did not stop after Close")
	}
}

func TestRedisInbox_Dispatch(t *testing.T) {
	inbox := NewRedisInbox(nil, "clicktocall:user", 2, zaptest.NewLogger(t).Sugar())
	assert.Equal(t, "clicktocall:user:2", inbox.Channel())

	handler := &capturingHandler{err: errors.New("busy")}
	data, err := EncodeEvent("call-3", testMessage())
	require.NoError(t, err)

	inbox.dispatch(context.Background(), handler, data)
	inbox.dispatch(context.Background(), handler, []byte(`not json`))
	inbox.dispatch(context.Background(), handler, []byte(`{"type":"typing"}`))

	require.Equal(t, 1, handler.count())
	assert.Equal(t, domain.CallID("call-3"), handler.callIDs[0])
	assert.NoError(t, inbox.Close())
}

func TestRedisInbox_RunReceivesPublishedEvents(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()

	inbox := NewRedisInbox(client, "clicktocall:user", 2, zaptest.NewLogger(t).Sugar())
	handler := &capturingHandler{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- inbox.Run(ctx, handler) }()

	require.Eventually(t, func() bool {
		return server.PubSubNumSub(inbox.Channel())[inbox.Channel()] == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.EqualError(t, inbox.Run(ctx, handler), "already subscribed")

	other := testMessage()
	other.ToUserID = 3
	channel := NewRedisChannel(client, "clicktocall:user", zaptest.NewLogger(t).Sugar())
	require.NoError(t, channel.Send(ctx, "call-x", other))
	require.NoError(t, channel.Send(ctx, "call-7", testMessage()))

	require.Eventually(t, func() bool { return handler.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	handler.mu.Lock()
	assert.Equal(t, domain.CallID("call-7"), handler.callIDs[0])
	assert.Equal(t, domain.MessageOffer, handler.messages[0].Type)
	handler.mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("inbox did not stop after cancel")
	}
	assert.Eventually(t, func() bool {
		return server.PubSubNumSub(inbox.Channel())[inbox.Channel()] == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisChannel_SendFailsWithoutServer(t *testing.T) {
	server := miniredis.RunT(t)
	addr := server.Addr()
	server.Close()

	client := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1})
	defer client.Close()

	channel := NewRedisChannel(client, "clicktocall:user", zaptest.NewLogger(t).Sugar())
	err := channel.Send(context.Background(), "call-1", testMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to publish event")
}

func TestRedisInbox_RunFailsWithoutServer(t *testing.T) {
	server := miniredis.RunT(t)
	addr := server.Addr()
	server.Close()

	client := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1})
	defer client.Close()

	inbox := NewRedisInbox(client, "clicktocall:user", 2, zaptest.NewLogger(t).Sugar())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := inbox.Run(ctx, &capturingHandler{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to subscribe to clicktocall:user:2")
}
