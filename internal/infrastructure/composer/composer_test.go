package composer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"clicktocall/internal/core/domain"
	"clicktocall/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestDirectRowResolver(t *testing.T) {
	id, err := DirectRowResolver{}.TargetUserID(context.Background(), "17")
	require.NoError(t, err)
	assert.Equal(t, domain.UserID(17), id)

	_, err = DirectRowResolver{}.TargetUserID(context.Background(), "zzz")
	assert.ErrorIs(t, err, domain.ErrNoTarget)
}

func TestHostRowResolver(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/json/messages/100":
			io.WriteString(w, `{"result":"success","msg":"","message":{"id":100,"sender_id":8}}`)
		case "/json/messages/101":
			io.WriteString(w, `{"result":"error","msg":"Invalid message(s)"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Signaling.BaseURL = server.URL
	cfg.Signaling.SessionToken = "token"
	cfg.Composer.RowLookup = "host"
	resolver := NewRowResolver(cfg, nil)

	id, err := resolver.TargetUserID(context.Background(), "100")
	require.NoError(t, err)
	assert.Equal(t, domain.UserID(8), id)

	_, err = resolver.TargetUserID(context.Background(), "101")
	assert.ErrorIs(t, err, domain.ErrNoTarget)

	_, err = resolver.TargetUserID(context.Background(), "102")
	assert.ErrorIs(t, err, domain.ErrNoTarget)

	_, err = resolver.TargetUserID(context.Background(), "../etc")
	assert.ErrorIs(t, err, domain.ErrNoTarget)
}

func TestNewRowResolver_DefaultsToDirect(t *testing.T) {
	assert.IsType(t, DirectRowResolver{}, NewRowResolver(config.DefaultConfig(), nil))
}

func TestCapabilitiesFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Composer.ShowAudioChatButton = false

	caps := CapabilitiesFromConfig(cfg)
	assert.False(t, caps.ShowAudioChatButton())
	assert.True(t, caps.ShowClickToCallButton())
}

func TestLogView(t *testing.T) {
	view := NewLogView(zaptest.NewLogger(t).Sugar())

	view.SetVisible(domain.SelectorComposeClickToCall, true)
	assert.True(t, view.Visible(domain.SelectorComposeClickToCall))
	assert.False(t, view.Visible(domain.SelectorEditAudioLink))

	view.ShowCallState(domain.CallInfo{CallID: "c1", State: domain.CallStateConnected})
	assert.Equal(t, domain.CallStateConnected, view.LastState().State)
}

func TestZapReporter(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	reporter := NewZapReporter(zap.New(core).Sugar())

	reporter.Error("Failed to initiate call", errors.New("boom"))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Failed to initiate call", entries[0].Message)
	assert.Equal(t, "boom", entries[0].ContextMap()["error"])
}
