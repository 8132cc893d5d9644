package composer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"clicktocall/internal/core/domain"
	"clicktocall/internal/core/ports"
	"clicktocall/pkg/config"
	apperrors "clicktocall/pkg/errors"

	"go.uber.org/zap"
)

// LogView renders binder updates as log lines and keeps the latest state
// so the control API can report it.
type LogView struct {
	logger *zap.SugaredLogger

	mu       sync.Mutex
	visible  map[string]bool
	incoming *domain.IncomingCall
	last     domain.CallInfo
}

var _ ports.View = (*LogView)(nil)

func NewLogView(logger *zap.SugaredLogger) *LogView {
	return &LogView{logger: logger, visible: make(map[string]bool)}
}

func (v *LogView) SetVisible(selector string, visible bool) {
	v.mu.Lock()
	v.visible[selector] = visible
	v.mu.Unlock()
	v.logger.Debugw("button visibility", "selector", selector, "visible", visible)
}

func (v *LogView) ShowIncomingCall(call domain.IncomingCall) {
	v.mu.Lock()
	v.incoming = &call
	v.mu.Unlock()
	v.logger.Infow("incoming call", "call_id", call.CallID, "user_id", call.FromUserID)
}

func (v *LogView) ShowCallState(info domain.CallInfo) {
	v.mu.Lock()
	v.last = info
	if !info.State.Active() || info.State == domain.CallStateConnecting {
		v.incoming = nil
	}
	v.mu.Unlock()
	v.logger.Infow("call state", "call_id", info.CallID, "state", info.State, "remote_user_id", info.RemoteUserID)
}

func (v *LogView) Visible(selector string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.visible[selector]
}

func (v *LogView) LastState() domain.CallInfo {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.last
}

// Capabilities answers the button checks from configuration.
type Capabilities struct {
	audioChat   bool
	clickToCall bool
}

var _ ports.CapabilityChecker = Capabilities{}

func CapabilitiesFromConfig(cfg *config.Config) Capabilities {
	return Capabilities{
		audioChat:   cfg.Composer.ShowAudioChatButton,
		clickToCall: cfg.Composer.ShowClickToCallButton,
	}
}

func (c Capabilities) ShowAudioChatButton() bool   { return c.audioChat }
func (c Capabilities) ShowClickToCallButton() bool { return c.clickToCall }

// ZapReporter reports binder errors to the log.
type ZapReporter struct {
	logger *zap.SugaredLogger
}

var _ ports.ErrorReporter = (*ZapReporter)(nil)

func NewZapReporter(logger *zap.SugaredLogger) *ZapReporter {
	return &ZapReporter{logger: logger}
}

func (r *ZapReporter) Error(message string, err error) {
	fields := []interface{}{"error", err}
	if appErr := apperrors.GetAppError(err); appErr != nil {
		fields = append(fields, "code", appErr.Code)
	}
	r.logger.Errorw(message, fields...)
}

// DirectRowResolver reads the row id itself as the target user id.
type DirectRowResolver struct{}

var _ ports.RowResolver = DirectRowResolver{}

func (DirectRowResolver) TargetUserID(ctx context.Context, rowID string) (domain.UserID, error) {
	id, err := domain.ParseUserID(rowID)
	if err != nil {
		return 0, fmt.Errorf("%w: row %q", domain.ErrNoTarget, rowID)
	}
	return id, nil
}

// HostRowResolver treats the row id as a message id and asks the host
// application for the message sender.
type HostRowResolver struct {
	baseURL       string
	endpoint      string
	sessionHeader string
	sessionToken  string
	client        *http.Client
}

var _ ports.RowResolver = (*HostRowResolver)(nil)

func NewHostRowResolver(cfg *config.Config, client *http.Client) *HostRowResolver {
	if client == nil {
		client = &http.Client{Timeout: cfg.Signaling.Timeout}
	}
	return &HostRowResolver{
		baseURL:       cfg.Signaling.BaseURL,
		endpoint:      cfg.Composer.MessagesEndpoint,
		sessionHeader: cfg.Signaling.SessionHeader,
		sessionToken:  cfg.Signaling.SessionToken,
		client:        client,
	}
}

type messageResponse struct {
	Result  string `json:"result"`
	Msg     string `json:"msg"`
	Message struct {
		SenderID int64 `json:"sender_id"`
	} `json:"message"`
}

func (r *HostRowResolver) TargetUserID(ctx context.Context, rowID string) (domain.UserID, error) {
	if _, err := domain.ParseUserID(rowID); err != nil {
		return 0, fmt.Errorf("%w: row %q", domain.ErrNoTarget, rowID)
	}

	u, err := url.JoinPath(r.baseURL, r.endpoint, rowID)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if r.sessionHeader != "" && r.sessionToken != "" {
		req.Header.Set(r.sessionHeader, r.sessionToken)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, apperrors.NewServiceUnavailableError("message lookup failed").WithContext("row_id", rowID)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, fmt.Errorf("%w: message %s not found", domain.ErrNoTarget, rowID)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("message lookup returned status %d", resp.StatusCode)
	}

	var body messageResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return 0, fmt.Errorf("failed to decode message lookup: %w", err)
	}
	if body.Result != "success" || body.Message.SenderID <= 0 {
		return 0, fmt.Errorf("%w: message %s has no sender", domain.ErrNoTarget, rowID)
	}
	return domain.UserID(body.Message.SenderID), nil
}

// NewRowResolver picks the resolver named by composer.row_lookup.
func NewRowResolver(cfg *config.Config, client *http.Client) ports.RowResolver {
	if cfg.Composer.RowLookup == "host" {
		return NewHostRowResolver(cfg, client)
	}
	return DirectRowResolver{}
}
