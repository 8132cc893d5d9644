package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"clicktocall/internal/core/domain"
	"clicktocall/internal/core/ports"
	"clicktocall/pkg/circuitbreaker"
	"clicktocall/pkg/config"
	apperrors "clicktocall/pkg/errors"
	"clicktocall/pkg/retry"
	"clicktocall/pkg/tracing"
	"clicktocall/pkg/validation"

	"go.uber.org/zap"
)

const (
	messageTypeCall = "call"
	resultSuccess   = "success"
	maxResponseBody = 64 << 10
)

// PostResponse is the host application's reply to a message post. All
// three fields must be present.
type PostResponse struct {
	Msg    *string `json:"msg" validate:"required"`
	Result *string `json:"result" validate:"required"`
	URL    *string `json:"url" validate:"required"`
}

// StatusError is a non-2xx reply from the host application.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the post may succeed when repeated.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

type HTTPChannelConfig struct {
	BaseURL       string
	Endpoint      string
	SessionHeader string
	SessionToken  string
	Timeout       time.Duration

	Retry          retry.Config
	CircuitBreaker circuitbreaker.Config
}

// ChannelConfigFromApp maps application config onto the channel config.
func ChannelConfigFromApp(cfg *config.Config) HTTPChannelConfig {
	retryCfg := retry.DefaultConfig()
	retryCfg.Enabled = cfg.Signaling.Retry.Enabled
	retryCfg.MaxAttempts = cfg.Signaling.Retry.MaxAttempts
	retryCfg.InitialDelay = cfg.Signaling.Retry.InitialDelay
	retryCfg.MaxDelay = cfg.Signaling.Retry.MaxDelay

	cbCfg := circuitbreaker.DefaultConfig()
	cbCfg.FailureThreshold = cfg.Signaling.CircuitBreaker.FailureThreshold
	cbCfg.SuccessThreshold = cfg.Signaling.CircuitBreaker.SuccessThreshold
	cbCfg.Timeout = cfg.Signaling.CircuitBreaker.OpenTimeout
	cbCfg.MaxRequestsHalfOpen = 1

	return HTTPChannelConfig{
		BaseURL:        cfg.Signaling.BaseURL,
		Endpoint:       cfg.Signaling.Endpoint,
		SessionHeader:  cfg.Signaling.SessionHeader,
		SessionToken:   cfg.Signaling.SessionToken,
		Timeout:        cfg.Signaling.Timeout,
		Retry:          retryCfg,
		CircuitBreaker: cbCfg,
	}
}

// HTTPChannel posts call messages to the host application's generic
// message endpoint.
type HTTPChannel struct {
	endpoint      string
	sessionHeader string
	sessionToken  string

	client  *http.Client
	retry   retry.Config
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

var _ ports.Signaler = (*HTTPChannel)(nil)

func NewHTTPChannel(cfg HTTPChannelConfig, client *http.Client, logger *zap.SugaredLogger) (*HTTPChannel, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	endpoint := base.JoinPath(cfg.Endpoint)

	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	retryCfg := cfg.Retry
	retryCfg.Retryable = isRetryable
	retryCfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.Warnw("retrying call message post",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}

	cbCfg := cfg.CircuitBreaker
	cbCfg.IsFailure = isRetryable

	ch := &HTTPChannel{
		endpoint:      endpoint.String(),
		sessionHeader: cfg.SessionHeader,
		sessionToken:  cfg.SessionToken,
		client:        client,
		retry:         retryCfg,
		breaker:       circuitbreaker.New(cbCfg),
		logger:        logger,
	}
	ch.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("signaling circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return ch, nil
}

// Send posts msg as form data: message_type=call, call_id and the JSON
// encoded message.
func (c *HTTPChannel) Send(ctx context.Context, callID domain.CallID, msg domain.CallMessage) (err error) {
	ctx, span := tracing.TraceSignaling(ctx, string(msg.Type), string(callID))
	defer func() { tracing.EndSpan(span, err) }()

	body, err := json.Marshal(msg)
	if err != nil {
		return apperrors.NewSignalingError(fmt.Errorf("failed to encode call message: %w", err))
	}
	form := url.Values{
		"message_type": {messageTypeCall},
		"call_id":      {string(callID)},
		"message":      {string(body)},
	}

	attempt := 0
	err = retry.Retry(ctx, c.retry, func() error {
		attempt++
		tracing.AddSpanAttributes(ctx, tracing.AttemptKey.Int(attempt))
		data, err := circuitbreaker.ExecuteWithResult(ctx, c.breaker, func() ([]byte, error) {
			return c.post(ctx, form)
		})
		if err != nil {
			return err
		}
		return decodePostResponse(data)
	})
	if err != nil {
		return apperrors.NewSignalingError(fmt.Errorf("%w: %w", domain.ErrSignaling, err)).
			WithContext("type", string(msg.Type)).
			WithContext("attempts", attempt)
	}

	c.logger.Debugw("call message posted", "call_id", callID, "type", msg.Type, "attempts", attempt)
	return nil
}

// BreakerState reports the circuit breaker state.
func (c *HTTPChannel) BreakerState() circuitbreaker.State {
	return c.breaker.GetState()
}

// BreakerStats reports the circuit breaker counters for health checks.
func (c *HTTPChannel) BreakerStats() circuitbreaker.Stats {
	return c.breaker.GetStats()
}

// post sends the form once and returns the 2xx response body. Schema
// checks happen outside the breaker.
func (c *HTTPChannel) post(ctx context.Context, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if c.sessionHeader != "" && c.sessionToken != "" {
		req.Header.Set(c.sessionHeader, c.sessionToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		if statusErr.Temporary() {
			return nil, statusErr
		}
		return nil, retry.Permanent(statusErr)
	}
	return data, nil
}

func decodePostResponse(data []byte) error {
	var reply PostResponse
	if err := json.Unmarshal(data, &reply); err != nil {
		return retry.Permanent(fmt.Errorf("malformed response: %w", err))
	}
	if err := validation.Struct(reply); err != nil {
		return retry.Permanent(fmt.Errorf("invalid response: %w", err))
	}
	if *reply.Result != resultSuccess {
		return retry.Permanent(fmt.Errorf("host rejected call message: %s", *reply.Msg))
	}
	return nil
}

func isRetryable(err error) bool {
	if errors.Is(err, retry.ErrPermanent) || errors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	return true
}
