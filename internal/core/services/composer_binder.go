package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"clicktocall/internal/core/domain"
	"clicktocall/internal/core/ports"
	apperrors "clicktocall/pkg/errors"
	"clicktocall/pkg/validation"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	msgInitiateFailed = "Failed to initiate call"
	msgAcceptFailed   = "Failed to accept call"
	msgCloseFailed    = "Failed to end call"
)

// ComposerBinder connects the compose box call buttons to call sessions.
// It owns the current session: one is created on first use and replaced
// once it has closed.
type ComposerBinder struct {
	localUser    domain.UserID
	sessions     ports.CallSessionFactory
	signaler     ports.Signaler
	view         ports.View
	rows         ports.RowResolver
	capabilities ports.CapabilityChecker
	reporter     ports.ErrorReporter
	logger       *zap.SugaredLogger

	mu          sync.Mutex
	current     ports.CallSession
	cancelWatch func()
	incoming    *domain.IncomingCall
	wg          sync.WaitGroup
}

func NewComposerBinder(
	localUser domain.UserID,
	sessions ports.CallSessionFactory,
	signaler ports.Signaler,
	view ports.View,
	rows ports.RowResolver,
	capabilities ports.CapabilityChecker,
	reporter ports.ErrorReporter,
	logger *zap.SugaredLogger,
) *ComposerBinder {
	return &ComposerBinder{
		localUser:    localUser,
		sessions:     sessions,
		signaler:     signaler,
		view:         view,
		rows:         rows,
		capabilities: capabilities,
		reporter:     reporter,
		logger:       logger,
	}
}

// UpdateButtonDisplay shows or hides the call buttons in both the compose
// and the message edit button groups.
func (b *ComposerBinder) UpdateButtonDisplay() domain.ButtonState {
	audio := b.capabilities.ShowAudioChatButton()
	clickToCall := b.capabilities.ShowClickToCallButton()

	state := domain.ButtonState{
		domain.SelectorComposeAudioLink:   audio,
		domain.SelectorEditAudioLink:      audio,
		domain.SelectorComposeClickToCall: clickToCall,
		domain.SelectorEditClickToCall:    clickToCall,
	}
	for selector, visible := range state {
		b.view.SetVisible(selector, visible)
	}
	return state
}

// Click starts a call to the user behind element. An element that resolves
// to no user is ignored.
func (b *ComposerBinder) Click(ctx context.Context, element domain.Element) error {
	target, err := b.resolveTarget(ctx, element)
	if errors.Is(err, domain.ErrNoTarget) {
		b.logger.Debugw("call button clicked without target", "row_id", element.RowID)
		return nil
	}
	if err != nil {
		b.reporter.Error(msgInitiateFailed, err)
		return err
	}

	b.mu.Lock()
	busy := b.incoming != nil
	b.mu.Unlock()
	if busy {
		b.reporter.Error(msgInitiateFailed, domain.ErrCallInProgress)
		return domain.ErrCallInProgress
	}

	session := b.session()
	if err := session.Initiate(ctx, target); err != nil {
		b.reporter.Error(msgInitiateFailed, err)
		return err
	}
	return nil
}

func (b *ComposerBinder) resolveTarget(ctx context.Context, element domain.Element) (domain.UserID, error) {
	if element.UserID != "" {
		id, err := domain.ParseUserID(element.UserID)
		if err != nil {
			return 0, apperrors.NewInvalidInputError(fmt.Sprintf("invalid data-user-id %q", element.UserID))
		}
		return id, nil
	}
	if element.RowID == "" {
		return 0, domain.ErrNoTarget
	}
	return b.rows.TargetUserID(ctx, element.RowID)
}

// HandleIncoming routes a call message received for the local user.
func (b *ComposerBinder) HandleIncoming(ctx context.Context, callID domain.CallID, msg domain.CallMessage) error {
	if err := validation.Struct(msg); err != nil {
		return err
	}
	if msg.ToUserID != b.localUser {
		b.logger.Debugw("ignoring call message for another user", "type", msg.Type, "user_id", msg.ToUserID)
		return nil
	}

	switch msg.Type {
	case domain.MessageOffer:
		return b.handleOffer(callID, msg)
	case domain.MessageAnswer:
		return b.handleAnswer(ctx, msg)
	case domain.MessageICECandidate:
		return b.handleCandidate(ctx, msg)
	case domain.MessageEnd:
		return b.handleEnd(ctx, msg)
	}
	return nil
}

func (b *ComposerBinder) handleOffer(callID domain.CallID, msg domain.CallMessage) error {
	if _, err := decodeDescription(msg.Payload, webrtc.SDPTypeOffer); err != nil {
		return err
	}

	b.mu.Lock()
	if b.current != nil && b.current.State().Active() {
		b.mu.Unlock()
		b.logger.Infow("rejecting offer while busy", "call_id", callID, "user_id", msg.FromUserID)
		return domain.ErrCallInProgress
	}
	incoming := domain.IncomingCall{
		CallID:     callID,
		FromUserID: msg.FromUserID,
		Offer:      msg,
		ReceivedAt: time.Now(),
	}
	b.incoming = &incoming
	// a fresh session collects candidates that arrive before the user accepts
	b.replaceSessionLocked()
	b.mu.Unlock()

	b.logger.Infow("incoming call", "call_id", callID, "user_id", msg.FromUserID)
	b.view.ShowIncomingCall(incoming)
	return nil
}

func (b *ComposerBinder) handleAnswer(ctx context.Context, msg domain.CallMessage) error {
	session, ok := b.sessionWith(msg.FromUserID)
	if !ok {
		return domain.ErrUnexpectedAnswer
	}
	answer, err := decodeDescription(msg.Payload, webrtc.SDPTypeAnswer)
	if err != nil {
		return err
	}
	return session.ApplyAnswer(ctx, answer)
}

func (b *ComposerBinder) handleCandidate(ctx context.Context, msg domain.CallMessage) error {
	b.mu.Lock()
	session := b.current
	pendingFrom := domain.UserID(0)
	if b.incoming != nil {
		pendingFrom = b.incoming.FromUserID
	}
	b.mu.Unlock()

	if session == nil {
		return nil
	}
	info := session.Info()
	switch {
	case info.State == domain.CallStateIdle && pendingFrom == msg.FromUserID:
	case info.State.Active() && info.RemoteUserID == msg.FromUserID:
	default:
		b.logger.Debugw("dropping candidate for unknown call", "user_id", msg.FromUserID)
		return nil
	}

	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(msg.Payload, &candidate); err != nil {
		return apperrors.NewInvalidInputError("malformed ice candidate")
	}
	return session.AddRemoteCandidate(ctx, candidate)
}

func (b *ComposerBinder) handleEnd(ctx context.Context, msg domain.CallMessage) error {
	b.mu.Lock()
	if b.incoming != nil && b.incoming.FromUserID == msg.FromUserID {
		// the caller hung up before we answered
		b.incoming = nil
		if b.current != nil && b.current.State() == domain.CallStateIdle {
			b.dropSessionLocked()
		}
		b.mu.Unlock()
		b.view.ShowCallState(domain.CallInfo{LocalUserID: b.localUser, RemoteUserID: msg.FromUserID, State: domain.CallStateClosed})
		return nil
	}
	b.mu.Unlock()

	// Close posts our own "end" back. The peer's session is already closed
	// by then, so its binder drops the echo and the exchange stops there.
	session, ok := b.sessionWith(msg.FromUserID)
	if !ok {
		return nil
	}
	return session.Close(ctx)
}

// AcceptIncoming answers the pending offer. from may be zero to accept
// whichever offer is pending.
func (b *ComposerBinder) AcceptIncoming(ctx context.Context, from domain.UserID) error {
	b.mu.Lock()
	incoming := b.incoming
	if incoming == nil || (from != 0 && incoming.FromUserID != from) {
		b.mu.Unlock()
		return domain.ErrNoIncomingCall
	}
	b.incoming = nil
	if b.current == nil || b.current.State() != domain.CallStateIdle {
		b.replaceSessionLocked()
	}
	session := b.current
	b.mu.Unlock()

	offer, err := decodeDescription(incoming.Offer.Payload, webrtc.SDPTypeOffer)
	if err != nil {
		b.reporter.Error(msgAcceptFailed, err)
		return err
	}
	if err := session.Accept(ctx, offer, incoming.FromUserID); err != nil {
		b.reporter.Error(msgAcceptFailed, err)
		return err
	}
	return nil
}

// CloseCurrent ends the current call, or declines the pending offer.
func (b *ComposerBinder) CloseCurrent(ctx context.Context) error {
	b.mu.Lock()
	incoming := b.incoming
	b.incoming = nil
	session := b.current
	b.mu.Unlock()

	if incoming != nil && (session == nil || session.State() == domain.CallStateIdle) {
		return b.decline(ctx, *incoming)
	}
	if session == nil {
		return nil
	}
	if err := session.Close(ctx); err != nil {
		b.reporter.Error(msgCloseFailed, err)
		return err
	}
	return nil
}

func (b *ComposerBinder) decline(ctx context.Context, incoming domain.IncomingCall) error {
	b.mu.Lock()
	if b.current != nil && b.current.State() == domain.CallStateIdle {
		b.dropSessionLocked()
	}
	b.mu.Unlock()

	msg := domain.CallMessage{
		Type:       domain.MessageEnd,
		FromUserID: b.localUser,
		ToUserID:   incoming.FromUserID,
		Payload:    nullPayload,
	}
	if err := b.signaler.Send(ctx, incoming.CallID, msg); err != nil {
		b.reporter.Error(msgCloseFailed, err)
		return err
	}
	b.logger.Infow("incoming call declined", "call_id", incoming.CallID, "user_id", incoming.FromUserID)
	return nil
}

// CurrentCall reports the current session, if any.
func (b *ComposerBinder) CurrentCall() (domain.CallInfo, bool) {
	b.mu.Lock()
	session := b.current
	b.mu.Unlock()
	if session == nil {
		return domain.CallInfo{}, false
	}
	return session.Info(), true
}

// PendingIncoming reports the offer waiting to be accepted, if any.
func (b *ComposerBinder) PendingIncoming() (domain.IncomingCall, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.incoming == nil {
		return domain.IncomingCall{}, false
	}
	return *b.incoming, true
}

// Shutdown closes an active call and stops watching session events.
func (b *ComposerBinder) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	session := b.current
	b.mu.Unlock()

	var err error
	if session != nil && session.State().Active() {
		err = session.Close(ctx)
	}

	b.mu.Lock()
	b.dropSessionLocked()
	b.mu.Unlock()
	b.wg.Wait()
	return err
}

// session returns the current session, replacing it if it has closed.
func (b *ComposerBinder) session() ports.CallSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil || b.current.State() == domain.CallStateClosed {
		b.replaceSessionLocked()
	}
	return b.current
}

func (b *ComposerBinder) sessionWith(remote domain.UserID) (ports.CallSession, bool) {
	b.mu.Lock()
	session := b.current
	b.mu.Unlock()
	if session == nil {
		return nil, false
	}
	info := session.Info()
	if !info.State.Active() || info.RemoteUserID != remote {
		return nil, false
	}
	return session, true
}

func (b *ComposerBinder) replaceSessionLocked() {
	b.dropSessionLocked()

	session := b.sessions.NewSession(b.localUser)
	events, cancel := session.Subscribe()
	b.current = session
	b.cancelWatch = cancel

	b.wg.Add(1)
	go b.watch(session, events, cancel)
}

func (b *ComposerBinder) dropSessionLocked() {
	if b.cancelWatch != nil {
		b.cancelWatch()
		b.cancelWatch = nil
	}
	b.current = nil
}

func (b *ComposerBinder) watch(session ports.CallSession, events <-chan domain.SessionEvent, cancel func()) {
	defer b.wg.Done()
	defer cancel()

	for event := range events {
		switch event.Kind {
		case domain.EventStateChanged:
			info := session.Info()
			info.State = event.State
			b.view.ShowCallState(info)
			if event.State == domain.CallStateClosed {
				return
			}
		case domain.EventError:
			b.logger.Warnw("call session error", "call_id", event.CallID, "type", event.MessageType, "error", event.Err)
		}
	}
}

func decodeDescription(payload json.RawMessage, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return desc, apperrors.NewInvalidInputError("malformed session description")
	}
	if desc.Type != want {
		return desc, apperrors.NewInvalidInputError(fmt.Sprintf("expected %s, got %s", want, desc.Type))
	}
	return desc, nil
}
