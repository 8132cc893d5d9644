package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"clicktocall/internal/core/domain"
	"clicktocall/internal/core/ports"
	apperrors "clicktocall/pkg/errors"
	"clicktocall/pkg/tracing"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const subscriberBuffer = 16

var nullPayload = json.RawMessage("null")

// Session is a single peer-to-peer audio call. It moves through
// idle -> connecting -> connected -> closed and is never reused once closed.
type Session struct {
	id        domain.CallID
	localUser domain.UserID

	peers    ports.PeerConnectionFactory
	media    ports.MediaSource
	signaler ports.Signaler
	metrics  ports.CallMetrics
	logger   *zap.SugaredLogger

	mu           sync.Mutex
	state        domain.CallState
	remoteUser   domain.UserID
	outgoing     bool
	startedAt    time.Time
	pc           ports.PeerConnection
	localStream  ports.LocalStream
	remoteStream ports.RemoteStream

	// Local candidates are held until the offer or answer is posted.
	descriptionSent bool
	pendingLocal    []webrtc.ICECandidateInit

	// Remote candidates are held until the remote description is applied.
	remoteDescriptionSet bool
	pendingRemote        []webrtc.ICECandidateInit

	// Set once an answer has been claimed by ApplyAnswer.
	answerClaimed bool

	endSent bool

	subMu       sync.Mutex
	subscribers map[int]chan domain.SessionEvent
	nextSub     int
}

func NewSession(
	localUser domain.UserID,
	peers ports.PeerConnectionFactory,
	media ports.MediaSource,
	signaler ports.Signaler,
	metrics ports.CallMetrics,
	logger *zap.SugaredLogger,
) *Session {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	id := domain.CallID(uuid.NewString())
	return &Session{
		id:          id,
		localUser:   localUser,
		peers:       peers,
		media:       media,
		signaler:    signaler,
		metrics:     metrics,
		logger:      logger.With("call_id", id),
		state:       domain.CallStateIdle,
		subscribers: make(map[int]chan domain.SessionEvent),
	}
}

func (s *Session) ID() domain.CallID {
	return s.id
}

func (s *Session) State() domain.CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Info() domain.CallInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.CallInfo{
		CallID:       s.id,
		LocalUserID:  s.localUser,
		RemoteUserID: s.remoteUser,
		State:        s.state,
		Outgoing:     s.outgoing,
		StartedAt:    s.startedAt,
	}
}

// Initiate starts an outgoing call to target and posts the offer.
func (s *Session) Initiate(ctx context.Context, target domain.UserID) (err error) {
	ctx, span := tracing.TraceCall(ctx, "initiate", string(s.id), int64(s.localUser), int64(target))
	defer func() { tracing.EndSpan(span, err) }()

	if err := s.begin(target, true); err != nil {
		return err
	}

	stream, err := s.media.GetUserMedia(ctx, ports.MediaConstraints{Audio: true})
	if err != nil {
		s.abort()
		return fmt.Errorf("failed to initialize call: %w",
			apperrors.NewMediaAccessError(fmt.Errorf("%w: %w", domain.ErrMediaAccess, err)))
	}

	pc, err := s.attach(stream)
	if err != nil {
		s.abort()
		return fmt.Errorf("failed to initialize call: %w", err)
	}
	if err := s.addTracks(pc, stream); err != nil {
		s.abort()
		return fmt.Errorf("failed to initialize call: %w", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		s.abort()
		return fmt.Errorf("failed to initialize call: %w", negotiationError("create offer", err))
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		s.abort()
		return fmt.Errorf("failed to initialize call: %w", negotiationError("set local description", err))
	}

	if err := s.sendDescription(ctx, domain.MessageOffer, offer); err != nil {
		s.abort()
		return fmt.Errorf("failed to initialize call: %w", err)
	}

	s.logger.Infow("call offer sent", "user_id", s.localUser, "remote_user_id", target)
	return nil
}

// Accept answers an incoming offer from target.
func (s *Session) Accept(ctx context.Context, offer webrtc.SessionDescription, target domain.UserID) (err error) {
	ctx, span := tracing.TraceCall(ctx, "accept", string(s.id), int64(s.localUser), int64(target))
	defer func() { tracing.EndSpan(span, err) }()

	if offer.Type != webrtc.SDPTypeOffer {
		return fmt.Errorf("failed to accept call: %w",
			apperrors.NewInvalidInputError(fmt.Sprintf("expected offer, got %s", offer.Type)))
	}
	if err := s.begin(target, false); err != nil {
		return err
	}

	pc, err := s.attach(nil)
	if err != nil {
		s.abort()
		return fmt.Errorf("failed to accept call: %w", err)
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		s.abort()
		return fmt.Errorf("failed to accept call: %w", negotiationError("set remote description", err))
	}

	stream, err := s.media.GetUserMedia(ctx, ports.MediaConstraints{Audio: true})
	if err != nil {
		s.abort()
		return fmt.Errorf("failed to accept call: %w",
			apperrors.NewMediaAccessError(fmt.Errorf("%w: %w", domain.ErrMediaAccess, err)))
	}
	if !s.setLocalStream(stream) {
		stream.Stop()
		return fmt.Errorf("failed to accept call: %w", domain.ErrSessionClosed)
	}
	if err := s.addTracks(pc, stream); err != nil {
		s.abort()
		return fmt.Errorf("failed to accept call: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		s.abort()
		return fmt.Errorf("failed to accept call: %w", negotiationError("create answer", err))
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		s.abort()
		return fmt.Errorf("failed to accept call: %w", negotiationError("set local description", err))
	}

	if err := s.sendDescription(ctx, domain.MessageAnswer, answer); err != nil {
		s.abort()
		return fmt.Errorf("failed to accept call: %w", err)
	}

	s.flushRemoteCandidates(ctx)

	s.logger.Infow("call answer sent", "user_id", s.localUser, "remote_user_id", target)
	return nil
}

// ApplyAnswer completes negotiation on the calling side.
func (s *Session) ApplyAnswer(ctx context.Context, answer webrtc.SessionDescription) (err error) {
	_, span := tracing.TraceCall(ctx, "apply_answer", string(s.id), int64(s.localUser), int64(s.Info().RemoteUserID))
	defer func() { tracing.EndSpan(span, err) }()

	if answer.Type != webrtc.SDPTypeAnswer {
		return apperrors.NewInvalidInputError(fmt.Sprintf("expected answer, got %s", answer.Type))
	}

	s.mu.Lock()
	pc := s.pc
	if pc == nil || !s.outgoing || !s.state.Active() || s.answerClaimed {
		s.mu.Unlock()
		return domain.ErrUnexpectedAnswer
	}
	s.answerClaimed = true
	s.mu.Unlock()

	if err := pc.SetRemoteDescription(answer); err != nil {
		s.mu.Lock()
		s.answerClaimed = false
		s.mu.Unlock()
		return fmt.Errorf("failed to apply answer: %w", negotiationError("set remote description", err))
	}

	s.flushRemoteCandidates(ctx)
	return nil
}

// AddRemoteCandidate applies a peer candidate, or queues it while no remote
// description is set.
func (s *Session) AddRemoteCandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if s.state == domain.CallStateClosed {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	pc := s.pc
	if pc == nil || !s.remoteDescriptionSet {
		s.pendingRemote = append(s.pendingRemote, candidate)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add remote candidate: %w", negotiationError("add ice candidate", err))
	}
	return nil
}

// Close tears the call down and posts "end" to the peer. Only the first
// call has any effect.
func (s *Session) Close(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.endSent {
		s.mu.Unlock()
		return nil
	}
	s.endSent = true
	target := s.remoteUser
	if target == 0 {
		target = s.localUser
	}
	s.mu.Unlock()

	ctx, span := tracing.TraceCall(ctx, "close", string(s.id), int64(s.localUser), int64(target))
	defer func() { tracing.EndSpan(span, err) }()

	s.teardown()

	if err := s.send(ctx, domain.MessageEnd, target, nullPayload); err != nil {
		return fmt.Errorf("failed to end call: %w", err)
	}

	s.logger.Infow("call closed", "user_id", s.localUser, "remote_user_id", target)
	return nil
}

// Subscribe returns a channel of session events and a func that cancels
// the subscription. Events are dropped for subscribers that fall behind.
func (s *Session) Subscribe() (<-chan domain.SessionEvent, func()) {
	ch := make(chan domain.SessionEvent, subscriberBuffer)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subscribers, id)
			close(ch)
			s.subMu.Unlock()
		})
	}
}

func (s *Session) begin(target domain.UserID, outgoing bool) error {
	if target <= 0 {
		return domain.ErrNoTarget
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case domain.CallStateIdle:
	case domain.CallStateClosed:
		return domain.ErrSessionClosed
	default:
		return domain.ErrCallInProgress
	}

	s.remoteUser = target
	s.outgoing = outgoing
	s.startedAt = time.Now()
	s.transitionLocked(domain.CallStateConnecting)
	s.metrics.RecordCallStarted(outgoing)
	return nil
}

// attach creates the peer connection and registers its callbacks. stream
// may be nil when local media is requested later.
func (s *Session) attach(stream ports.LocalStream) (ports.PeerConnection, error) {
	pc, err := s.peers.NewPeerConnection()
	if err != nil {
		return nil, negotiationError("create peer connection", err)
	}

	pc.OnICECandidate(s.handleLocalCandidate)
	pc.OnTrack(s.handleRemoteTrack)
	pc.OnConnectionStateChange(s.handleConnectionState)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == domain.CallStateClosed {
		_ = pc.Close()
		if stream != nil {
			stream.Stop()
		}
		return nil, domain.ErrSessionClosed
	}

	s.pc = pc
	s.localStream = stream
	s.remoteStream = s.media.NewRemoteStream()
	return pc, nil
}

func (s *Session) setLocalStream(stream ports.LocalStream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == domain.CallStateClosed {
		return false
	}
	s.localStream = stream
	return true
}

func (s *Session) addTracks(pc ports.PeerConnection, stream ports.LocalStream) error {
	for _, track := range stream.Tracks() {
		if _, err := pc.AddTrack(track); err != nil {
			return negotiationError("add track", err)
		}
	}
	return nil
}

// sendDescription posts an offer or answer and then releases any local
// candidates gathered meanwhile.
func (s *Session) sendDescription(ctx context.Context, messageType domain.MessageType, desc webrtc.SessionDescription) error {
	payload, err := json.Marshal(desc)
	if err != nil {
		return negotiationError("encode description", err)
	}

	s.mu.Lock()
	target := s.remoteUser
	s.mu.Unlock()

	if err := s.send(ctx, messageType, target, payload); err != nil {
		return err
	}

	s.mu.Lock()
	s.descriptionSent = true
	pending := s.pendingLocal
	s.pendingLocal = nil
	s.mu.Unlock()

	for _, candidate := range pending {
		s.sendCandidate(ctx, target, candidate)
	}
	return nil
}

func (s *Session) flushRemoteCandidates(ctx context.Context) {
	s.mu.Lock()
	pc := s.pc
	if pc == nil {
		s.mu.Unlock()
		return
	}
	s.remoteDescriptionSet = true
	pending := s.pendingRemote
	s.pendingRemote = nil
	s.mu.Unlock()

	for _, candidate := range pending {
		if err := pc.AddICECandidate(candidate); err != nil {
			s.logger.Warnw("failed to add queued remote candidate", "error", err)
			s.emit(domain.SessionEvent{Kind: domain.EventError, Err: err})
		}
	}
}

func (s *Session) send(ctx context.Context, messageType domain.MessageType, to domain.UserID, payload json.RawMessage) error {
	msg := domain.CallMessage{
		Type:       messageType,
		FromUserID: s.localUser,
		ToUserID:   to,
		Payload:    payload,
	}

	if err := s.signaler.Send(ctx, s.id, msg); err != nil {
		s.metrics.RecordSignalingFailure(messageType)
		s.logger.Warnw("failed to send call message", "type", messageType, "error", err)
		if !apperrors.HasCode(err, apperrors.ErrCodeSignaling) {
			err = apperrors.NewSignalingError(fmt.Errorf("%w: %w", domain.ErrSignaling, err))
		}
		return err
	}

	s.metrics.RecordMessageSent(messageType)
	s.emit(domain.SessionEvent{Kind: domain.EventMessageSent, MessageType: messageType})
	return nil
}

func (s *Session) sendCandidate(ctx context.Context, to domain.UserID, candidate webrtc.ICECandidateInit) {
	payload, err := json.Marshal(candidate)
	if err != nil {
		s.logger.Warnw("failed to encode ice candidate", "error", err)
		return
	}
	if err := s.send(ctx, domain.MessageICECandidate, to, payload); err != nil {
		s.emit(domain.SessionEvent{Kind: domain.EventError, MessageType: domain.MessageICECandidate, Err: err})
	}
}

func (s *Session) handleLocalCandidate(c *webrtc.ICECandidate) {
	// nil marks the end of gathering
	if c == nil {
		return
	}
	candidate := c.ToJSON()

	s.mu.Lock()
	if s.state == domain.CallStateClosed {
		s.mu.Unlock()
		return
	}
	if !s.descriptionSent {
		s.pendingLocal = append(s.pendingLocal, candidate)
		s.mu.Unlock()
		return
	}
	target := s.remoteUser
	s.mu.Unlock()

	s.sendCandidate(context.Background(), target, candidate)
}

func (s *Session) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	s.mu.Lock()
	if s.remoteStream == nil || s.state == domain.CallStateClosed {
		s.mu.Unlock()
		return
	}
	s.remoteStream.AddTrack(track, receiver)
	if s.state == domain.CallStateConnecting {
		s.transitionLocked(domain.CallStateConnected)
	}
	s.mu.Unlock()

	s.logger.Infow("remote track received", "kind", track.Kind().String())
	s.emit(domain.SessionEvent{Kind: domain.EventRemoteTrack, TrackKind: track.Kind().String()})
}

func (s *Session) handleConnectionState(state webrtc.PeerConnectionState) {
	s.logger.Debugw("peer connection state changed", "state", state.String())

	switch state {
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		if err := s.Close(context.Background()); err != nil {
			s.logger.Warnw("failed to close call after transport loss", "error", err)
			s.emit(domain.SessionEvent{Kind: domain.EventError, Err: err})
		}
	}
}

// abort releases everything after a failed initiate or accept. Unlike
// Close it does not post "end".
func (s *Session) abort() {
	s.teardown()
}

func (s *Session) teardown() {
	s.mu.Lock()
	if s.state == domain.CallStateClosed {
		s.mu.Unlock()
		return
	}
	wasActive := s.state.Active()
	startedAt := s.startedAt
	pc, local, remote := s.pc, s.localStream, s.remoteStream
	s.pc, s.localStream, s.remoteStream = nil, nil, nil
	s.pendingLocal, s.pendingRemote = nil, nil
	s.transitionLocked(domain.CallStateClosed)
	s.mu.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			s.logger.Debugw("failed to close peer connection", "error", err)
		}
	}
	if local != nil {
		local.Stop()
	}
	if remote != nil {
		remote.Stop()
	}

	if wasActive {
		s.metrics.RecordCallEnded(time.Since(startedAt))
	}
}

func (s *Session) transitionLocked(to domain.CallState) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.metrics.RecordStateTransition(from, to)
	s.emit(domain.SessionEvent{Kind: domain.EventStateChanged, From: from, State: to})
}

func (s *Session) emit(event domain.SessionEvent) {
	event.CallID = s.id
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func negotiationError(step string, err error) error {
	return apperrors.NewNegotiationError(step, fmt.Errorf("%w: %w", domain.ErrNegotiation, err))
}

// SessionFactory builds sessions sharing the same collaborators.
type SessionFactory struct {
	peers    ports.PeerConnectionFactory
	media    ports.MediaSource
	signaler ports.Signaler
	metrics  ports.CallMetrics
	logger   *zap.SugaredLogger
}

func NewSessionFactory(
	peers ports.PeerConnectionFactory,
	media ports.MediaSource,
	signaler ports.Signaler,
	metrics ports.CallMetrics,
	logger *zap.SugaredLogger,
) *SessionFactory {
	return &SessionFactory{
		peers:    peers,
		media:    media,
		signaler: signaler,
		metrics:  metrics,
		logger:   logger,
	}
}

func (f *SessionFactory) NewSession(localUser domain.UserID) ports.CallSession {
	return NewSession(localUser, f.peers, f.media, f.signaler, f.metrics, f.logger)
}

// NopMetrics discards every measurement.
type NopMetrics struct{}

func (NopMetrics) RecordCallStarted(bool)                                   {}
func (NopMetrics) RecordCallEnded(time.Duration)                            {}
func (NopMetrics) RecordStateTransition(domain.CallState, domain.CallState) {}
func (NopMetrics) RecordMessageSent(domain.MessageType)                     {}
func (NopMetrics) RecordSignalingFailure(domain.MessageType)                {}
func (NopMetrics) RecordPacketLoss(float64)                                 {}
