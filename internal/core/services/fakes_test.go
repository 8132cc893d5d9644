package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"clicktocall/internal/core/domain"
	"clicktocall/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

type fakePeerConnection struct {
	mu sync.Mutex

	tracks          []webrtc.TrackLocal
	localDesc       *webrtc.SessionDescription
	remoteDesc      *webrtc.SessionDescription
	candidates      []webrtc.ICECandidateInit
	closed          int
	createOfferErr  error
	createAnswerErr error
	setRemoteErr    error
	setRemoteCalls  int

	onCandidate func(*webrtc.ICECandidate)
	onTrack     func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onState     func(webrtc.PeerConnectionState)
}

func (f *fakePeerConnection) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, track)
	return nil, nil
}

func (f *fakePeerConnection) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	if f.createOfferErr != nil {
		return webrtc.SessionDescription{}, f.createOfferErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (f *fakePeerConnection) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	if f.createAnswerErr != nil {
		return webrtc.SessionDescription{}, f.createAnswerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (f *fakePeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localDesc = &desc
	return nil
}

func (f *fakePeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setRemoteCalls++
	if f.setRemoteErr != nil {
		return f.setRemoteErr
	}
	f.remoteDesc = &desc
	return nil
}

func (f *fakePeerConnection) remoteDescriptionCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setRemoteCalls
}

func (f *fakePeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, candidate)
	return nil
}

func (f *fakePeerConnection) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	f.onCandidate = fn
}

func (f *fakePeerConnection) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	f.onTrack = fn
}

func (f *fakePeerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.onState = fn
}

func (f *fakePeerConnection) ConnectionState() webrtc.PeerConnectionState {
	return webrtc.PeerConnectionStateNew
}

func (f *fakePeerConnection) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakePeerConnection) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakePeerConnection) remoteCandidates() []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), f.candidates...)
}

// emitCandidate fires the ICE callback with a host candidate on the given port.
func (f *fakePeerConnection) emitCandidate(port uint16) {
	f.onCandidate(&webrtc.ICECandidate{
		Foundation: "1",
		Priority:   2130706431,
		Address:    "10.0.0.1",
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       port,
		Typ:        webrtc.ICECandidateTypeHost,
		Component:  1,
	})
}

type fakePeerFactory struct {
	mu    sync.Mutex
	pcs   []*fakePeerConnection
	err   error
	setup func(*fakePeerConnection)
}

func (f *fakePeerFactory) NewPeerConnection() (ports.PeerConnection, error) {
	if f.err != nil {
		return nil, f.err
	}
	pc := &fakePeerConnection{}
	if f.setup != nil {
		f.setup(pc)
	}
	f.mu.Lock()
	f.pcs = append(f.pcs, pc)
	f.mu.Unlock()
	return pc, nil
}

func (f *fakePeerFactory) last() *fakePeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pcs) == 0 {
		return nil
	}
	return f.pcs[len(f.pcs)-1]
}

type fakeLocalStream struct {
	mu      sync.Mutex
	stopped int
}

func (f *fakeLocalStream) ID() string                  { return "local-stream" }
func (f *fakeLocalStream) Tracks() []webrtc.TrackLocal { return []webrtc.TrackLocal{nil} }
func (f *fakeLocalStream) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

func (f *fakeLocalStream) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

type fakeRemoteStream struct {
	mu      sync.Mutex
	tracks  int
	stopped int
}

func (f *fakeRemoteStream) AddTrack(*webrtc.TrackRemote, *webrtc.RTPReceiver) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks++
}

func (f *fakeRemoteStream) TrackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tracks
}

func (f *fakeRemoteStream) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

type fakeMedia struct {
	mu     sync.Mutex
	err    error
	local  []*fakeLocalStream
	remote []*fakeRemoteStream
}

func (f *fakeMedia) GetUserMedia(ctx context.Context, constraints ports.MediaConstraints) (ports.LocalStream, error) {
	if f.err != nil {
		return nil, f.err
	}
	stream := &fakeLocalStream{}
	f.mu.Lock()
	f.local = append(f.local, stream)
	f.mu.Unlock()
	return stream, nil
}

func (f *fakeMedia) NewRemoteStream() ports.RemoteStream {
	stream := &fakeRemoteStream{}
	f.mu.Lock()
	f.remote = append(f.remote, stream)
	f.mu.Unlock()
	return stream
}

type sentMessage struct {
	CallID domain.CallID
	Msg    domain.CallMessage
}

type recordingSignaler struct {
	mu     sync.Mutex
	sent   []sentMessage
	err    error
	onSend func(domain.CallMessage)
}

func (r *recordingSignaler) Send(ctx context.Context, callID domain.CallID, msg domain.CallMessage) error {
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	r.sent = append(r.sent, sentMessage{CallID: callID, Msg: msg})
	hook := r.onSend
	r.mu.Unlock()
	if hook != nil {
		hook(msg)
	}
	return nil
}

func (r *recordingSignaler) messages() []domain.CallMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.CallMessage, 0, len(r.sent))
	for _, s := range r.sent {
		out = append(out, s.Msg)
	}
	return out
}

func (r *recordingSignaler) ofType(t domain.MessageType) []domain.CallMessage {
	var out []domain.CallMessage
	for _, msg := range r.messages() {
		if msg.Type == t {
			out = append(out, msg)
		}
	}
	return out
}

func offerMessage(t *testing.T, from, to domain.UserID) domain.CallMessage {
	t.Helper()
	payload, err := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 remote offer"})
	if err != nil {
		t.Fatal(err)
	}
	return domain.CallMessage{Type: domain.MessageOffer, FromUserID: from, ToUserID: to, Payload: payload}
}

func waitEvent(ch <-chan domain.SessionEvent, match func(domain.SessionEvent) bool) (domain.SessionEvent, error) {
	timeout := time.After(time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return domain.SessionEvent{}, errors.New("subscription closed")
			}
			if match(ev) {
				return ev, nil
			}
		case <-timeout:
			return domain.SessionEvent{}, errors.New("timed out waiting for event")
		}
	}
}
