package ports

import (
	"context"

	"clicktocall/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// View applies presentation changes requested by the composer binder.
type View interface {
	SetVisible(selector string, visible bool)
	ShowIncomingCall(call domain.IncomingCall)
	ShowCallState(info domain.CallInfo)
}

// RowResolver maps a message row to the user the call should target.
type RowResolver interface {
	TargetUserID(ctx context.Context, rowID string) (domain.UserID, error)
}

type CapabilityChecker interface {
	ShowAudioChatButton() bool
	ShowClickToCallButton() bool
}

type ErrorReporter interface {
	Error(message string, err error)
}

// CallSession is the call lifecycle driven by the binder.
type CallSession interface {
	ID() domain.CallID
	State() domain.CallState
	Info() domain.CallInfo
	Initiate(ctx context.Context, target domain.UserID) error
	Accept(ctx context.Context, offer webrtc.SessionDescription, target domain.UserID) error
	ApplyAnswer(ctx context.Context, answer webrtc.SessionDescription) error
	AddRemoteCandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error
	Close(ctx context.Context) error
	Subscribe() (<-chan domain.SessionEvent, func())
}

type CallSessionFactory interface {
	NewSession(localUser domain.UserID) CallSession
}
