package ports

import (
	"context"

	"clicktocall/internal/core/domain"
)

// Signaler posts call messages over the host application's channel.
type Signaler interface {
	Send(ctx context.Context, callID domain.CallID, msg domain.CallMessage) error
}

// MessageHandler consumes inbound call messages.
type MessageHandler interface {
	HandleIncoming(ctx context.Context, callID domain.CallID, msg domain.CallMessage) error
}

// Inbox delivers call messages addressed to the local user until ctx ends.
type Inbox interface {
	Run(ctx context.Context, handler MessageHandler) error
	Close() error
}
