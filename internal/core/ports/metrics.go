package ports

import (
	"time"

	"clicktocall/internal/core/domain"
)

// CallMetrics receives call lifecycle measurements.
type CallMetrics interface {
	RecordCallStarted(outgoing bool)
	RecordCallEnded(duration time.Duration)
	RecordStateTransition(from, to domain.CallState)
	RecordMessageSent(messageType domain.MessageType)
	RecordSignalingFailure(messageType domain.MessageType)
	RecordPacketLoss(loss float64)
}
