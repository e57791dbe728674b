package channel

import (
	"time"

	"liminal/pkg/metrics"
)

func incSent(name string, kind Kind, blocked time.Duration) {
	metrics.IncChannelSent(name, string(kind))
	if blocked > 0 {
		metrics.ObserveChannelSendBlocked(name, string(kind), blocked)
	}
}

func incReceived(name string, kind Kind) {
	metrics.IncChannelReceived(name, string(kind))
}
