// Package registry tracks live WebSocket connections: one per station for
// agents, a flat observer set for dashboards. Registries are plain owned
// objects constructed once and injected into the components that need them;
// they hold no persisted state and are rebuilt from reconnects after a
// restart.
package registry

import (
	"time"

	"github.com/lanhall-io/lanhall/pkg/protocol"
)

// Conn is a live transport handle. Implementations must serialize their own
// writes; registries may call Send from multiple goroutines.
type Conn interface {
	Send(env protocol.Envelope) error
	Close() error
}

func envelope(msgType, stationID string, data any) protocol.Envelope {
	return protocol.Envelope{
		Type:      msgType,
		StationID: stationID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}
