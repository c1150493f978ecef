package core

import "github.com/google/uuid"

// EventKind tags the variants of Event emitted by the sync engine and
// registry to the UI/applet layer.
type EventKind uint8

const (
	EventSyncDisabled EventKind = iota
	EventFullySynchronized
	EventRemoteCloudUpdate
	EventDiverged
	EventPushFailed
	EventTransportError
	EventActiveCloudChanged
	EventCloudListChanged
)

// Event is a single notification pushed onto an AppState's events
// channel. ID is a fresh UUID per event, useful for client-side
// deduplication when events are replayed to a reconnecting UI.
type Event struct {
	ID      string
	Kind    EventKind
	CloudID [32]byte
	Index   uint64 // meaningful for EventDiverged, EventPushFailed, EventRemoteCloudUpdate
	Detail  string
}

func newEvent(kind EventKind, cloudID [32]byte) Event {
	return Event{ID: uuid.NewString(), Kind: kind, CloudID: cloudID}
}

// String renders a short human-readable status line, the form the
// vaultsync daemon logs for each event.
func (e Event) String() string {
	switch e.Kind {
	case EventSyncDisabled:
		return "synchronization disabled"
	case EventFullySynchronized:
		return "fully synchronized"
	case EventRemoteCloudUpdate:
		return "updated"
	case EventDiverged:
		return "diverged"
	case EventPushFailed:
		return "push failed"
	case EventTransportError:
		return "transport error"
	case EventActiveCloudChanged:
		return "active cloud changed"
	case EventCloudListChanged:
		return "cloud list changed"
	default:
		return "unknown"
	}
}
