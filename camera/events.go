package camera

// EventKind identifies a stream event delivered to camera clients.
type EventKind uint32

const (
	EventStreamStarted EventKind = iota + 1
	EventStreamStopped
	EventFrameDropped
	EventTimeout
	EventParameterChanged
	EventMasterReleased
)

// String returns the event name used in logs.
func (k EventKind) String() string {
	switch k {
	case EventStreamStarted:
		return "STREAM_STARTED"
	case EventStreamStopped:
		return "STREAM_STOPPED"
	case EventFrameDropped:
		return "FRAME_DROPPED"
	case EventTimeout:
		return "TIMEOUT"
	case EventParameterChanged:
		return "PARAMETER_CHANGED"
	case EventMasterReleased:
		return "MASTER_RELEASED"
	default:
		return "UNKNOWN"
	}
}

// Known reports whether the kind is a member of the closed event set.
// Receivers log and drop unknown kinds.
func (k EventKind) Known() bool {
	return k >= EventStreamStarted && k <= EventMasterReleased
}

// Event is a stream notification fanned out by the broker. Param and
// Value are meaningful only for EventParameterChanged.
type Event struct {
	Kind  EventKind
	Param Param
	Value int32
}
