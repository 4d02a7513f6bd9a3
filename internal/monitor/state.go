package monitor

// ConnState is the push-channel connection state. The lifecycle is
// Disconnected → Connecting → Connected ⇄ Reconnecting → {Connected | GaveUp};
// GaveUp is terminal.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Reconnecting
	GaveUp
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case GaveUp:
		return "gave_up"
	default:
		return "unknown"
	}
}
