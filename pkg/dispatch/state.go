package dispatch

// State is the stage a dispatch cycle is in.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StatePublishing
	StateReconciling
	StateAdvancing
	StateReportingPartial
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateFetching:
		return "FETCHING"
	case StatePublishing:
		return "PUBLISHING"
	case StateReconciling:
		return "RECONCILING"
	case StateAdvancing:
		return "ADVANCING"
	case StateReportingPartial:
		return "REPORTING_PARTIAL"
	default:
		return "UNKNOWN"
	}
}
