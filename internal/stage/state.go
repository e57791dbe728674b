package stage

type State int32

const (
	StateConstructed State = iota
	StateInitializing
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Backend selects how a stage is scheduled.
type Backend string

const (
	BackendThread Backend = "thread"
	BackendPool   Backend = "pool"
)

func ParseBackend(s string) (Backend, error) {
	switch Backend(s) {
	case "", BackendThread:
		return BackendThread, nil
	case BackendPool:
		return BackendPool, nil
	default:
		return "", &UnknownBackendError{Value: s}
	}
}

type UnknownBackendError struct {
	Value string
}

func (e *UnknownBackendError) Error() string {
	return "unknown concurrency type " + `"` + e.Value + `"` + " (supported: thread, pool)"
}
