package session

// State represents where the guard is in its attach lifetime
type State int

const (
	// Disarmed is the state before Attach and after Detach
	Disarmed State = iota
	// Suppressed means a logout flag was found at attach; the guard does not arm
	Suppressed
	// Watching means the idle-poll loop is running and no warning is shown
	Watching
	// Warning means the countdown is visible and running
	Warning
	// Terminated is absorbing until the next Attach
	Terminated
)

// AllStates lists every state, in order.
var AllStates = []State{Disarmed, Suppressed, Watching, Warning, Terminated}

// String returns a human-readable string representation of the state
func (s State) String() string {
	switch s {
	case Disarmed:
		return "disarmed"
	case Suppressed:
		return "suppressed"
	case Watching:
		return "watching"
	case Warning:
		return "warning"
	case Terminated:
		return "terminated"
	default:
		return "invalid"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name; unknown names are an error.
func (s *State) UnmarshalText(b []byte) error {
	for _, st := range AllStates {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return &UnknownStateError{Name: string(b)}
}

// IsArmed reports whether the guard is protecting a session.
func (s State) IsArmed() bool {
	return s == Watching || s == Warning
}

// UnknownStateError is returned when decoding an unrecognised state name.
type UnknownStateError struct {
	Name string
}

func (e *UnknownStateError) Error() string {
	return "unknown guard state " + `"` + e.Name + `"`
}

// Event is an input to the state machine.
type Event string

const (
	EventIdle     Event = "idle"
	EventContinue Event = "continue"
	EventExpire   Event = "expire"
	EventLogout   Event = "logout"
)

type transitionKey struct {
	from  State
	event Event
}

var transitions = map[transitionKey]State{
	{Watching, EventIdle}:    Warning,
	{Warning, EventContinue}: Watching,
	{Warning, EventExpire}:   Terminated,
	{Watching, EventLogout}:  Terminated,
	{Warning, EventLogout}:   Terminated,
}

// Next returns the state ev leads to from s. ok is false when the
// transition is not allowed, in which case the event must be ignored.
func Next(s State, ev Event) (next State, ok bool) {
	next, ok = transitions[transitionKey{s, ev}]
	return next, ok
}
