package gateway

// Status is a snapshot of the connection state machine.
// Authenticated implies Connected.
type Status struct {
	Connected            bool
	Authenticated        bool
	Reconnecting         bool
	ManuallyDisconnected bool
}

// Phase names the state a Status describes.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseConnecting     Phase = "connecting"
	PhaseConnected      Phase = "connected"
	PhaseAuthenticating Phase = "authenticating"
	PhaseAuthenticated  Phase = "authenticated"
	PhaseReconnecting   Phase = "reconnecting"
	PhaseDisconnected   Phase = "disconnected"
)

// state is the mutable form of Status owned by the gateway.
// Every method must be called with the gateway lock held.
type state struct {
	Status
	hasSession  bool
	identifying bool
	gen         uint64
}

func (s *state) phase() Phase {
	switch {
	case s.Authenticated:
		return PhaseAuthenticated
	case s.Connected && s.identifying:
		return PhaseAuthenticating
	case s.Connected:
		return PhaseConnected
	case s.Reconnecting:
		return PhaseReconnecting
	case s.ManuallyDisconnected:
		return PhaseDisconnected
	case s.hasSession:
		return PhaseConnecting
	default:
		return PhaseIdle
	}
}

// beginSession moves Idle to Connecting and returns the generation that
// transport callbacks of the new session must carry.
func (s *state) beginSession() uint64 {
	s.gen++
	s.hasSession = true
	s.ManuallyDisconnected = false
	return s.gen
}

func (s *state) current(gen uint64) bool {
	return gen == s.gen
}

// connected records a fresh connection and reports whether it ends a reconnect.
// Authentication never survives a reconnect.
func (s *state) connected() (reconnected bool) {
	reconnected = s.Reconnecting
	s.Connected = true
	s.Authenticated = false
	s.Reconnecting = false
	return reconnected
}

// authenticated applies an init frame. It is ignored while disconnected.
func (s *state) authenticated(ok bool) bool {
	if !s.Connected {
		return false
	}
	s.Authenticated = ok
	if ok {
		s.identifying = false
	}
	return s.Authenticated
}

// disconnected records a transport disconnect and reports whether it was a drop.
func (s *state) disconnected() (dropped bool) {
	s.Connected = false
	s.Authenticated = false
	s.identifying = false
	if s.ManuallyDisconnected {
		s.Reconnecting = false
		s.hasSession = false
		return false
	}
	s.Reconnecting = true
	return true
}

// manualDisconnect ends the session on caller request. A pending reconnect
// is abandoned even when the transport has no live connection left to
// report a disconnect.
func (s *state) manualDisconnect() {
	s.ManuallyDisconnected = true
	s.hasSession = false
	s.Connected = false
	s.Authenticated = false
	s.Reconnecting = false
	s.identifying = false
}

// beginIdentify claims the single identify slot.
func (s *state) beginIdentify() bool {
	if s.Authenticated || s.identifying {
		return false
	}
	s.identifying = true
	return true
}

func (s *state) endIdentify() {
	s.identifying = false
}
