package ylab

import "slices"

// Phase is the connection lifecycle position.
type Phase int

const (
	Disconnected Phase = iota
	Connected
	Reading
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Reading:
		return "reading"
	}
	return "unknown"
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// State is a snapshot of the connection. While Disconnected, Ports is nil
// until the first successful enumeration and the filtered port list
// afterwards. Profile and Port are set while Connected or Reading.
type State struct {
	Phase   Phase    `json:"phase"`
	Ports   []string `json:"ports"`
	Profile Profile  `json:"profile"`
	Port    string   `json:"port,omitempty"`
}

// Discovered reports whether ports have been enumerated.
func (s State) Discovered() bool { return s.Ports != nil }

func (s State) clone() State {
	s.Ports = slices.Clone(s.Ports)
	s.Profile = s.Profile.clone()
	return s
}

// CommandKind enumerates connection commands.
type CommandKind int

const (
	CmdConnect CommandKind = iota
	CmdRead
	CmdStop
	CmdDisconnect
)

func (k CommandKind) String() string {
	switch k {
	case CmdConnect:
		return "connect"
	case CmdRead:
		return "read"
	case CmdStop:
		return "stop"
	case CmdDisconnect:
		return "disconnect"
	}
	return "unknown"
}

// Command drives the connection machine. Profile and Port are only read
// by Connect.
type Command struct {
	Kind    CommandKind
	Profile Profile
	Port    string
}

func ConnectCmd(p Profile, port string) Command { return Command{Kind: CmdConnect, Profile: p, Port: port} }
func ReadCmd() Command                          { return Command{Kind: CmdRead} }
func StopCmd() Command                          { return Command{Kind: CmdStop} }
func DisconnectCmd() Command                    { return Command{Kind: CmdDisconnect} }

// ParseCommand maps an API command name to its kind.
func ParseCommand(s string) (CommandKind, bool) {
	for k := CmdConnect; k <= CmdDisconnect; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// action is the side effect selected for a (state, command) pair.
type action int

const (
	actNone action = iota
	actDiscover
	actOpen
	actStartReading
	actStopReading
	actClose
)

// plan is the transition table. cmd is nil when the loop ticks without a
// command. autoRead lets Connected advance to Reading without a Read.
func plan(s State, cmd *Command, autoRead bool) action {
	switch s.Phase {
	case Disconnected:
		if cmd == nil {
			return actDiscover
		}
		if cmd.Kind == CmdConnect && s.Discovered() {
			return actOpen
		}
	case Connected:
		if cmd != nil && cmd.Kind == CmdDisconnect {
			return actClose
		}
		if (cmd != nil && cmd.Kind == CmdRead) || autoRead {
			return actStartReading
		}
	case Reading:
		if cmd == nil {
			return actNone
		}
		switch cmd.Kind {
		case CmdDisconnect:
			return actClose
		case CmdStop:
			return actStopReading
		}
	}
	return actNone
}
