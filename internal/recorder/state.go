package recorder

// Phase is the recorder's lifecycle position.
type Phase int

const (
	Idle Phase = iota
	Connected
	Recording
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Connected:
		return "connected"
	case Recording:
		return "recording"
	}
	return "unknown"
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// State is a snapshot of the recorder. Dir is the remembered directory;
// Path is set while a file is open. Paused marks a Connected state that
// was entered through Pause and waits for Resume.
type State struct {
	Phase  Phase  `json:"phase"`
	Dir    string `json:"dir"`
	Path   string `json:"path,omitempty"`
	Paused bool   `json:"paused,omitempty"`
}

// CommandKind enumerates recorder commands.
type CommandKind int

const (
	CmdNew CommandKind = iota
	CmdPause
	CmdResume
	CmdStop
)

func (k CommandKind) String() string {
	switch k {
	case CmdNew:
		return "new"
	case CmdPause:
		return "pause"
	case CmdResume:
		return "resume"
	case CmdStop:
		return "stop"
	}
	return "unknown"
}

// Command drives the recorder. Dir and Name are only read by New; either
// may be empty.
type Command struct {
	Kind CommandKind
	Dir  string
	Name string
}

func NewCmd(dir, name string) Command { return Command{Kind: CmdNew, Dir: dir, Name: name} }
func PauseCmd() Command               { return Command{Kind: CmdPause} }
func ResumeCmd() Command              { return Command{Kind: CmdResume} }
func StopCmd() Command                { return Command{Kind: CmdStop} }

// ParseCommand maps an API command name to its kind.
func ParseCommand(s string) (CommandKind, bool) {
	for k := CmdNew; k <= CmdStop; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}
