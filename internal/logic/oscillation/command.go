package oscillation

// Kind identifies a command understood by the oscillation loop.
type Kind int

const (
	Unknown Kind = iota
	Width        // "w": set the sheet width
	Accel        // "a": set the planner acceleration
	Start        // "s": zero the position and start oscillating
	Pause        // "p": return to zero, keep the motor powered
	Halt         // "h": return to zero and release the motor
	StepRight    // "r": one microstep right
	StepLeft     // "l": one microstep left
)

var kindLetters = map[Kind]string{
	Width:     "w",
	Accel:     "a",
	Start:     "s",
	Pause:     "p",
	Halt:      "h",
	StepRight: "r",
	StepLeft:  "l",
}

var lettersKind = func() map[string]Kind {
	m := make(map[string]Kind, len(kindLetters))
	for k, s := range kindLetters {
		m[s] = k
	}
	return m
}()

// String returns the wire letter of the command, or "?" for Unknown.
func (k Kind) String() string {
	if s, ok := kindLetters[k]; ok {
		return s
	}
	return "?"
}

// ParseKind maps a wire letter to its Kind. Only exact matches are accepted:
// "s" is Start, "start" or "s " are not.
func ParseKind(s string) (Kind, bool) {
	k, ok := lettersKind[s]
	return k, ok
}

// Message is the raw record exchanged with command producers.
type Message struct {
	Command string `json:"command"`
	Value   int    `json:"value"`
}

// Command is a decoded message, ready for the loop.
type Command struct {
	Kind  Kind
	Value int
}

// Decode converts a raw message once, at the queue boundary. Unrecognized
// text yields a Command of Kind Unknown.
func Decode(m Message) Command {
	k, _ := ParseKind(m.Command)
	return Command{Kind: k, Value: m.Value}
}
