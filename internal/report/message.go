package report

import "sync"

type MessageType int

const (
	TypeOther MessageType = iota
	TypeError
	TypeWarning
	TypeHint
)

func (t MessageType) prefix() string {
	switch t {
	case TypeError:
		return "error: "
	case TypeWarning:
		return "warning: "
	case TypeHint:
		return "hint: "
	default:
		return ""
	}
}

// Message is one advisory line sent back to the pushing client.
type Message struct {
	Text string
	Type MessageType
}

func (m Message) String() string {
	return m.Type.prefix() + m.Text
}

func (m Message) IsError() bool {
	return m.Type == TypeError
}

func Other(text string) Message   { return Message{Text: text, Type: TypeOther} }
func Error(text string) Message   { return Message{Text: text, Type: TypeError} }
func Warning(text string) Message { return Message{Text: text, Type: TypeWarning} }
func Hint(text string) Message    { return Message{Text: text, Type: TypeHint} }

// MessageStream collects advisory messages in order. The session worker
// appends while the deadline watchdog may drain concurrently.
type MessageStream struct {
	mu   sync.Mutex
	msgs []Message
}

func (s *MessageStream) Add(msgs ...Message) {
	s.mu.Lock()
	s.msgs = append(s.msgs, msgs...)
	s.mu.Unlock()
}

// Drain returns the pending messages and empties the stream.
func (s *MessageStream) Drain() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.msgs
	s.msgs = nil
	return out
}

func (s *MessageStream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}
