// Package session is the Requester side of an enhancement: a pure state
// machine and a driver that runs it against a channel.
package session

import "rafined/internal/protocol"

type State int

const (
	Idle State = iota
	AwaitingFirstByte
	Streaming
	Done
	NoAPIKey
	Error
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingFirstByte:
		return "awaiting_first_byte"
	case Streaming:
		return "streaming"
	case Done:
		return "done"
	case NoAPIKey:
		return "no_api_key"
	case Error:
		return "error"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Active reports whether an upstream call may still be running.
func (s State) Active() bool {
	return s == AwaitingFirstByte || s == Streaming
}

func (s State) Terminal() bool {
	switch s {
	case Done, NoAPIKey, Error, Cancelled:
		return true
	default:
		return false
	}
}

const errConnectionLost = "connection to enhancer lost"

// Snapshot is everything the presentation side needs after a transition.
type Snapshot struct {
	State     State
	Text      string
	Error     string
	HistoryID string
}

type Event interface{ isEvent() }

type (
	// Start opens a session for Request.
	Start struct{ Request protocol.EnhanceRequest }
	// Received is one message from the Enhancer.
	Received struct{ Message protocol.Message }
	Cancel   struct{}
	// Disconnected means the channel broke without a terminal message.
	Disconnected struct{}
	// Accept hands Text to the insertion collaborator.
	Accept  struct{ Text string }
	Discard struct{}
)

func (Start) isEvent()        {}
func (Received) isEvent()     {}
func (Cancel) isEvent()       {}
func (Disconnected) isEvent() {}
func (Accept) isEvent()       {}
func (Discard) isEvent()      {}

type Effect interface{ isEffect() }

type (
	Open   struct{}
	Send   struct{ Message protocol.Message }
	Close  struct{}
	Insert struct {
		Text      string
		HistoryID string
	}
	Render struct{}
)

func (Open) isEffect()   {}
func (Send) isEffect()   {}
func (Close) isEffect()  {}
func (Insert) isEffect() {}
func (Render) isEffect() {}

// Transition is the whole Requester state machine. Events that are not valid
// in the current state leave it unchanged and produce no effects.
func Transition(s Snapshot, ev Event) (Snapshot, []Effect) {
	switch ev := ev.(type) {
	case Start:
		if s.State != Idle {
			return s, nil
		}
		return Snapshot{State: AwaitingFirstByte}, []Effect{Open{}, Send{Message: ev.Request}, Render{}}

	case Received:
		if !s.State.Active() {
			return s, nil
		}
		return received(s, ev.Message)

	case Cancel:
		if !s.State.Active() {
			return s, nil
		}
		s.State = Cancelled
		return s, []Effect{Send{Message: protocol.CancelStream{}}, Close{}, Render{}}

	case Disconnected:
		if !s.State.Active() {
			return s, nil
		}
		s.State = Error
		s.Error = errConnectionLost
		return s, []Effect{Close{}, Render{}}

	case Accept:
		if s.State != Done {
			return s, nil
		}
		return Snapshot{State: Idle}, []Effect{Insert{Text: ev.Text, HistoryID: s.HistoryID}, Render{}}

	case Discard:
		if !s.State.Terminal() {
			return s, nil
		}
		return Snapshot{State: Idle}, []Effect{Render{}}
	}
	return s, nil
}

func received(s Snapshot, m protocol.Message) (Snapshot, []Effect) {
	switch m := m.(type) {
	case protocol.StreamChunk:
		s.State = Streaming
		s.Text += m.Text
		return s, []Effect{Render{}}
	case protocol.StreamDone:
		s.State = Done
		s.Text = m.FullText
		s.HistoryID = m.HistoryID
		return s, []Effect{Close{}, Render{}}
	case protocol.StreamError:
		s.State = Error
		s.Error = m.Error
		return s, []Effect{Close{}, Render{}}
	case protocol.NoAPIKey:
		s.State = NoAPIKey
		return s, []Effect{Close{}, Render{}}
	default:
		return s, nil
	}
}
