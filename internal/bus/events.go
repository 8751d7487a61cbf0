package bus

import "time"

// InboundUtterance is one transcribed utterance from the person on a call.
// The speech pipeline (or a text channel standing in for it) produces these;
// the gateway routes them to the session owning CallID.
type InboundUtterance struct {
	Channel   string
	CallID    string
	SenderID  string
	Content   string
	Timestamp time.Time
	Metadata  map[string]any
}

func (u *InboundUtterance) SessionKey() string {
	return u.Channel + ":" + u.CallID
}

// OutboundUtterance is one agent utterance to speak/deliver on a call.
type OutboundUtterance struct {
	Channel  string
	CallID   string
	Content  string
	Metadata map[string]any
}
