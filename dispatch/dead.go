package dispatch

import "reflect"

// DeadMessage wraps the messages of a publication that matched no
// subscription. Subscribe a handler taking DeadMessage to receive them.
type DeadMessage struct {
	Messages []any
}

var deadMessageType = reflect.TypeOf(DeadMessage{})

// Message returns the first wrapped message.
func (d DeadMessage) Message() any {
	if len(d.Messages) == 0 {
		return nil
	}
	return d.Messages[0]
}
