// Package protocol defines the wire shapes exchanged with a remote
// debugging endpoint and the error taxonomy of the session layer.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message is the envelope for everything that crosses the transport:
// outgoing commands carry an id and a method, responses carry the id of
// the command they answer, events carry a method but no id.
type Message struct {
	ID        int64           `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
}

// IsResponse reports whether the message answers a command.
func (m *Message) IsResponse() bool { return m.ID > 0 && m.Method == "" }

// IsEvent reports whether the message is an asynchronous notification.
func (m *Message) IsEvent() bool { return m.Method != "" && m.ID == 0 }

// Error is a remote-reported command failure, carried verbatim. The
// session layer never transforms or retries it.
type Error struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}
