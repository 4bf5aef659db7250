// Package terminal defines the control-frame protocol shared by the
// supervisor terminal endpoint and the orchestrator proxy. Binary WebSocket
// frames carry raw PTY bytes; text frames carry exactly one JSON control
// object.
package terminal

import "encoding/json"

// Control frame types sent by clients.
const (
	TypeResize = "resize"
	TypePing   = "ping"
)

// ControlFrame is the JSON shape of a text frame.
type ControlFrame struct {
	Type string `json:"type"`
	Cols uint   `json:"cols,omitempty"`
	Rows uint   `json:"rows,omitempty"`
}

// ParseControl decodes a text frame. Unknown or malformed frames report ok
// false and are ignored by both ends.
func ParseControl(data []byte) (ControlFrame, bool) {
	var frame ControlFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return ControlFrame{}, false
	}
	switch frame.Type {
	case TypeResize:
		return frame, frame.Cols > 0 && frame.Rows > 0
	case TypePing:
		return frame, true
	default:
		return ControlFrame{}, false
	}
}
