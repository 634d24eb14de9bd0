package channel

import "encoding/json"

// MessageType identifies a frame on the persistent channel.
type MessageType string

// Frame types exchanged with the coordination server.
const (
	TypeKeepAlive           MessageType = "KeepAlive"
	TypeForceKeepAlive      MessageType = "ForceKeepAlive"
	TypeSyncPlayGroupUpdate MessageType = "SyncPlayGroupUpdate"
	TypeSyncPlayCommand     MessageType = "SyncPlayCommand"
)

// Frame is the JSON envelope for every message on the channel. Data is left
// raw so each consumer decodes only the payloads it understands.
type Frame struct {
	MessageID   string          `json:"MessageId,omitempty"`
	MessageType MessageType     `json:"MessageType"`
	Data        json.RawMessage `json:"Data,omitempty"`
}
