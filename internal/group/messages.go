package group

import (
	"encoding/json"
)

// UpdateType discriminates SyncPlayGroupUpdate payloads.
type UpdateType string

const (
	UpdateGroupJoined       UpdateType = "GroupJoined"
	UpdateUserJoined        UpdateType = "UserJoined"
	UpdateUserLeft          UpdateType = "UserLeft"
	UpdatePlayQueue         UpdateType = "PlayQueue"
	UpdateStateUpdate       UpdateType = "StateUpdate"
	UpdateGroupDoesNotExist UpdateType = "GroupDoesNotExist"
)

// Update is the envelope of one SyncPlayGroupUpdate frame. Data is decoded
// per Type.
type Update struct {
	GroupID string          `json:"GroupId"`
	Type    UpdateType      `json:"Type"`
	Data    json.RawMessage `json:"Data,omitempty"`
}

// StateUpdateData is the payload of a StateUpdate: the authoritative group
// state after a transition.
type StateUpdateData struct {
	State          State  `json:"State"`
	Reason         Reason `json:"Reason,omitempty"`
	PositionTicks  int64  `json:"PositionTicks"`
	PlaylistItemID string `json:"PlaylistItemId,omitempty"`
}

// PlayQueueReason says why a queue snapshot was pushed.
type PlayQueueReason string

const (
	// PlayQueueNewPlaylist replaces the queue with new content; the current
	// entry must (re)start locally.
	PlayQueueNewPlaylist PlayQueueReason = "NewPlaylist"
	// PlayQueueSetCurrentItem moves the playing index; a restart happens only
	// when the entry actually changed.
	PlayQueueSetCurrentItem PlayQueueReason = "SetCurrentItem"
)

// PlayQueueData is the payload of a PlayQueue update: the full shared queue.
type PlayQueueData struct {
	Reason             PlayQueueReason `json:"Reason"`
	Items              []Item          `json:"Items"`
	PlayingItemIndex   int             `json:"PlayingItemIndex"`
	StartPositionTicks int64           `json:"StartPositionTicks"`
}
