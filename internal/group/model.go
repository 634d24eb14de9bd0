package group

import (
	"time"
)

// State is the group playback state as decided by the server.
type State string

const (
	StateIdle    State = "Idle"
	StateWaiting State = "Waiting"
	StatePaused  State = "Paused"
	StatePlaying State = "Playing"
)

// Reason tags why the group entered its current state. For Waiting it
// selects which side of the readiness handshake this client runs.
type Reason string

const (
	ReasonNone    Reason = ""
	ReasonReady   Reason = "Ready"
	ReasonSeek    Reason = "Seek"
	ReasonBuffer  Reason = "Buffer"
	ReasonUnpause Reason = "Unpause"
	ReasonPause   Reason = "Pause"
)

// Member is one participant in the group.
type Member struct {
	UserID   string `json:"UserId"`
	UserName string `json:"UserName"`
}

// Group is this client's view of the joined group. It is replaced wholesale
// on every GroupJoined and updated only by the reconciler.
type Group struct {
	ID            string    `json:"GroupId"`
	Name          string    `json:"GroupName"`
	Members       []Member  `json:"Participants"`
	State         State     `json:"State"`
	Reason        Reason    `json:"Reason,omitempty"`
	PlayingItemID string    `json:"PlayingItemId,omitempty"`
	PositionTicks int64     `json:"PositionTicks"`
	LastUpdate    time.Time `json:"LastUpdatedAt,omitempty"`
}

// IsPaused reports whether the group is in a non-advancing state.
func (g *Group) IsPaused() bool {
	return g.State == StatePaused || g.State == StateWaiting
}

// Item is one entry of the shared queue. PlaylistItemID identifies the queue
// slot; ItemID identifies the underlying media item.
type Item struct {
	PlaylistItemID string `json:"PlaylistItemId"`
	ItemID         string `json:"ItemId"`
}

// Queue is the shared play queue, replaced wholesale on every PlayQueue
// message and never diffed.
type Queue struct {
	Items        []Item `json:"Items"`
	PlayingIndex int    `json:"PlayingItemIndex"`
}

// Current returns the entry at the playing index.
func (q *Queue) Current() (Item, bool) {
	if q == nil || q.PlayingIndex < 0 || q.PlayingIndex >= len(q.Items) {
		return Item{}, false
	}
	return q.Items[q.PlayingIndex], true
}
