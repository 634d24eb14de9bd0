package group

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/mvdberg/couchsync/internal/api"
	"github.com/mvdberg/couchsync/internal/channel"
	"github.com/mvdberg/couchsync/internal/player"
	"github.com/mvdberg/couchsync/internal/scheduler"
)

var log = logging.Logger("group")

const (
	// defaultReadyTolerance is how far (in ticks) an announced wait position
	// may drift from an already-acknowledged one before a fresh ready ack is
	// owed. 0.1s.
	defaultReadyTolerance = player.TicksPerSecond / 10

	// defaultReadyTimeout bounds how long a ready ack waits on the local
	// buffer. After this the ack goes out anyway so one slow client cannot
	// stall the whole group.
	defaultReadyTimeout = 10 * time.Second

	// requestTimeout caps outbound acknowledgement requests made from the
	// message path.
	requestTimeout = 5 * time.Second
)

// PendingCommand is the single-slot record of this client's last outbound
// intent. It is kept only until the authoritative state stream answers it;
// the server never confirms requests individually.
type PendingCommand struct {
	Kind          scheduler.Kind
	PositionTicks int64
	IssuedAt      time.Time
}

// Hooks are the reconciler's callbacks into its owner. All slots are
// optional.
type Hooks struct {
	// PlayItem fires when a queue update demands the local player (re)start
	// an entry.
	PlayItem func(item Item, startTicks int64)
	// Resumed fires when the group leaves Waiting for Playing.
	Resumed func()
	// GroupGone fires when the server reports the group no longer exists.
	GroupGone func(groupID string)
	// MembersChanged fires on membership-affecting updates.
	MembersChanged func()
}

// Reconciler folds every inbound channel frame into the local group view.
// Group and queue snapshots replace local state wholesale; playback commands
// are handed to the scheduler; Waiting states run the readiness handshake.
type Reconciler struct {
	ch    *channel.Manager
	sched *scheduler.Scheduler
	api   api.Requester
	hooks Hooks

	mu      sync.Mutex
	group   *Group
	queue   *Queue
	pending *PendingCommand
	player  player.Capability

	readyTolerance int64
	readyTimeout   time.Duration

	// readiness handshake bookkeeping: at most one ready ack per announced
	// position until the position moves past the tolerance or the wait
	// reason changes.
	readyValid  bool
	readyAt     int64
	readyReason Reason
	awaiting    bool
	awaitPos    int64
	awaitReason Reason
	awaitTimer  *time.Timer
}

// NewReconciler creates a reconciler wired to the channel, scheduler and
// request client.
func NewReconciler(ch *channel.Manager, sched *scheduler.Scheduler, requester api.Requester, hooks Hooks) *Reconciler {
	return &Reconciler{
		ch:             ch,
		sched:          sched,
		api:            requester,
		hooks:          hooks,
		readyTolerance: defaultReadyTolerance,
		readyTimeout:   defaultReadyTimeout,
	}
}

// SetPlayer attaches the local playback capability the readiness handshake
// consults. Pass nil to detach.
func (r *Reconciler) SetPlayer(p player.Capability) {
	r.mu.Lock()
	r.player = p
	r.mu.Unlock()
}

// SetReadyTolerance overrides the position tolerance of the ready handshake.
func (r *Reconciler) SetReadyTolerance(d time.Duration) {
	r.mu.Lock()
	r.readyTolerance = player.DurationToTicks(d)
	r.mu.Unlock()
}

// SetReadyTimeout overrides the bounded wait on local buffer readiness.
func (r *Reconciler) SetReadyTimeout(d time.Duration) {
	r.mu.Lock()
	r.readyTimeout = d
	r.mu.Unlock()
}

// ── frame routing ────────────────────────────────────────────────────────────

// HandleFrame routes one deduplicated inbound frame.
func (r *Reconciler) HandleFrame(f channel.Frame) {
	switch f.MessageType {
	case channel.TypeKeepAlive:
		log.Debugw("keep-alive acknowledged by server")

	case channel.TypeForceKeepAlive:
		var timeoutSeconds int
		if err := json.Unmarshal(f.Data, &timeoutSeconds); err != nil {
			log.Warnw("bad ForceKeepAlive payload", "err", err)
			return
		}
		if err := r.ch.Send(channel.TypeKeepAlive, nil); err != nil {
			log.Warnw("keep-alive reply failed", "err", err)
		}
		r.ch.ScheduleKeepAlive(timeoutSeconds)

	case channel.TypeSyncPlayGroupUpdate:
		var u Update
		if err := json.Unmarshal(f.Data, &u); err != nil {
			log.Warnw("bad group update payload", "err", err)
			return
		}
		r.handleUpdate(u)

	case channel.TypeSyncPlayCommand:
		var c scheduler.Command
		if err := json.Unmarshal(f.Data, &c); err != nil {
			log.Warnw("bad command payload", "err", err)
			return
		}
		r.handleCommand(c)

	default:
		log.Warnw("unknown message type", "type", f.MessageType)
	}
}

func (r *Reconciler) handleCommand(c scheduler.Command) {
	if r.sched.IsDuplicate(c) {
		log.Debugw("duplicate command dropped", "kind", c.Command, "position", c.PositionTicks)
		return
	}
	r.sched.StoreLast(c)
	r.sched.Schedule(c)
}

func (r *Reconciler) handleUpdate(u Update) {
	switch u.Type {
	case UpdateGroupJoined:
		var g Group
		if err := json.Unmarshal(u.Data, &g); err != nil {
			log.Warnw("bad GroupJoined payload", "err", err)
			return
		}
		r.mu.Lock()
		r.group = &g
		r.queue = nil
		r.pending = nil
		r.resetReadyLocked()
		r.mu.Unlock()
		log.Infow("joined group", "group", g.ID, "name", g.Name, "members", len(g.Members))
		if r.hooks.MembersChanged != nil {
			r.hooks.MembersChanged()
		}

	case UpdateUserJoined, UpdateUserLeft:
		var m Member
		if err := json.Unmarshal(u.Data, &m); err != nil {
			log.Warnw("bad membership payload", "type", u.Type, "err", err)
			return
		}
		log.Infow("membership changed", "type", u.Type, "user", m.UserName)
		if r.hooks.MembersChanged != nil {
			r.hooks.MembersChanged()
		}

	case UpdatePlayQueue:
		r.applyQueue(u)

	case UpdateStateUpdate:
		r.applyState(u)

	case UpdateGroupDoesNotExist:
		r.handleGone(u.GroupID)

	default:
		log.Warnw("unknown group update type", "type", u.Type)
	}
}

// ── queue and state application ──────────────────────────────────────────────

func (r *Reconciler) applyQueue(u Update) {
	var pq PlayQueueData
	if err := json.Unmarshal(u.Data, &pq); err != nil {
		log.Warnw("bad PlayQueue payload", "err", err)
		return
	}

	r.mu.Lock()
	r.queue = &Queue{Items: pq.Items, PlayingIndex: pq.PlayingItemIndex}
	cur, ok := r.queue.Current()

	prevItem := ""
	if r.group != nil {
		prevItem = r.group.PlayingItemID
	}
	// NewPlaylist always restarts; SetCurrentItem restarts only when the
	// playing entry actually changed, so re-announcements are idempotent.
	restart := ok && (pq.Reason == PlayQueueNewPlaylist || cur.PlaylistItemID != prevItem)
	if r.group != nil && ok {
		r.group.PlayingItemID = cur.PlaylistItemID
	}
	if restart {
		r.resetReadyLocked()
	}
	r.mu.Unlock()

	log.Infow("queue replaced", "reason", pq.Reason, "items", len(pq.Items), "index", pq.PlayingItemIndex)
	if restart && r.hooks.PlayItem != nil {
		r.hooks.PlayItem(cur, pq.StartPositionTicks)
	}
}

func (r *Reconciler) applyState(u Update) {
	var su StateUpdateData
	if err := json.Unmarshal(u.Data, &su); err != nil {
		log.Warnw("bad StateUpdate payload", "err", err)
		return
	}

	r.mu.Lock()
	if r.group == nil {
		r.mu.Unlock()
		log.Warnw("state update without a joined group", "state", su.State)
		return
	}
	prev := r.group.State
	r.group.State = su.State
	r.group.Reason = su.Reason
	r.group.PositionTicks = su.PositionTicks
	if su.PlaylistItemID != "" {
		r.group.PlayingItemID = su.PlaylistItemID
	}
	// Any authoritative state answers whatever intent was outstanding.
	r.pending = nil
	r.mu.Unlock()

	log.Debugw("group state", "state", su.State, "reason", su.Reason, "position", su.PositionTicks)

	switch {
	case su.State == StateWaiting:
		r.enterWaiting(su.Reason, su.PositionTicks)
	case prev == StateWaiting && su.State == StatePlaying:
		if r.hooks.Resumed != nil {
			r.hooks.Resumed()
		}
	}
}

func (r *Reconciler) handleGone(groupID string) {
	log.Warnw("group no longer exists", "group", groupID)
	r.sched.CancelAll()
	r.mu.Lock()
	r.group = nil
	r.queue = nil
	r.pending = nil
	r.resetReadyLocked()
	r.mu.Unlock()
	if r.hooks.GroupGone != nil {
		r.hooks.GroupGone(groupID)
	}
}

// ── readiness handshake ──────────────────────────────────────────────────────

func (r *Reconciler) enterWaiting(reason Reason, positionTicks int64) {
	switch reason {
	case ReasonPause:
		// Nothing to acknowledge; the pause itself lands as a command.
	case ReasonUnpause, ReasonSeek, ReasonBuffer, ReasonReady:
		// A seek wait is never answered by re-seeking; all four reasons are
		// settled by acknowledging readiness at the announced position.
		r.ensureReadyAt(positionTicks, reason)
	default:
		log.Debugw("waiting with unhandled reason", "reason", reason)
	}
}

// ensureReadyAt sends the ready ack for the announced position, at most once
// until the position moves past the tolerance or the wait reason changes.
// When the local buffer is not ready the ack is deferred to the player's
// CanPlay event, bounded by the ready timeout.
func (r *Reconciler) ensureReadyAt(positionTicks int64, reason Reason) {
	r.mu.Lock()
	if r.readyValid && r.readyReason == reason && absTicks(positionTicks-r.readyAt) <= r.readyTolerance {
		r.mu.Unlock()
		return
	}

	if p := r.player; p != nil && !p.CanPlay() {
		r.awaiting = true
		r.awaitPos = positionTicks
		r.awaitReason = reason
		if r.awaitTimer != nil {
			r.awaitTimer.Stop()
		}
		r.awaitTimer = time.AfterFunc(r.readyTimeout, r.readyWaitExpired)
		r.mu.Unlock()
		log.Debugw("buffer not ready, deferring ready ack", "position", positionTicks)
		return
	}

	item := r.currentItemLocked()
	r.markReadyLocked(positionTicks, reason)
	r.mu.Unlock()

	r.sendReady(positionTicks, item)
}

// NotifyCanPlay resolves a deferred ready ack once the local buffer catches
// up. It is a no-op when no ack is pending.
func (r *Reconciler) NotifyCanPlay() {
	r.mu.Lock()
	if !r.awaiting {
		r.mu.Unlock()
		return
	}
	pos, reason := r.awaitPos, r.awaitReason
	item := r.currentItemLocked()
	r.markReadyLocked(pos, reason)
	r.mu.Unlock()

	r.sendReady(pos, item)
}

// readyWaitExpired fires when the buffer never caught up within the bounded
// wait. The ack goes out anyway; stalling the group helps nobody.
func (r *Reconciler) readyWaitExpired() {
	r.mu.Lock()
	if !r.awaiting {
		r.mu.Unlock()
		return
	}
	pos, reason := r.awaitPos, r.awaitReason
	item := r.currentItemLocked()
	r.markReadyLocked(pos, reason)
	r.mu.Unlock()

	log.Warnw("readiness wait expired, acknowledging anyway", "position", pos)
	r.sendReady(pos, item)
}

func (r *Reconciler) markReadyLocked(positionTicks int64, reason Reason) {
	r.readyValid = true
	r.readyAt = positionTicks
	r.readyReason = reason
	r.awaiting = false
	if r.awaitTimer != nil {
		r.awaitTimer.Stop()
		r.awaitTimer = nil
	}
}

func (r *Reconciler) resetReadyLocked() {
	r.readyValid = false
	r.awaiting = false
	if r.awaitTimer != nil {
		r.awaitTimer.Stop()
		r.awaitTimer = nil
	}
}

func (r *Reconciler) currentItemLocked() string {
	if r.group == nil {
		return ""
	}
	return r.group.PlayingItemID
}

func (r *Reconciler) sendReady(positionTicks int64, playlistItemID string) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := r.api.Ready(ctx, true, positionTicks, playlistItemID); err != nil {
		log.Warnw("ready ack failed", "err", err)
		return
	}
	log.Debugw("ready acknowledged", "position", positionTicks)
}

// ── local view accessors ─────────────────────────────────────────────────────

// Snapshot returns copies of the current group and queue, and whether a
// group is joined at all.
func (r *Reconciler) Snapshot() (Group, *Queue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.group == nil {
		return Group{}, nil, false
	}
	g := *r.group
	g.Members = append([]Member(nil), r.group.Members...)
	var q *Queue
	if r.queue != nil {
		q = &Queue{
			Items:        append([]Item(nil), r.queue.Items...),
			PlayingIndex: r.queue.PlayingIndex,
		}
	}
	return g, q, true
}

// SetPending records this client's latest outbound intent.
func (r *Reconciler) SetPending(kind scheduler.Kind, positionTicks int64) {
	r.mu.Lock()
	r.pending = &PendingCommand{Kind: kind, PositionTicks: positionTicks, IssuedAt: time.Now()}
	r.mu.Unlock()
}

// ClearPending drops the outstanding intent, for when the request carrying
// it never reached the server.
func (r *Reconciler) ClearPending() {
	r.mu.Lock()
	r.pending = nil
	r.mu.Unlock()
}

// Pending returns a copy of the outstanding intent, if any.
func (r *Reconciler) Pending() *PendingCommand {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return nil
	}
	p := *r.pending
	return &p
}

// Clear wipes all group-local state. Called on leave and disconnect.
func (r *Reconciler) Clear() {
	r.mu.Lock()
	r.group = nil
	r.queue = nil
	r.pending = nil
	r.resetReadyLocked()
	r.mu.Unlock()
}

func absTicks(t int64) int64 {
	if t < 0 {
		return -t
	}
	return t
}
