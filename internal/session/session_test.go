package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mvdberg/couchsync/internal/api"
	"github.com/mvdberg/couchsync/internal/player"
	"github.com/mvdberg/couchsync/internal/scheduler"
	"github.com/mvdberg/couchsync/internal/timesync"
)

// fakeRequester records outbound requests and can be told to fail them.
type fakeRequester struct {
	mu        sync.Mutex
	calls     []string
	seeks     []int64
	buffering []bool

	failPause error
	failJoin  error
}

func (f *fakeRequester) record(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
}

func (f *fakeRequester) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRequester) count(name string) int {
	n := 0
	for _, c := range f.recorded() {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeRequester) ListGroups(context.Context) ([]api.GroupInfo, error) {
	f.record("list")
	return nil, nil
}

func (f *fakeRequester) CreateGroup(_ context.Context, name string) (*api.GroupInfo, error) {
	f.record("create")
	return &api.GroupInfo{GroupID: "g-new", GroupName: name}, nil
}

func (f *fakeRequester) JoinGroup(context.Context, string) error {
	f.record("join")
	return f.failJoin
}

func (f *fakeRequester) LeaveGroup(context.Context) error {
	f.record("leave")
	return nil
}

func (f *fakeRequester) Pause(context.Context) error {
	f.record("pause")
	return f.failPause
}

func (f *fakeRequester) Unpause(context.Context) error {
	f.record("unpause")
	return nil
}

func (f *fakeRequester) Stop(context.Context) error {
	f.record("stop")
	return nil
}

func (f *fakeRequester) Seek(_ context.Context, positionTicks int64) error {
	f.record("seek")
	f.mu.Lock()
	f.seeks = append(f.seeks, positionTicks)
	f.mu.Unlock()
	return nil
}

func (f *fakeRequester) Buffering(_ context.Context, isBuffering bool, _ int64, _ string) error {
	f.record("buffering")
	f.mu.Lock()
	f.buffering = append(f.buffering, isBuffering)
	f.mu.Unlock()
	return nil
}

func (f *fakeRequester) Ready(context.Context, bool, int64, string) error {
	f.record("ready")
	return nil
}

func (f *fakeRequester) Queue(context.Context, []string, api.QueueMode) error {
	f.record("queue")
	return nil
}

func (f *fakeRequester) SetNewQueue(context.Context, []string, int64) error {
	f.record("setqueue")
	return nil
}

func (f *fakeRequester) ReportPing(context.Context, int64) error {
	f.record("ping")
	return nil
}

func instantClock() *timesync.Synchronizer {
	return timesync.New(func(_ context.Context, requested time.Time) (time.Time, time.Time, error) {
		return requested, requested, nil
	})
}

// socketServer accepts websocket upgrades and holds the connection open.
func socketServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestManager(req *fakeRequester, url string, opts Options) *Manager {
	return New(req, url, instantClock(), opts)
}

// forceLive marks the session enabled and joined without a server round trip.
func forceLive(m *Manager, groupID string) {
	m.mu.Lock()
	m.enabled = true
	m.groupID = groupID
	m.mu.Unlock()
}

func TestApplyUnpauseCorrectsLargeDrift(t *testing.T) {
	req := &fakeRequester{}
	m := newTestManager(req, "ws://unused.invalid", Options{})
	p := player.NewSimulated()
	m.RegisterPlayer(p)

	target := 30 * player.TicksPerSecond
	m.applyCommand(scheduler.Command{Command: scheduler.KindUnpause, PositionTicks: target})

	assert.False(t, p.Paused())
	drift := p.PositionTicks() - target
	if drift < 0 {
		drift = -drift
	}
	assert.Less(t, drift, player.TicksPerSecond, "player should have been seeked to the target")
}

func TestApplyPauseSkipsSeekWithinThreshold(t *testing.T) {
	req := &fakeRequester{}
	m := newTestManager(req, "ws://unused.invalid", Options{})
	p := player.NewSimulated()
	m.RegisterPlayer(p)

	at := 10 * player.TicksPerSecond
	p.SeekTicks(at)

	// Target 0.2s away: inside the 0.5s threshold, position must not move.
	m.applyCommand(scheduler.Command{
		Command:       scheduler.KindPause,
		PositionTicks: at + player.TicksPerSecond/5,
	})

	assert.True(t, p.Paused())
	assert.Equal(t, at, p.PositionTicks())
}

func TestApplyStopRewinds(t *testing.T) {
	req := &fakeRequester{}
	m := newTestManager(req, "ws://unused.invalid", Options{})
	p := player.NewSimulated()
	m.RegisterPlayer(p)
	p.SeekTicks(42 * player.TicksPerSecond)
	p.Play()

	m.applyCommand(scheduler.Command{Command: scheduler.KindStop})

	assert.True(t, p.Paused())
	assert.Equal(t, int64(0), p.PositionTicks())
}

func TestRemoteCommandDoesNotEchoAsIntent(t *testing.T) {
	req := &fakeRequester{}
	m := newTestManager(req, "ws://unused.invalid", Options{})
	p := player.NewSimulated()
	m.RegisterPlayer(p)
	forceLive(m, "g-1")

	m.applyCommand(scheduler.Command{Command: scheduler.KindPause, PositionTicks: 0})
	assert.Zero(t, req.count("pause"), "a replayed command must not go back to the server")

	// A genuine user pause afterwards does go out.
	p.EmitUserPause()
	assert.Equal(t, 1, req.count("pause"))
}

func TestUserSeekForwardedWithPosition(t *testing.T) {
	req := &fakeRequester{}
	m := newTestManager(req, "ws://unused.invalid", Options{})
	p := player.NewSimulated()
	m.RegisterPlayer(p)
	forceLive(m, "g-1")

	p.EmitUserSeek(7 * player.TicksPerSecond)

	require.Equal(t, 1, req.count("seek"))
	assert.Equal(t, int64(7*player.TicksPerSecond), req.seeks[0])

	pending := m.rec.Pending()
	require.NotNil(t, pending)
	assert.Equal(t, scheduler.KindSeek, pending.Kind)
}

func TestUserEventsIgnoredOutsideGroup(t *testing.T) {
	req := &fakeRequester{}
	m := newTestManager(req, "ws://unused.invalid", Options{})
	p := player.NewSimulated()
	m.RegisterPlayer(p)

	p.EmitUserPause()
	p.EmitUserPlay()
	p.EmitUserSeek(123)

	assert.Empty(t, req.recorded(), "no group joined, nothing should be sent")
}

func TestRequestsWithoutGroupReturnErrNoGroup(t *testing.T) {
	req := &fakeRequester{}
	m := newTestManager(req, "ws://unused.invalid", Options{})

	assert.ErrorIs(t, m.Pause(context.Background()), ErrNoGroup)
	assert.ErrorIs(t, m.Seek(context.Background(), 100), ErrNoGroup)
	assert.ErrorIs(t, m.QueueItems(context.Background(), []string{"m-1"}, api.QueueModeLast), ErrNoGroup)
	assert.Empty(t, req.recorded())
}

func TestFailedRequestClearsPendingIntent(t *testing.T) {
	req := &fakeRequester{failPause: context.DeadlineExceeded}
	m := newTestManager(req, "ws://unused.invalid", Options{})
	forceLive(m, "g-1")

	err := m.Pause(context.Background())
	require.Error(t, err)
	assert.Nil(t, m.rec.Pending())
}

func TestJoinFailureTearsDown(t *testing.T) {
	srv := socketServer(t)
	req := &fakeRequester{failJoin: context.DeadlineExceeded}
	m := newTestManager(req, wsURL(srv), Options{})

	err := m.JoinGroup(context.Background(), "g-missing")
	require.Error(t, err)
	assert.False(t, m.ch.IsConnected(), "failed join must not leave the channel open")
	assert.False(t, m.Status().Enabled)
}

func TestLeaveGroupTearsDownAndNotifies(t *testing.T) {
	srv := socketServer(t)
	req := &fakeRequester{}

	var left string
	m := newTestManager(req, wsURL(srv), Options{OnLeft: func(id string) { left = id }})

	require.NoError(t, m.JoinGroup(context.Background(), "g-1"))
	assert.True(t, m.Status().Enabled)

	require.NoError(t, m.LeaveGroup(context.Background()))
	assert.Equal(t, "g-1", left)
	assert.False(t, m.Status().Enabled)
	assert.False(t, m.ch.IsConnected())
}

func TestBufferingReportedBothWays(t *testing.T) {
	req := &fakeRequester{}
	m := newTestManager(req, "ws://unused.invalid", Options{})
	p := player.NewSimulated()
	m.RegisterPlayer(p)
	forceLive(m, "g-1")

	p.SetReady(false)
	p.SetReady(true)

	require.Equal(t, []bool{true, false}, req.buffering)
}

func TestStatusReflectsPlayerAndGroup(t *testing.T) {
	req := &fakeRequester{}
	m := newTestManager(req, "ws://unused.invalid", Options{})

	st := m.Status()
	assert.False(t, st.Enabled)
	assert.True(t, st.Paused, "no player reads as paused")
	assert.Nil(t, st.Group)

	p := player.NewSimulated()
	p.SeekTicks(5 * player.TicksPerSecond)
	m.RegisterPlayer(p)
	forceLive(m, "g-1")

	st = m.Status()
	assert.True(t, st.Enabled)
	assert.Equal(t, "g-1", st.GroupID)
	assert.Equal(t, int64(5*player.TicksPerSecond), st.Position)
}
