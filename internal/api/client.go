package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("api")

// GroupInfo is the server's summary of a joinable group.
type GroupInfo struct {
	GroupID      string    `json:"GroupId"`
	GroupName    string    `json:"GroupName"`
	Participants []string  `json:"Participants"`
	LastActivity time.Time `json:"LastUpdatedAt"`
}

// QueueMode says where queued items land relative to the playing one.
type QueueMode string

const (
	QueueModeNext QueueMode = "QueueNext"
	QueueModeLast QueueMode = "Queue"
)

// Requester is the outbound request contract toward the coordination
// server. The synchronization core only ever talks through this interface;
// the HTTP client below is the production implementation.
type Requester interface {
	ListGroups(ctx context.Context) ([]GroupInfo, error)
	CreateGroup(ctx context.Context, name string) (*GroupInfo, error)
	JoinGroup(ctx context.Context, groupID string) error
	LeaveGroup(ctx context.Context) error

	Pause(ctx context.Context) error
	Unpause(ctx context.Context) error
	Stop(ctx context.Context) error
	Seek(ctx context.Context, positionTicks int64) error

	Buffering(ctx context.Context, isBuffering bool, positionTicks int64, playlistItemID string) error
	Ready(ctx context.Context, isReady bool, positionTicks int64, playlistItemID string) error

	Queue(ctx context.Context, itemIDs []string, mode QueueMode) error
	SetNewQueue(ctx context.Context, itemIDs []string, startPositionTicks int64) error

	ReportPing(ctx context.Context, pingMs int64) error
}

// Client talks to the coordination server's REST surface.
type Client struct {
	baseURL  string
	token    string
	deviceID string
	http     *http.Client
}

// NewClient creates a client for the given server base URL.
func NewClient(baseURL, token, deviceID string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		deviceID: deviceID,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

// SocketURL derives the websocket endpoint for the persistent channel.
func (c *Client) SocketURL() string {
	ws := c.baseURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return ws + "/socket?token=" + url.QueryEscape(c.token) + "&device=" + url.QueryEscape(c.deviceID)
}

// do sends one JSON request. A non-nil out receives the decoded response.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Device-Id", c.deviceID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	log.Debugw("request", "method", method, "path", path)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: server returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

// ListGroups fetches the groups currently open on the server.
func (c *Client) ListGroups(ctx context.Context) ([]GroupInfo, error) {
	var groups []GroupInfo
	if err := c.do(ctx, http.MethodGet, "/syncplay/groups", nil, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// CreateGroup opens a new group; the server joins the creator to it.
func (c *Client) CreateGroup(ctx context.Context, name string) (*GroupInfo, error) {
	var g GroupInfo
	req := struct {
		GroupName string `json:"GroupName"`
	}{name}
	if err := c.do(ctx, http.MethodPost, "/syncplay/groups", req, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// JoinGroup joins an existing group.
func (c *Client) JoinGroup(ctx context.Context, groupID string) error {
	return c.do(ctx, http.MethodPost, "/syncplay/groups/"+url.PathEscape(groupID)+"/join", nil, nil)
}

// LeaveGroup leaves the current group.
func (c *Client) LeaveGroup(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/syncplay/leave", nil, nil)
}

// Pause asks the group to pause.
func (c *Client) Pause(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/syncplay/pause", nil, nil)
}

// Unpause asks the group to resume.
func (c *Client) Unpause(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/syncplay/unpause", nil, nil)
}

// Stop asks the group to stop playback.
func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/syncplay/stop", nil, nil)
}

// Seek asks the group to seek.
func (c *Client) Seek(ctx context.Context, positionTicks int64) error {
	req := struct {
		PositionTicks int64 `json:"PositionTicks"`
	}{positionTicks}
	return c.do(ctx, http.MethodPost, "/syncplay/seek", req, nil)
}

// Buffering reports a local buffering start or end at a position.
func (c *Client) Buffering(ctx context.Context, isBuffering bool, positionTicks int64, playlistItemID string) error {
	req := struct {
		IsBuffering    bool   `json:"IsBuffering"`
		PositionTicks  int64  `json:"PositionTicks"`
		PlaylistItemID string `json:"PlaylistItemId,omitempty"`
		When           string `json:"When"`
	}{isBuffering, positionTicks, playlistItemID, time.Now().UTC().Format(time.RFC3339Nano)}
	return c.do(ctx, http.MethodPost, "/syncplay/buffering", req, nil)
}

// Ready acknowledges (or withdraws) readiness to resume at a position.
func (c *Client) Ready(ctx context.Context, isReady bool, positionTicks int64, playlistItemID string) error {
	req := struct {
		IsReady        bool   `json:"IsReady"`
		PositionTicks  int64  `json:"PositionTicks"`
		PlaylistItemID string `json:"PlaylistItemId,omitempty"`
		When           string `json:"When"`
	}{isReady, positionTicks, playlistItemID, time.Now().UTC().Format(time.RFC3339Nano)}
	return c.do(ctx, http.MethodPost, "/syncplay/ready", req, nil)
}

// Queue appends items to the shared queue.
func (c *Client) Queue(ctx context.Context, itemIDs []string, mode QueueMode) error {
	req := struct {
		ItemIDs []string  `json:"ItemIds"`
		Mode    QueueMode `json:"Mode"`
	}{itemIDs, mode}
	return c.do(ctx, http.MethodPost, "/syncplay/queue", req, nil)
}

// SetNewQueue replaces the shared queue.
func (c *Client) SetNewQueue(ctx context.Context, itemIDs []string, startPositionTicks int64) error {
	req := struct {
		ItemIDs            []string `json:"ItemIds"`
		StartPositionTicks int64    `json:"StartPositionTicks"`
	}{itemIDs, startPositionTicks}
	return c.do(ctx, http.MethodPost, "/syncplay/queue/new", req, nil)
}

// ReportPing tells the server this client's measured round trip.
func (c *Client) ReportPing(ctx context.Context, pingMs int64) error {
	req := struct {
		Ping int64 `json:"Ping"`
	}{pingMs}
	return c.do(ctx, http.MethodPost, "/syncplay/ping", req, nil)
}

// utcTimeResponse carries the server-side timestamps of one time exchange.
type utcTimeResponse struct {
	RequestReceptionTime     time.Time `json:"RequestReceptionTime"`
	ResponseTransmissionTime time.Time `json:"ResponseTransmissionTime"`
}

// TimePing performs one timestamp exchange for the clock synchronizer. Its
// signature matches the synchronizer's injected transport seam.
func (c *Client) TimePing(ctx context.Context, _ time.Time) (received, responded time.Time, err error) {
	var out utcTimeResponse
	if err := c.do(ctx, http.MethodGet, "/time", nil, &out); err != nil {
		return time.Time{}, time.Time{}, err
	}
	return out.RequestReceptionTime, out.ResponseTransmissionTime, nil
}
