package control

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/mvdberg/couchsync/internal/api"
	"github.com/mvdberg/couchsync/internal/session"
	"github.com/mvdberg/couchsync/internal/storage"
)

// fakeSession records what the control surface asked for.
type fakeSession struct {
	joined  string
	left    bool
	seeks   []int64
	queued  []string
	mode    api.QueueMode
	failErr error
}

func (f *fakeSession) Status() session.Status {
	return session.Status{Enabled: true, GroupID: "g-1"}
}

func (f *fakeSession) ListGroups(context.Context) ([]api.GroupInfo, error) {
	if f.failErr != nil {
		return nil, f.failErr
	}
	return []api.GroupInfo{{GroupID: "g-1", GroupName: "movie night"}}, nil
}

func (f *fakeSession) CreateGroup(_ context.Context, name string) (*api.GroupInfo, error) {
	return &api.GroupInfo{GroupID: "g-new", GroupName: name}, nil
}

func (f *fakeSession) JoinGroup(_ context.Context, groupID string) error {
	f.joined = groupID
	return f.failErr
}

func (f *fakeSession) LeaveGroup(context.Context) error {
	f.left = true
	return nil
}

func (f *fakeSession) Pause(context.Context) error   { return f.failErr }
func (f *fakeSession) Unpause(context.Context) error { return nil }
func (f *fakeSession) Stop(context.Context) error    { return nil }

func (f *fakeSession) Seek(_ context.Context, positionTicks int64) error {
	f.seeks = append(f.seeks, positionTicks)
	return nil
}

func (f *fakeSession) QueueItems(_ context.Context, itemIDs []string, mode api.QueueMode) error {
	f.queued = itemIDs
	f.mode = mode
	return nil
}

func (f *fakeSession) SetQueue(_ context.Context, itemIDs []string, _ int64) error {
	f.queued = itemIDs
	return nil
}

func newTestServer(t *testing.T, sess Session, hist *storage.DB) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New("", sess, hist, "https://media.example.org").Router())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeSession{}, nil)

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var st session.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if !st.Enabled || st.GroupID != "g-1" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestCreateGroupValidation(t *testing.T) {
	srv := newTestServer(t, &fakeSession{}, nil)

	resp := postJSON(t, srv.URL+"/groups", map[string]string{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty name accepted: %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/groups", map[string]string{"GroupName": "movie night"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var g api.GroupInfo
	if err := json.NewDecoder(resp.Body).Decode(&g); err != nil {
		t.Fatal(err)
	}
	if g.GroupName != "movie night" {
		t.Fatalf("name = %q", g.GroupName)
	}
}

func TestJoinRoutesGroupID(t *testing.T) {
	sess := &fakeSession{}
	srv := newTestServer(t, sess, nil)

	resp := postJSON(t, srv.URL+"/groups/g-42/join", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if sess.joined != "g-42" {
		t.Fatalf("joined = %q", sess.joined)
	}
}

func TestSeekValidation(t *testing.T) {
	sess := &fakeSession{}
	srv := newTestServer(t, sess, nil)

	resp := postJSON(t, srv.URL+"/seek", map[string]int64{"PositionTicks": -5})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative position accepted: %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/seek", map[string]int64{"PositionTicks": 12345})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(sess.seeks) != 1 || sess.seeks[0] != 12345 {
		t.Fatalf("seeks = %v", sess.seeks)
	}
}

func TestQueueDefaultsMode(t *testing.T) {
	sess := &fakeSession{}
	srv := newTestServer(t, sess, nil)

	resp := postJSON(t, srv.URL+"/queue", map[string]any{"ItemIds": []string{"m-1"}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if sess.mode != api.QueueModeLast {
		t.Fatalf("mode = %q", sess.mode)
	}

	resp = postJSON(t, srv.URL+"/queue", map[string]any{"ItemIds": []string{}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty queue accepted: %d", resp.StatusCode)
	}
}

func TestUpstreamErrorsSurfaceAs502(t *testing.T) {
	sess := &fakeSession{failErr: context.DeadlineExceeded}
	srv := newTestServer(t, sess, nil)

	resp := postJSON(t, srv.URL+"/pause", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["Error"] == "" {
		t.Fatal("error body missing")
	}
}

func TestHistoryEndpoint(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "couchsync.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if err := db.RecordJoin("https://media.example.org", "g-1", "movie night"); err != nil {
		t.Fatal(err)
	}

	srv := newTestServer(t, &fakeSession{}, db)

	resp, err := http.Get(srv.URL + "/history")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var recs []storage.JoinRecord
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].GroupID != "g-1" {
		t.Fatalf("records = %+v", recs)
	}
}

func TestHistoryWithoutStore(t *testing.T) {
	srv := newTestServer(t, &fakeSession{}, nil)

	resp, err := http.Get(srv.URL + "/history")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var recs []storage.JoinRecord
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("records = %+v", recs)
	}
}
