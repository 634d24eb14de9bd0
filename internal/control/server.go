package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	logging "github.com/ipfs/go-log/v2"

	"github.com/mvdberg/couchsync/internal/api"
	"github.com/mvdberg/couchsync/internal/session"
	"github.com/mvdberg/couchsync/internal/storage"
)

var log = logging.Logger("control")

// Session is the slice of the session manager the control surface drives.
type Session interface {
	Status() session.Status
	ListGroups(ctx context.Context) ([]api.GroupInfo, error)
	CreateGroup(ctx context.Context, name string) (*api.GroupInfo, error)
	JoinGroup(ctx context.Context, groupID string) error
	LeaveGroup(ctx context.Context) error
	Pause(ctx context.Context) error
	Unpause(ctx context.Context) error
	Stop(ctx context.Context) error
	Seek(ctx context.Context, positionTicks int64) error
	QueueItems(ctx context.Context, itemIDs []string, mode api.QueueMode) error
	SetQueue(ctx context.Context, itemIDs []string, startPositionTicks int64) error
}

// Server is the local HTTP control surface: status, group membership and
// playback requests for whatever frontend sits on top of this client.
type Server struct {
	sess      Session
	hist      *storage.DB // nil when persistence is disabled
	serverURL string
	srv       *http.Server
}

// New creates a control server bound to addr.
func New(addr string, sess Session, hist *storage.DB, serverURL string) *Server {
	s := &Server{
		sess:      sess,
		hist:      hist,
		serverURL: serverURL,
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the HTTP routes. Exposed separately so tests can drive the
// handlers without binding a port.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/status", s.handleStatus)
	r.Get("/groups", s.handleListGroups)
	r.Post("/groups", s.handleCreateGroup)
	r.Post("/groups/{groupID}/join", s.handleJoinGroup)
	r.Post("/leave", s.handleLeave)

	r.Post("/pause", s.handlePause)
	r.Post("/unpause", s.handleUnpause)
	r.Post("/stop", s.handleStop)
	r.Post("/seek", s.handleSeek)

	r.Post("/queue", s.handleQueue)
	r.Post("/queue/new", s.handleSetQueue)

	r.Get("/history", s.handleHistory)

	return r
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		log.Infow("control api listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("control api failed", "err", err)
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// ── handlers ─────────────────────────────────────────────────────────────────

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sess.Status())
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.sess.ListGroups(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if groups == nil {
		groups = []api.GroupInfo{}
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GroupName string `json:"GroupName"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.GroupName == "" {
		writeError(w, http.StatusBadRequest, errors.New("GroupName is required"))
		return
	}

	g, err := s.sess.CreateGroup(r.Context(), req.GroupName)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleJoinGroup(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	if err := s.sess.JoinGroup(r.Context(), groupID); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	if err := s.sess.LeaveGroup(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.simpleRequest(w, r, s.sess.Pause)
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	s.simpleRequest(w, r, s.sess.Unpause)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.simpleRequest(w, r, s.sess.Stop)
}

func (s *Server) simpleRequest(w http.ResponseWriter, r *http.Request, f func(context.Context) error) {
	if err := f(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PositionTicks int64 `json:"PositionTicks"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.PositionTicks < 0 {
		writeError(w, http.StatusBadRequest, errors.New("PositionTicks must be >= 0"))
		return
	}

	if err := s.sess.Seek(r.Context(), req.PositionTicks); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ItemIDs []string      `json:"ItemIds"`
		Mode    api.QueueMode `json:"Mode"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.ItemIDs) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("ItemIds is required"))
		return
	}
	if req.Mode == "" {
		req.Mode = api.QueueModeLast
	}

	if err := s.sess.QueueItems(r.Context(), req.ItemIDs, req.Mode); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetQueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ItemIDs            []string `json:"ItemIds"`
		StartPositionTicks int64    `json:"StartPositionTicks"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.ItemIDs) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("ItemIds is required"))
		return
	}

	if err := s.sess.SetQueue(r.Context(), req.ItemIDs, req.StartPositionTicks); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.hist == nil {
		writeJSON(w, http.StatusOK, []storage.JoinRecord{})
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}

	recs, err := s.hist.History(s.serverURL, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []storage.JoinRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// ── helpers ──────────────────────────────────────────────────────────────────

func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnw("response encode failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"Error": err.Error()})
}
