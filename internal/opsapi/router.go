package opsapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"transitwatch/internal/feed"
	"transitwatch/internal/incident"
	"transitwatch/internal/notifier"
	"transitwatch/internal/profile"
	"transitwatch/internal/session"
	"transitwatch/pkg/logx"
)

// Sessions is the session registry the API drives.
type Sessions interface {
	Start(ctx context.Context, subscriberID string) (*session.Session, error)
	Restart(ctx context.Context, subscriberID string) (*session.Session, error)
	Stop(ctx context.Context, subscriberID string) (bool, error)
	Get(subscriberID string) (*session.Session, bool)
	Active() []session.Info
}

type Deliveries interface {
	Snapshot() []notifier.HistoryItem
}

// Profiles is the durable profile store.
type Profiles interface {
	GetProfile(ctx context.Context, subscriberID string) (incident.Profile, bool, error)
	PutProfile(ctx context.Context, p incident.Profile) error
}

// Policies is the policy cache in its flat field form.
type Policies interface {
	PolicyFields(ctx context.Context, subscriberID string) (map[string]string, error)
	PutPolicy(ctx context.Context, subscriberID string, p incident.Policy) error
}

type Deps struct {
	Sessions   Sessions
	Incidents  feed.Ingester
	Profiles   Profiles   // optional
	Policies   Policies   // optional
	Deliveries Deliveries // optional
	// Health adds component details to /healthz.
	Health func() map[string]any
}

// Router builds the chi handler tree.
func Router(d Deps, cfg Config, log logx.Logger) http.Handler {
	h := &handlers{deps: d, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLog)

	r.Get("/healthz", h.health)
	r.Get("/sessions", h.listSessions)
	r.Get("/notifications/recent", h.recentDeliveries)
	r.Get("/profiles/{subscriber}", h.getProfile)
	r.Get("/policies/{subscriber}", h.getPolicy)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))
		r.Put("/sessions/{subscriber}", h.startSession)
		r.Delete("/sessions/{subscriber}", h.stopSession)
		r.Post("/incidents", h.ingest)
		r.Put("/profiles/{subscriber}", h.putProfile)
		r.Put("/policies/{subscriber}", h.putPolicy)
		if cfg.Profiling {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

type handlers struct {
	deps Deps
	log  logx.Logger
}

func (h *handlers) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{"status": "ok", "sessions": len(h.deps.Sessions.Active())}
	if h.deps.Health != nil {
		for k, v := range h.deps.Health() {
			out[k] = v
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Sessions.Active())
}

func (h *handlers) recentDeliveries(w http.ResponseWriter, _ *http.Request) {
	if h.deps.Deliveries == nil {
		writeJSON(w, http.StatusOK, []notifier.HistoryItem{})
		return
	}
	items := h.deps.Deliveries.Snapshot()
	if items == nil {
		items = []notifier.HistoryItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

// startSession starts the subscriber's session, or restarts it so a changed
// profile is picked up.
func (h *handlers) startSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "subscriber"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "subscriber id is required")
		return
	}
	var (
		s   *session.Session
		err error
	)
	if _, running := h.deps.Sessions.Get(id); running {
		s, err = h.deps.Sessions.Restart(r.Context(), id)
	} else {
		s, err = h.deps.Sessions.Start(r.Context(), id)
	}
	switch {
	case errors.Is(err, session.ErrNoInterests):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, profile.ErrLoad):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	p := s.Profile()
	writeJSON(w, http.StatusOK, session.Info{
		SubscriberID: s.ID(),
		State:        s.State().String(),
		Lines:        p.Lines,
		Stations:     p.Stations,
		Stats:        s.Stats(),
	})
}

func (h *handlers) stopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "subscriber")
	ok, err := h.deps.Sessions.Stop(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no session for "+id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type incidentRequest struct {
	ID        string    `json:"id,omitempty"`
	AuthorID  string    `json:"author_id"`
	Line      string    `json:"line"`
	Station   string    `json:"station"`
	Direction string    `json:"direction,omitempty"`
	Kind      string    `json:"kind"`
	Severity  string    `json:"severity,omitempty"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

func (h *handlers) ingest(w http.ResponseWriter, r *http.Request) {
	if h.deps.Incidents == nil {
		writeError(w, http.StatusNotImplemented, "incident ingest is not available")
		return
	}
	var req incidentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sev, ok := incident.ParseSeverity(req.Severity)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown severity "+req.Severity)
		return
	}
	ev := incident.Event{
		ID:        req.ID,
		AuthorID:  strings.TrimSpace(req.AuthorID),
		Line:      strings.TrimSpace(req.Line),
		Station:   strings.TrimSpace(req.Station),
		Direction: req.Direction,
		Kind:      req.Kind,
		Severity:  sev,
		Comment:   req.Comment,
		CreatedAt: req.CreatedAt,
	}
	if ev.Line == "" && ev.Station == "" {
		writeError(w, http.StatusBadRequest, "line or station is required")
		return
	}
	out, err := h.deps.Incidents.Ingest(r.Context(), ev)
	if err != nil {
		h.log.Warn("incident ingest failed", logx.Err(err))
		status := http.StatusInternalServerError
		if errors.Is(err, feed.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

type profileBody struct {
	Lines    []string `json:"lines"`
	Stations []string `json:"stations"`
	ChatID   int64    `json:"chat_id"`
	ThreadID int      `json:"thread_id,omitempty"`
}

func (h *handlers) getProfile(w http.ResponseWriter, r *http.Request) {
	if h.deps.Profiles == nil {
		writeError(w, http.StatusNotImplemented, "profiles are not available")
		return
	}
	id := chi.URLParam(r, "subscriber")
	p, ok, err := h.deps.Profiles.GetProfile(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no profile for "+id)
		return
	}
	writeJSON(w, http.StatusOK, profileBody{Lines: p.Lines, Stations: p.Stations, ChatID: p.ChatID, ThreadID: p.ThreadID})
}

// putProfile replaces the stored profile. A running session keeps the old
// one until it is restarted.
func (h *handlers) putProfile(w http.ResponseWriter, r *http.Request) {
	if h.deps.Profiles == nil {
		writeError(w, http.StatusNotImplemented, "profiles are not available")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "subscriber"))
	var body profileBody
	if !decodeBody(w, r, &body) {
		return
	}
	p := incident.Profile{
		SubscriberID: id,
		Lines:        body.Lines,
		Stations:     body.Stations,
		ChatID:       body.ChatID,
		ThreadID:     body.ThreadID,
	}
	if err := h.deps.Profiles.PutProfile(r.Context(), p); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_, running := h.deps.Sessions.Get(id)
	writeJSON(w, http.StatusOK, map[string]any{"subscriber_id": id, "restart_required": running})
}

func (h *handlers) getPolicy(w http.ResponseWriter, r *http.Request) {
	if h.deps.Policies == nil {
		writeError(w, http.StatusNotImplemented, "policies are not available")
		return
	}
	fields, err := h.deps.Policies.PolicyFields(r.Context(), chi.URLParam(r, "subscriber"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, incident.PolicyFromFields(fields).Fields())
}

// putPolicy takes the flat field form; unknown or malformed values fall
// back to their defaults. Sessions see the change on the next event.
func (h *handlers) putPolicy(w http.ResponseWriter, r *http.Request) {
	if h.deps.Policies == nil {
		writeError(w, http.StatusNotImplemented, "policies are not available")
		return
	}
	id := chi.URLParam(r, "subscriber")
	var fields map[string]string
	if !decodeBody(w, r, &fields) {
		return
	}
	p := incident.PolicyFromFields(fields)
	if err := h.deps.Policies.PutPolicy(r.Context(), id, p); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p.Fields())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return false
	}
	return true
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const p = "Bearer "
			ah := r.Header.Get("Authorization")
			got := strings.TrimSpace(strings.TrimPrefix(ah, p))
			if !strings.HasPrefix(ah, p) || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
