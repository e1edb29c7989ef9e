package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"caselog/pkg/auth"
	"caselog/pkg/ingest"
	"caselog/pkg/logger"
	"caselog/pkg/models"
	"caselog/pkg/store"
	"caselog/pkg/subscribe"
	"caselog/pkg/telemetry"
	"caselog/pkg/utils"
)

// RegisterEvents wires the event ingestion, log listing and live stream
// endpoints.
func (a *API) RegisterEvents(r *mux.Router) {
	r.HandleFunc("/events", a.postEvent).Methods(http.MethodPost)
	r.HandleFunc("/events", a.listEvents).Methods(http.MethodGet)
	r.HandleFunc("/events/stream", a.streamEvents).Methods(http.MethodGet)
	r.HandleFunc("/events/{id}", a.getEvent).Methods(http.MethodGet)
}

func (a *API) postEvent(w http.ResponseWriter, r *http.Request) {
	if a.MaxEventBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, a.MaxEventBytes)
	}
	var ev models.CloudEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		telemetry.EventsRejected.Inc()
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if ev.Source == "" {
		ev.Source = "api/" + auth.PrincipalFromContext(r.Context())
	}
	seq, err := a.Proc.Process(&ev)
	if err != nil {
		if errors.Is(err, ingest.ErrInvalidEvent) {
			telemetry.EventsRejected.Inc()
			utils.JSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger.Error("event_ingest_failed", "event_id", ev.ID, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "ingest failed")
		return
	}
	// Producers read their own writes: commit the index before answering
	// so the event is queryable as soon as the response lands.
	if err := a.Idx.Commit(); err != nil {
		logger.Error("post_ingest_commit_failed", "seq", seq, "error", err)
	}
	logger.Info("event_accepted", "seq", seq, "event_id", ev.ID, "type", ev.Type)
	_ = utils.JSONWrite(w, http.StatusCreated, map[string]interface{}{
		"seq": seq,
		"id":  ev.ID,
	})
}

// listEvents exposes the raw log. The log bypasses content authorization,
// so only admins may read it.
func (a *API) listEvents(w http.ResponseWriter, r *http.Request) {
	if auth.RoleFromContext(r.Context()) != auth.RoleAdmin {
		utils.JSONError(w, http.StatusForbidden, "forbidden")
		return
	}
	q := r.URL.Query()
	limit := intParam(q.Get("limit"), 100)
	var evs []models.StoredEvent
	var err error
	after := q.Get("after_seq")
	if after == "" {
		after = q.Get("after")
	}
	if off := q.Get("offset"); off != "" {
		evs, err = store.ListEventsOffset(intParam(off, 0), limit)
	} else {
		evs, err = store.ListEventsAfter(uint64(intParam(after, 0)), limit)
	}
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, "list failed")
		return
	}
	if topic := q.Get("topic"); topic != "" {
		filtered := evs[:0]
		for _, se := range evs {
			if strings.Contains(se.Event.Subject, topic) || strings.Contains(se.Event.Type, topic) {
				filtered = append(filtered, se)
			}
		}
		evs = filtered
	}
	if evs == nil {
		evs = []models.StoredEvent{}
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]interface{}{"events": evs})
}

// getEvent fetches one log entry by envelope id. Like the listing, the
// raw log is admin-only.
func (a *API) getEvent(w http.ResponseWriter, r *http.Request) {
	if auth.RoleFromContext(r.Context()) != auth.RoleAdmin {
		utils.JSONError(w, http.StatusForbidden, "forbidden")
		return
	}
	se, err := store.GetEventByID(mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.JSONError(w, http.StatusNotFound, "not found")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, se)
}

func (a *API) streamEvents(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.JSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sess := subscribe.NewSession(a.Hub, a.Idx)
	sess.SetHeartbeat(a.Heartbeat)
	if after := intParam(r.URL.Query().Get("after"), 0); after > 0 {
		sess.Resume(uint64(after))
	}
	if err := sess.Authenticate(principal); err != nil {
		utils.JSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	if err := sess.Run(r.Context(), w, flusher.Flush); err != nil {
		logger.Warn("stream_ended", "principal", principal, "error", err)
	}
}

func intParam(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
