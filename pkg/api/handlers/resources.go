package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"caselog/pkg/auth"
	"caselog/pkg/authz"
	"caselog/pkg/logger"
	"caselog/pkg/models"
	"caselog/pkg/store"
	"caselog/pkg/utils"
)

// RegisterResources wires the materialized resource endpoints.
func (a *API) RegisterResources(r *mux.Router) {
	r.HandleFunc("/resources", a.listResources).Methods(http.MethodGet)
	r.HandleFunc("/resources/{id}", a.getResource).Methods(http.MethodGet)
	r.HandleFunc("/resources/{id}", a.deleteResource).Methods(http.MethodDelete)
}

func (a *API) listResources(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	admin := auth.RoleFromContext(r.Context()) == auth.RoleAdmin
	typ := r.URL.Query().Get("type")
	limit := intParam(r.URL.Query().Get("limit"), 0)
	offset := intParam(r.URL.Query().Get("offset"), 0)

	if admin {
		recs, err := store.ListResources(typ, false, offset, limit)
		if err != nil {
			utils.JSONError(w, http.StatusInternalServerError, "list failed")
			return
		}
		if recs == nil {
			recs = []models.ResourceRecord{}
		}
		_ = utils.JSONWrite(w, http.StatusOK, map[string]interface{}{"resources": recs})
		return
	}

	// Pagination for users counts authorized records, not stored ones, so
	// pages stay stable regardless of what the caller cannot see.
	recs, err := store.ListResources(typ, false, 0, 0)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, "list failed")
		return
	}
	out := []models.ResourceRecord{}
	skipped := 0
	for _, rec := range recs {
		if !authz.Involved(principal, rec.Data) && !authz.IsAuthorized(principal, rec.ID) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]interface{}{"resources": out})
}

// getResource returns a single materialized resource. Resources the caller
// may not see answer 404, the same as resources that do not exist.
func (a *API) getResource(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	principal := auth.PrincipalFromContext(r.Context())
	admin := auth.RoleFromContext(r.Context()) == auth.RoleAdmin

	rec, err := store.GetResource(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.JSONError(w, http.StatusNotFound, "not found")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !admin && !authz.IsAuthorized(principal, id) {
		utils.JSONError(w, http.StatusNotFound, "not found")
		return
	}
	if rec.Deleted {
		// Tombstones read the same as never-existed.
		utils.JSONError(w, http.StatusNotFound, "not found")
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, rec)
}

// deleteResource appends a tombstone commit for the resource. The event
// log keeps its history; only the projection and index entries go away.
func (a *API) deleteResource(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	principal := auth.PrincipalFromContext(r.Context())
	admin := auth.RoleFromContext(r.Context()) == auth.RoleAdmin

	rec, err := store.GetResource(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.JSONError(w, http.StatusNotFound, "not found")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !admin && !authz.IsAuthorized(principal, id) {
		utils.JSONError(w, http.StatusNotFound, "not found")
		return
	}
	if rec.Deleted {
		utils.JSONError(w, http.StatusNotFound, "not found")
		return
	}

	body, err := json.Marshal(models.JSONCommit{
		ResourceID: id,
		Actor:      principal,
		Deleted:    true,
	})
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	ev := &models.CloudEvent{
		Source:          "api/" + principal,
		Subject:         id,
		Type:            models.TypeJSONCommit,
		DataContentType: "application/json",
		Data:            body,
	}
	seq, err := a.Proc.Process(ev)
	if err != nil {
		logger.Error("resource_delete_failed", "resource", id, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	logger.Info("resource_deleted", "resource", id, "seq", seq, "actor", principal)
	_ = utils.JSONWrite(w, http.StatusOK, map[string]interface{}{"seq": seq, "id": id})
}
