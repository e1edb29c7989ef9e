package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/gorilla/mux"

	"caselog/pkg/auth"
	"caselog/pkg/authz"
	"caselog/pkg/logger"
	"caselog/pkg/search"
	"caselog/pkg/store"
	"caselog/pkg/telemetry"
	"caselog/pkg/utils"
)

// RegisterQuery wires the search endpoint.
func (a *API) RegisterQuery(r *mux.Router) {
	r.HandleFunc("/query", a.runQuery).Methods(http.MethodGet, http.MethodPost)
}

type queryRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// runQuery executes a search scoped to the caller. User queries are
// rewritten with the authorization gate before execution, and the hits are
// post-filtered by exact membership; admins search unscoped.
func (a *API) runQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if r.Method == http.MethodPost {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			utils.JSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
	} else {
		req.Query = r.URL.Query().Get("q")
		req.Limit = intParam(r.URL.Query().Get("limit"), 0)
	}
	// An empty or wildcard query lists everything the caller may see.
	matchAll := strings.TrimSpace(req.Query) == "" || strings.TrimSpace(req.Query) == "*"

	var q query.Query
	if matchAll {
		q = bleve.NewMatchAllQuery()
	} else {
		known, err := a.Idx.KnownFields()
		if err != nil {
			logger.Error("query_fields_failed", "error", err)
			utils.JSONError(w, http.StatusInternalServerError, "query failed")
			return
		}
		parsed, err := search.ParseQueryFor(req.Query, known)
		if err != nil {
			utils.JSONError(w, http.StatusBadRequest, "invalid query: "+err.Error())
			return
		}
		q = parsed
	}
	limit := req.Limit
	if limit <= 0 || (a.MaxResults > 0 && limit > a.MaxResults) {
		limit = a.MaxResults
	}

	principal := auth.PrincipalFromContext(r.Context())
	admin := auth.RoleFromContext(r.Context()) == auth.RoleAdmin
	telemetry.SearchQueries.Inc()

	var hits []search.Hit
	var err error
	if admin {
		hits, err = a.Idx.Search(q, limit)
	} else {
		hits, err = a.Idx.Search(authz.Rewrite(q, principal), limit)
		if err == nil {
			hits = authz.FilterHits(principal, hits)
		}
	}
	if err != nil {
		logger.Error("query_failed", "principal", principal, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "query failed")
		return
	}
	for i := range hits {
		hydrateHit(&hits[i])
	}
	logger.Debug("query_executed", "principal", principal, "hits", len(hits))
	_ = utils.JSONWrite(w, http.StatusOK, map[string]interface{}{
		"hits":  hits,
		"total": len(hits),
	})
}

// hydrateHit fills in hits the index could not hydrate itself. The index
// is a cache; the projection record wins when the two disagree, and the
// event log answers for entries that never got a projection.
func hydrateHit(h *search.Hit) {
	if h.Payload != nil && h.Type != "" {
		return
	}
	if rec, err := store.GetResource(h.ID); err == nil {
		if h.Payload == nil {
			h.Payload = rec.Data
		}
		if h.Type == "" {
			h.Type = rec.Type
		}
		return
	}
	if se, err := store.GetEventByID(h.ID); err == nil && h.Payload == nil {
		var data map[string]interface{}
		if json.Unmarshal(se.Event.Data, &data) == nil {
			h.Payload = data
		}
	}
}
