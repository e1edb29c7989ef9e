package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"caselog/pkg/fanout"
	"caselog/pkg/logger"
	"caselog/pkg/store"
	"caselog/pkg/utils"
)

// RegisterAdmin wires the admin operations. The router mounting these must
// gate them behind the admin role.
func (a *API) RegisterAdmin(r *mux.Router) {
	r.HandleFunc("/reset", a.reset).Methods(http.MethodPost)
	r.HandleFunc("/reindex", a.reindex).Methods(http.MethodPost)
	r.HandleFunc("/stats", a.stats).Methods(http.MethodGet)
}

// reset wipes the log, the projection and the index, then tells live
// subscribers to drop their state.
func (a *API) reset(w http.ResponseWriter, r *http.Request) {
	if err := store.Reset(); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	if err := a.Proc.Rebuild(); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	a.Hub.Publish(fanout.Notification{
		Subject:   fanout.SystemSubject,
		EventType: "engine.reset",
	})
	logger.Info("engine_reset")
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "reset"})
}

// reindex rebuilds derived state from the event log.
func (a *API) reindex(w http.ResponseWriter, r *http.Request) {
	if err := a.Proc.Rebuild(); err != nil {
		logger.Error("reindex_failed", "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "reindex failed")
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "reindexed"})
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	docs, _ := a.Idx.DocCount()
	_ = utils.JSONWrite(w, http.StatusOK, map[string]interface{}{
		"storage":     store.GetStorageStats(),
		"index_docs":  docs,
		"subscribers": a.Hub.Subscribers(),
	})
}
