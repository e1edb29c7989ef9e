package handlers

import (
	"time"

	"github.com/gorilla/mux"

	"caselog/pkg/fanout"
	"caselog/pkg/ingest"
	"caselog/pkg/search"
)

// API holds the engine components the HTTP handlers operate on.
type API struct {
	Proc *ingest.Processor
	Idx  *search.Index
	Hub  *fanout.Hub

	// MaxResults caps search responses; MaxEventBytes caps ingested
	// event bodies. Zero means unlimited.
	MaxResults    int
	MaxEventBytes int64

	// Heartbeat overrides the stream keepalive interval when positive.
	Heartbeat time.Duration
}

// Register wires every versioned route onto the router.
func (a *API) Register(r *mux.Router) {
	a.RegisterEvents(r)
	a.RegisterResources(r)
	a.RegisterQuery(r)
}
