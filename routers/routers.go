package routers

import (
	"votebridge/handlers"

	"github.com/gorilla/mux"
)

// RegisterRoutes sets up all the HTTP routes for the settlement relay
func RegisterRoutes(r *mux.Router, h *handlers.Handler) {

	// Transport boundary: one call per delivery, trusted caller only
	r.HandleFunc("/deliveries", h.Deliver).Methods("POST")

	// Identity-bound voting path (gated by configuration)
	r.HandleFunc("/votes/signed", h.SignedVote).Methods("POST")

	// Administrative proposal lifecycle
	r.HandleFunc("/proposals", h.CreateProposal).Methods("POST")
	r.HandleFunc("/proposals/{id}/open", h.OpenProposal).Methods("POST")
	r.HandleFunc("/proposals/{id}/close", h.CloseProposal).Methods("POST")
	r.HandleFunc("/proposals/{id}/archive", h.ArchiveProposal).Methods("POST")

	// Oracle collaborator pushes price snapshots here
	r.HandleFunc("/oracle/snapshots", h.PublishSnapshot).Methods("POST")

	// Query surface for indexers and auditors
	r.HandleFunc("/proposals", h.ListProposals).Methods("GET")
	r.HandleFunc("/proposals/{id}", h.GetProposal).Methods("GET")
	r.HandleFunc("/proposals/{id}/tallies", h.GetTallies).Methods("GET")
	r.HandleFunc("/proposals/{id}/events", h.GetEvents).Methods("GET")
	r.HandleFunc("/forwardings", h.ListForwardings).Methods("GET")

	// Liveness check
	r.HandleFunc("/health", h.Health).Methods("GET")
}
