package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"streamgate/handlers"
)

// Register wires the player-facing endpoints onto the router.
//
// The resolve route is registered as a path prefix and parsed inside the
// handler: the opaque segment carries percent-encoded slashes that mux's
// decoded vars would split. Path cleaning must stay off for the same reason;
// the decoded path contains "//" and cleaning answers 301 instead of routing.
func Register(
	r *mux.Router,
	streamsHandler *handlers.StreamsHandler,
	resolveHandler *handlers.ResolveHandler,
	healthHandler *handlers.HealthHandler,
) {
	r.SkipClean(true)
	r.Handle("/streams/{kind}/{id}.json", streamsHandler).Methods(http.MethodGet)
	r.PathPrefix("/resolve/").Handler(resolveHandler).Methods(http.MethodGet)
	r.Handle("/healthz", healthHandler).Methods(http.MethodGet)
}
