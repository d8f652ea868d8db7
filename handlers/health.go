package handlers

import (
	"net/http"
	"time"

	"streamgate/services/cache"
)

// HealthHandler reports liveness plus enough shape to spot a sick worker:
// which worker answered, how long it has been up, and per-namespace cache
// sizes.
type HealthHandler struct {
	workerID int
	started  time.Time
	fabric   *cache.Fabric
}

func NewHealthHandler(workerID int, fabric *cache.Fabric) *HealthHandler {
	return &HealthHandler{workerID: workerID, started: time.Now(), fabric: fabric}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":        "ok",
		"worker":        h.workerID,
		"uptimeSeconds": int(time.Since(h.started).Seconds()),
		"cache": map[string]int{
			cache.NSMeta:     h.fabric.Size(cache.NSMeta),
			cache.NSStreams:  h.fabric.Size(cache.NSStreams),
			cache.NSResolve:  h.fabric.Size(cache.NSResolve),
			cache.NSCFCookie: h.fabric.Size(cache.NSCFCookie),
		},
	})
}
