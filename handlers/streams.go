package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"streamgate/models"
	"streamgate/services/aggregate"
)

// requestDeadline bounds one whole catalog request; providers share it.
const requestDeadline = 25 * time.Second

// StreamsHandler serves the player-facing catalog endpoint.
type StreamsHandler struct {
	agg     *aggregate.Service
	baseURL string
}

func NewStreamsHandler(agg *aggregate.Service, baseURL string) *StreamsHandler {
	return &StreamsHandler{agg: agg, baseURL: baseURL}
}

// ServeHTTP answers GET /streams/{kind}/{id}.json. The answer is always 200
// with a streams array; discovery failures produce an empty array, never an
// error status the player would choke on.
func (h *StreamsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	kind := models.MediaKind(vars["kind"])
	id := strings.TrimSuffix(vars["id"], ".json")

	w.Header().Set("Content-Type", "application/json")
	response := models.StreamsResponse{Streams: []models.StreamItem{}}

	if kind != models.MediaKindMovie && kind != models.MediaKindSeries {
		writeJSON(w, response)
		return
	}
	key, err := models.ParseMediaID(kind, id)
	if err != nil {
		writeJSON(w, response)
		return
	}

	previews := h.agg.Aggregate(r.Context(), key, baseFromRequest(r, h.baseURL), requestDeadline)
	for _, p := range previews {
		response.Streams = append(response.Streams, toStreamItem(p))
	}
	writeJSON(w, response)
}

func toStreamItem(p models.PreviewStream) models.StreamItem {
	name := p.Provider
	if p.ResolutionTag != "" {
		name += "\n" + p.ResolutionTag
	}

	var parts []string
	if p.DisplayLabel != "" {
		parts = append(parts, p.DisplayLabel)
	}
	if p.SizeBytes > 0 {
		parts = append(parts, formatSize(p.SizeBytes))
	}
	if len(p.Languages) > 0 {
		parts = append(parts, strings.Join(p.Languages, ", "))
	}

	item := models.StreamItem{
		Name:  name,
		Title: strings.Join(parts, "\n"),
		URL:   p.OpaqueURL,
	}
	if p.NeedsResolution {
		item.BehaviorHints = map[string]any{"notWebReady": true}
	}
	return item
}

func formatSize(bytes int64) string {
	const gb = 1024 * 1024 * 1024
	if bytes >= gb {
		return fmt.Sprintf("%.2f GB", float64(bytes)/gb)
	}
	return fmt.Sprintf("%.0f MB", float64(bytes)/(1024*1024))
}

func writeJSON(w http.ResponseWriter, v any) {
	_ = json.NewEncoder(w).Encode(v)
}

// baseFromRequest prefers the configured external base URL and falls back to
// reconstructing it from the incoming request.
func baseFromRequest(r *http.Request, configured string) string {
	if configured != "" {
		return strings.TrimRight(configured, "/")
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
