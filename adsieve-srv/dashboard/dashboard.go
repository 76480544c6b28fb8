package dashboard

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/codefionn/adsieve/adsieve-srv/logger"
	"github.com/codefionn/adsieve/adsieve-srv/stats"
)

// writeJSON writes a JSON response with proper error handling
func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response: %v", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// Data is the payload of /api/stats.
type Data struct {
	Overview         *stats.OverviewStats `json:"overview"`
	LiveConnections  int64                `json:"live_connections"`
	TrackedSockets   int                  `json:"tracked_sockets"`
	AdDomains        int                  `json:"ad_domains"`
	EventSubscribers int                  `json:"event_subscribers"`
	Uptime           string               `json:"uptime"`
	LastUpdated      time.Time            `json:"last_updated"`
}

// AdListInfo is the payload of /api/adlist.
type AdListInfo struct {
	Count   int      `json:"count"`
	Memory  int64    `json:"memory_bytes"`
	Domains []string `json:"domains"`
}
