package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"vidgate/work/proxy"

	"github.com/gorilla/mux"
)

func HandleManifest(p *proxy.Proxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		contentID := vars["contentId"]
		quality := r.URL.Query().Get("quality")
		p.ServeManifest(w, r, contentID, quality)
	}
}

func HandleSegment(p *proxy.Proxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		p.ServeSegment(w, r, vars["ref"], vars["rest"])
	}
}

func HandleCloseSession(p *proxy.Proxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		if !p.CloseSession(vars["id"]) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// sessionInfo is the JSON shape of one session on the status surface. The
// resolved upstream URLs stay internal; only what the surrounding
// application needs to manage playback is exposed.
type sessionInfo struct {
	ID        string    `json:"id"`
	ContentID string    `json:"contentId"`
	Quality   string    `json:"quality"`
	Adapter   string    `json:"adapter"`
	CreatedAt time.Time `json:"createdAt"`
}

func HandleSessions(p *proxy.Proxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions := p.Sessions.All()
		out := make([]sessionInfo, 0, len(sessions))
		for _, s := range sessions {
			out = append(out, sessionInfo{
				ID:        s.ID,
				ContentID: s.ContentID,
				Quality:   string(s.Quality),
				Adapter:   s.Origin.Adapter,
				CreatedAt: s.CreatedAt,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func HandleStatus(p *proxy.Proxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]interface{}{
			"uptimeSeconds": int64(p.Uptime().Seconds()),
			"sessions":      p.Sessions.Len(),
			"cacheBytes":    p.Segments.Bytes(),
			"cacheEntries":  p.Segments.Len(),
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	}
}
