package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/JeffreyUrban/CaptionA.cc-sub002/caption"
)

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(session *caption.Session, store *caption.Store, config *caption.Config, hub *caption.Hub) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		w.Header().Set("Content-Type", "application/json")
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			Videos    int       `json:"videos"`
			WSClients int       `json:"wsClients"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Videos:    len(config.Videos),
			WSClients: hub.ClientCount(),
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			log.Printf("Error encoding health status: %v", err)
		}
	})

	// Session status endpoint
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		videoID, ok := videoParam(r, config)
		if !ok {
			http.Error(w, "video parameter required", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(session.Status(videoID)); err != nil {
			log.Printf("Error encoding status: %v", err)
		}
	})

	// Current model snapshot endpoint
	mux.HandleFunc("/model", func(w http.ResponseWriter, r *http.Request) {
		videoID, ok := videoParam(r, config)
		if !ok {
			http.Error(w, "video parameter required", http.StatusBadRequest)
			return
		}

		model, err := store.LoadCurrentModel(videoID)
		if err != nil {
			log.Printf("Error loading model for %s: %v", videoID, err)
			http.Error(w, "Failed to load model", http.StatusInternalServerError)
			return
		}
		if model == nil {
			http.Error(w, "No model trained yet", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(model); err != nil {
			log.Printf("Error encoding model: %v", err)
		}
	})

	// Feature importance endpoint, ranked best separator first
	mux.HandleFunc("/model/importance", func(w http.ResponseWriter, r *http.Request) {
		videoID, ok := videoParam(r, config)
		if !ok {
			http.Error(w, "video parameter required", http.StatusBadRequest)
			return
		}

		model, err := store.LoadCurrentModel(videoID)
		if err != nil {
			log.Printf("Error loading model for %s: %v", videoID, err)
			http.Error(w, "Failed to load model", http.StatusInternalServerError)
			return
		}
		if model == nil || len(model.Importance) == 0 {
			http.Error(w, "No importance data yet", http.StatusNotFound)
			return
		}

		ranked := make([]caption.FisherScore, len(model.Importance))
		copy(ranked, model.Importance)
		sort.Slice(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(ranked); err != nil {
			log.Printf("Error encoding importance: %v", err)
		}
	})

	// Model history endpoint
	mux.HandleFunc("/model/history", func(w http.ResponseWriter, r *http.Request) {
		videoID, ok := videoParam(r, config)
		if !ok {
			http.Error(w, "video parameter required", http.StatusBadRequest)
			return
		}

		history, err := store.ModelHistory(videoID, 20)
		if err != nil {
			log.Printf("Error loading model history for %s: %v", videoID, err)
			http.Error(w, "Failed to load history", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(history); err != nil {
			log.Printf("Error encoding history: %v", err)
		}
	})

	// Prediction overlay endpoint (raster)
	mux.HandleFunc("/overlay.png", func(w http.ResponseWriter, r *http.Request) {
		renderer, ok := overlayForRequest(w, r, store, config)
		if !ok {
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.WritePNG(w); err != nil {
			log.Printf("Error encoding overlay PNG: %v", err)
		}
	})

	// Prediction overlay endpoint (vector)
	mux.HandleFunc("/overlay.svg", func(w http.ResponseWriter, r *http.Request) {
		renderer, ok := overlayForRequest(w, r, store, config)
		if !ok {
			return
		}

		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderToSVG(w); err != nil {
			log.Printf("Error encoding overlay SVG: %v", err)
		}
	})

	// WebSocket event stream
	mux.HandleFunc("/ws", hub.HandleWebSocket)

	// Default route serves HTML embedding the overlay, refreshed on events
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = fmt.Fprint(w, `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>captiona</title>
<style>
*{margin:0;padding:0;box-sizing:border-box}
html,body{width:100%;height:100%;overflow:hidden;background:#1a1a1a}
img{display:block;width:100vw;height:100vh;object-fit:contain}
</style>
</head>
<body>
<img id="overlay" src="/overlay.svg" alt="Prediction Overlay">
<script>
const img=document.getElementById('overlay');
const proto=location.protocol==='https:'?'wss://':'ws://';
const ws=new WebSocket(proto+location.host+'/ws');
ws.onmessage=e=>{
  const m=JSON.parse(e.data);
  if(m.type==='recalc_completed'||m.type==='model_updated'){
    img.src='/overlay.svg?t='+Date.now();
  }
};
</script>
</body>
</html>`)
	})

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}

// videoParam resolves the video a request targets: the ?video= query
// parameter, or the sole configured video when only one exists.
func videoParam(r *http.Request, config *caption.Config) (string, bool) {
	if id := r.URL.Query().Get("video"); id != "" {
		return id, true
	}
	if len(config.Videos) == 1 {
		return config.Videos[0].ID, true
	}
	return "", false
}

// overlayForRequest builds the overlay renderer for ?video=&frame= requests.
// On failure it writes the HTTP error itself and returns ok=false.
func overlayForRequest(w http.ResponseWriter, r *http.Request, store *caption.Store, config *caption.Config) (*caption.OverlayRenderer, bool) {
	videoID, ok := videoParam(r, config)
	if !ok {
		http.Error(w, "video parameter required", http.StatusBadRequest)
		return nil, false
	}

	frameIdx := 0
	if f := r.URL.Query().Get("frame"); f != "" {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			http.Error(w, "invalid frame parameter", http.StatusBadRequest)
			return nil, false
		}
		frameIdx = n
	}

	boxes, err := store.LoadFramePredictions(videoID, frameIdx)
	if err != nil {
		log.Printf("Error loading frame %d for %s: %v", frameIdx, videoID, err)
		http.Error(w, "Failed to load frame", http.StatusInternalServerError)
		return nil, false
	}
	if len(boxes) == 0 {
		http.Error(w, "No boxes for frame", http.StatusNotFound)
		return nil, false
	}

	layout, err := store.LoadLayoutConfig(videoID)
	if err != nil {
		log.Printf("Error loading layout for %s: %v", videoID, err)
		http.Error(w, "Failed to load layout", http.StatusInternalServerError)
		return nil, false
	}
	annotations, err := store.LoadAnnotations(videoID)
	if err != nil {
		log.Printf("Error loading annotations for %s: %v", videoID, err)
		http.Error(w, "Failed to load annotations", http.StatusInternalServerError)
		return nil, false
	}

	renderer := caption.NewOverlayRenderer(layout, boxes, annotations)
	renderer.ShowConfidence = r.URL.Query().Get("labels") != "0"
	return renderer, true
}
